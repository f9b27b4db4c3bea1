package model

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"gopkg.in/yaml.v3"
)

// Load loads every model defined at path.
//
// A directory or a .cue file is loaded as CUE. Files ending in .yaml or .yml
// are loaded as YAML and files ending in .json as the storage encoding.
func Load(path string) ([]*Model, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("model source not found: %s", path)}
	}

	if info.IsDir() {
		return LoadCUE(path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return LoadCUE(path)
	case ".yaml", ".yml":
		return LoadYAML(path)
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeLoadFailed, Message: err.Error()}
		}
		m, err := Unmarshal(data)
		if err != nil {
			return nil, err
		}
		return []*Model{m}, nil
	default:
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("unsupported model file: %s", path)}
	}
}

// LoadCUE loads the models declared under the top-level "process" field of
// the CUE package in dir, or of a single .cue file:
//
//	process: order: {
//		version: 1
//		nodes: {
//			start: {kind: "start", next: ["charge"]}
//			charge: {kind: "activity", operation: "payments.charge", next: ["end"]}
//			end: {kind: "end"}
//		}
//	}
//
// Nodes are declared in field order. Models are returned in field order.
func LoadCUE(path string) ([]*Model, error) {
	cfg := &load.Config{Dir: path}
	args := []string{"."}

	if info, err := os.Stat(path); err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("model source not found: %s", path)}
	} else if !info.IsDir() {
		cfg.Dir = filepath.Dir(path)
		args = []string{filepath.Base(path)}
	} else {
		files, _ := filepath.Glob(filepath.Join(path, "*.cue"))
		if len(files) == 0 {
			return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", path)}
		}
	}

	instances := load.Instances(args, cfg)
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}

	inst := instances[0]
	if inst.Err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}

	v := cuecontext.New().BuildInstance(inst)
	if err := v.Err(); err != nil {
		return nil, cueLoadError(ErrCodeBuildFailed, err)
	}

	return compileProcesses(v)
}

// CompileCUE compiles models from CUE source text.
func CompileCUE(filename, src string) ([]*Model, error) {
	v := cuecontext.New().CompileString(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, cueLoadError(ErrCodeBuildFailed, err)
	}
	return compileProcesses(v)
}

func compileProcesses(v cue.Value) ([]*Model, error) {
	procs := v.LookupPath(cue.ParsePath("process"))
	if !procs.Exists() {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: "no process definitions found", Pos: v.Pos()}
	}

	iter, err := procs.Fields()
	if err != nil {
		return nil, cueLoadError(ErrCodeGeneric, err)
	}

	var models []*Model
	for iter.Next() {
		m, err := compileProcess(iter.Label(), iter.Value())
		if err != nil {
			return nil, fmt.Errorf("process %s: %w", iter.Label(), err)
		}
		models = append(models, m)
	}
	return models, nil
}

func compileProcess(name string, v cue.Value) (*Model, error) {
	d := document{Name: name}

	if ver := v.LookupPath(cue.ParsePath("version")); ver.Exists() {
		n, err := ver.Int64()
		if err != nil {
			return nil, cueLoadError(ErrCodeGeneric, err)
		}
		d.Version = int(n)
	}

	nodes := v.LookupPath(cue.ParsePath("nodes"))
	if !nodes.Exists() {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: "nodes are required", Pos: v.Pos()}
	}

	iter, err := nodes.Fields()
	if err != nil {
		return nil, cueLoadError(ErrCodeGeneric, err)
	}

	for iter.Next() {
		var nd nodeDoc
		if err := iter.Value().Decode(&nd); err != nil {
			return nil, cueLoadError(ErrCodeGeneric, err)
		}
		nd.ID = iter.Label()
		d.Nodes = append(d.Nodes, nd)
	}

	return d.build()
}

// cueLoadError extracts position info from CUE errors.
func cueLoadError(code string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Code: code, Message: err.Error()}
	}

	first := errs[0]
	le := &LoadError{Code: code, Message: first.Error()}
	if pos := cueerrors.Positions(first); len(pos) > 0 {
		le.Pos = pos[0]
	}
	return le
}

// LoadYAML loads the models in a YAML file. Each document in the file defines
// one model:
//
//	name: order
//	version: 1
//	nodes:
//	  - {id: start, kind: start, next: [charge]}
//	  - {id: charge, kind: activity, operation: payments.charge, next: [end]}
//	  - {id: end, kind: end}
func LoadYAML(path string) ([]*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("model source not found: %s", path)}
	}
	defer f.Close()

	return DecodeYAML(f)
}

// DecodeYAML decodes models from a stream of YAML documents.
func DecodeYAML(r io.Reader) ([]*Model, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var models []*Model
	for {
		var d document
		err := dec.Decode(&d)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("parse YAML: %v", err)}
		}

		m, err := d.build()
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}

	if len(models) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: "no models found in YAML"}
	}
	return models, nil
}
