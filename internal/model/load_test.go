package model

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCUE_Directory(t *testing.T) {
	models, err := LoadCUE("testdata/cue")
	require.NoError(t, err)
	require.Len(t, models, 2)

	order := models[0]
	assert.Equal(t, "order", order.Name())
	assert.Equal(t, 2, order.Version())

	names := []string{}
	for _, n := range order.Nodes() {
		names = append(names, n.ID)
	}
	assert.Equal(t, []string{"start", "fanout", "charge", "ship", "merge", "end"}, names)

	charge, ok := order.Node("charge")
	require.True(t, ok)
	assert.Equal(t, "payments.charge", charge.Operation)
	assert.Equal(t, map[string]string{"amount": "order.total"}, charge.Input)
	assert.Equal(t, []ResultExtractor{{Name: "receipt", Path: "id"}}, charge.Results)

	min, max := order.JoinThresholds("merge")
	assert.Equal(t, 1, min)
	assert.Equal(t, 2, max)

	assert.Equal(t, "noop", models[1].Name())
	assert.Equal(t, 1, models[1].Version())
}

func TestLoad_DispatchesOnPath(t *testing.T) {
	models, err := Load("testdata/cue")
	require.NoError(t, err)
	assert.Len(t, models, 2)

	models, err = Load("testdata/cue/order.cue")
	require.NoError(t, err)
	assert.Len(t, models, 2)

	models, err = Load("testdata/order.yaml")
	require.NoError(t, err)
	assert.Len(t, models, 2)
}

func TestLoad_MissingPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))

	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ErrCodeNotFound, le.Code)
}

func TestLoadCUE_EmptyDirectory(t *testing.T) {
	_, err := LoadCUE(t.TempDir())

	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ErrCodeNoFiles, le.Code)
}

func TestCompileCUE_ReportsPositions(t *testing.T) {
	_, err := CompileCUE("bad.cue", "process: x: {\n  nodes: [\n}\n")
	require.Error(t, err)

	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.True(t, le.Pos.IsValid())
	assert.Equal(t, "bad.cue", le.Pos.Filename())
}

func TestCompileCUE_IllegalModel(t *testing.T) {
	_, err := CompileCUE("m.cue", `
process: broken: nodes: {
	start: {kind: "start", next: ["a"]}
	a: {kind: "activity", next: ["end"]}
	end: {kind: "end"}
}
`)
	require.Error(t, err)
	assert.True(t, IsIllegalModel(err))
	assert.Contains(t, err.Error(), "process broken")
	assert.Contains(t, err.Error(), ErrMissingOperation)
}

func TestCompileCUE_NoProcesses(t *testing.T) {
	_, err := CompileCUE("empty.cue", `other: 1`)

	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ErrCodeGeneric, le.Code)
}

func TestLoadYAML(t *testing.T) {
	models, err := LoadYAML("testdata/order.yaml")
	require.NoError(t, err)
	require.Len(t, models, 2)

	order := models[0]
	assert.Equal(t, "order", order.Name())
	assert.Equal(t, []string{"charge", "ship"}, order.Predecessors("merge"))

	min, max := order.JoinThresholds("merge")
	assert.Equal(t, 2, min)
	assert.Equal(t, 2, max)
}

func TestDecodeYAML_RejectsUnknownFields(t *testing.T) {
	_, err := DecodeYAML(strings.NewReader(`
name: x
nodes:
  - {id: start, kind: start, nxt: [end]}
`))

	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ErrCodeLoadFailed, le.Code)
}

func TestDecodeYAML_UnknownKind(t *testing.T) {
	_, err := DecodeYAML(strings.NewReader(`
name: x
nodes:
  - {id: start, kind: gateway}
`))
	assert.Contains(t, codes(t, err), ErrInvalidKind)
}

func TestLoad_JSON(t *testing.T) {
	models, err := LoadYAML("testdata/order.yaml")
	require.NoError(t, err)

	data, err := models[0].MarshalJSON()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "order.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, models[0].Nodes(), loaded[0].Nodes())
}
