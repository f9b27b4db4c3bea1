package model

import (
	"errors"
	"fmt"
	"strings"

	"cuelang.org/go/cue/token"
)

// Validation error codes (E200-E299)
const (
	ErrEmptyName           = "E200" // model or node has no name
	ErrDuplicateNode       = "E201" // node ID declared twice
	ErrUnknownNode         = "E202" // edge references an undeclared node
	ErrAsymmetricEdge      = "E203" // edge declared on one end only
	ErrStartPredecessor    = "E204" // start node has predecessors
	ErrMissingPredecessor  = "E205" // non-start node has no predecessor
	ErrTooManyPredecessors = "E206" // only joins may merge
	ErrTooManySuccessors   = "E207" // only splits may fan out
	ErrEndSuccessor        = "E208" // end node has successors
	ErrMissingSuccessor    = "E209" // non-end node has no successor
	ErrCycle               = "E210" // graph is not acyclic
	ErrNoStart             = "E211" // no start node
	ErrNoEnd               = "E212" // no end node
	ErrInvalidThresholds   = "E213" // join thresholds out of range
	ErrMissingOperation    = "E214" // activity has no operation
	ErrInvalidCondition    = "E215" // condition does not parse
	ErrInvalidKind         = "E216" // unknown node kind
	ErrInvalidResult       = "E217" // result extractor without a name
	ErrMisplacedTaskField  = "E218" // task fields on a structural node
	ErrMisplacedThresholds = "E219" // thresholds on a non-join node
)

// Violation is a single reason a model is malformed.
type Violation struct {
	Code    string `json:"code"`
	Node    string `json:"node,omitempty"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Node != "" {
		return fmt.Sprintf("[%s] %s: %s", v.Code, v.Node, v.Message)
	}
	return fmt.Sprintf("[%s] %s", v.Code, v.Message)
}

// IllegalModelError is returned when a model graph is malformed.
type IllegalModelError struct {
	Model      string
	Violations []Violation
}

func (e *IllegalModelError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "illegal model %q", e.Model)
	for i, v := range e.Violations {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(v.String())
	}
	return b.String()
}

// IsIllegalModel reports whether err is, or wraps, an *IllegalModelError.
func IsIllegalModel(err error) bool {
	var e *IllegalModelError
	return errors.As(err, &e)
}

// LoadError is returned when a model source cannot be loaded.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Load error codes
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeNoFiles     = "E003" // No model files found
	ErrCodeLoadFailed  = "E004" // Source could not be read or parsed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
)
