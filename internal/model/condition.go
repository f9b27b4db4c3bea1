package model

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/procflow/internal/value"
)

// EvalCondition evaluates a CUE boolean expression with the fields of data in
// scope. It fails if the expression refers to a missing field or does not
// evaluate to a concrete bool.
//
//	EvalCondition(`amount > 100 && region == "eu"`, data)
func EvalCondition(expr string, data value.Object) (bool, error) {
	ctx := cuecontext.New()

	scope := ctx.Encode(value.Plain(data))
	if err := scope.Err(); err != nil {
		return false, fmt.Errorf("encode process data: %w", err)
	}

	v := ctx.CompileString(expr, cue.Scope(scope), cue.Filename("condition"))
	if err := v.Err(); err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}

	b, err := v.Bool()
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	return b, nil
}
