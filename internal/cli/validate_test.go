package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/procflow/internal/model"
)

func TestValidateValidModel(t *testing.T) {
	out, err := execute(t, "validate", filepath.Join("testdata", "models", "approval.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "✓ approval v1 (3 nodes)")
	assert.Contains(t, out, "✓ All models valid")
}

func TestValidateValidModelJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "validate", filepath.Join("testdata", "models", "approval.yaml"))
	require.NoError(t, err)

	var result ValidationResult
	decode(t, out, &result)
	assert.True(t, result.Valid)
	require.Len(t, result.Models, 1)
	assert.Equal(t, "approval", result.Models[0].Name)
	assert.Equal(t, []string{"start"}, result.Models[0].Starts)
	assert.Equal(t, []string{"end"}, result.Models[0].Ends)
}

func TestValidateIllegalModel(t *testing.T) {
	out, err := execute(t, "validate", filepath.Join("testdata", "models", "illegal.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Model")
	assert.Contains(t, out, "node review")
	assert.Contains(t, out, model.ErrMissingOperation)
}

func TestValidateIllegalModelJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "validate", filepath.Join("testdata", "models", "illegal.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var result ValidationResult
	decode(t, out, &result)
	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, model.ErrMissingOperation, result.Errors[0].Code)
	assert.Equal(t, "review", result.Errors[0].Node)
}

func TestValidateMissingFile(t *testing.T) {
	out, err := execute(t, "validate", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E")
}

func TestValidateMissingArgs(t *testing.T) {
	_, err := execute(t, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}
