package cli

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRedispatchesTasksLeftInFlight(t *testing.T) {
	db := filepath.Join(t.TempDir(), "procflow.db")
	deployApproval(t, db)
	started := startApproval(t, db)
	require.Equal(t, "Sent", started.state("review"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out, err := executeContext(t, ctx, "run", "--db", db, "--sweep-interval", "50ms")
	require.NoError(t, err)
	assert.Contains(t, out, "Engine started")
	assert.Contains(t, out, "Press Ctrl-C to stop.")

	final := show(t, db, started.Instance.Handle)
	assert.Equal(t, "retired", final.Instance.Status)
	assert.Equal(t, "Complete", final.state("review"))
	assert.EqualValues(t, 250, final.Instance.Data["approved"])
	for _, n := range final.Nodes {
		if n.Node == "review" {
			assert.Equal(t, 2, n.Attempts)
		}
	}
}

func TestRunDeploysModelArguments(t *testing.T) {
	db := filepath.Join(t.TempDir(), "procflow.db")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := executeContext(t, ctx, "run", "--db", db, approvalModel)
	require.NoError(t, err)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()

	_, err = executeContext(t, ctx2, "run", "--db", db, approvalModel)
	require.NoError(t, err)

	out, err := execute(t, "--format", "json", "models", "--db", db)
	require.NoError(t, err)
	var models ModelsResult
	decode(t, out, &models)
	assert.Len(t, models.Models, 1)
}

func TestRunCancelOnShutdown(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "procflow.db")
	deployApproval(t, db)

	// Without redispatch the review task stays Sent, so the instance is
	// still active at shutdown.
	_, err := execute(t, "start", "--db", db, "approval")
	require.NoError(t, err)

	cfgPath := filepath.Join(dir, "procflow.yaml")
	writeFile(t, cfgPath, "engine:\n  cancel_on_shutdown: true\n  redispatch_on_recover: false\n")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = executeContext(t, ctx, "--config", cfgPath, "run", "--db", db)
	require.NoError(t, err)

	out, err := execute(t, "instances", "--db", db, "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")
}

func TestRunInvalidFlags(t *testing.T) {
	db := filepath.Join(t.TempDir(), "procflow.db")

	_, err := execute(t, "run", "--db", db, "--workers", "-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunIllegalModel(t *testing.T) {
	db := filepath.Join(t.TempDir(), "procflow.db")

	_, err := execute(t, "run", "--db", db, filepath.Join("testdata", "models", "illegal.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
