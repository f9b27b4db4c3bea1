package cli

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var approvalModel = filepath.Join("testdata", "models", "approval.yaml")

// shown is the JSON shape of show and start output.
type shown struct {
	Instance struct {
		Handle int64          `json:"handle"`
		Status string         `json:"status"`
		Data   map[string]any `json:"data"`
	} `json:"instance"`
	Nodes []struct {
		Handle   int64  `json:"handle"`
		Node     string `json:"node"`
		State    string `json:"state"`
		Attempts int    `json:"attempts"`
	} `json:"nodes"`
}

func (s shown) node(t *testing.T, id string) int64 {
	t.Helper()
	for _, n := range s.Nodes {
		if n.Node == id {
			return n.Handle
		}
	}
	t.Fatalf("no instance of node %q", id)
	return 0
}

func (s shown) state(id string) string {
	for _, n := range s.Nodes {
		if n.Node == id {
			return n.State
		}
	}
	return ""
}

func deployApproval(t *testing.T, db string) {
	t.Helper()
	_, err := execute(t, "deploy", "--db", db, approvalModel)
	require.NoError(t, err)
}

func startApproval(t *testing.T, db string) shown {
	t.Helper()
	out, err := execute(t, "--format", "json", "start", "--db", db,
		"--principal", "alice", "--payload", `{"request":{"amount":250}}`, "approval")
	require.NoError(t, err)

	var s shown
	decode(t, out, &s)
	return s
}

func show(t *testing.T, db string, inst int64) shown {
	t.Helper()
	out, err := execute(t, "--format", "json", "show", "--db", db, fmt.Sprint(inst))
	require.NoError(t, err)

	var s shown
	decode(t, out, &s)
	return s
}

func TestDeploy(t *testing.T) {
	db := filepath.Join(t.TempDir(), "procflow.db")

	out, err := execute(t, "deploy", "--db", db, approvalModel)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ approval v1 -> model 1")

	out, err = execute(t, "deploy", "--db", db, approvalModel)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ approval v1 -> model 1 (already deployed)")

	out, err = execute(t, "models", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "approval v1 (3 nodes)")
}

func TestDeployIllegalModel(t *testing.T) {
	db := filepath.Join(t.TempDir(), "procflow.db")

	_, err := execute(t, "deploy", "--db", db, filepath.Join("testdata", "models", "illegal.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out, err := execute(t, "models", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "No models deployed.")
}

func TestProcessLifecycle(t *testing.T) {
	db := filepath.Join(t.TempDir(), "procflow.db")
	deployApproval(t, db)

	started := startApproval(t, db)
	assert.Equal(t, "active", started.Instance.Status)
	assert.Equal(t, "Sent", started.state("review"))
	review := started.node(t, "review")

	out, err := execute(t, "task", "update", "--db", db, fmt.Sprint(review), "taken")
	require.NoError(t, err)
	assert.Contains(t, out, "(review): Taken")

	out, err = execute(t, "task", "finish", "--db", db, "--payload", `{"amount":250}`, fmt.Sprint(review))
	require.NoError(t, err)
	assert.Contains(t, out, "(review): Complete")

	final := show(t, db, started.Instance.Handle)
	assert.Equal(t, "retired", final.Instance.Status)
	assert.Equal(t, "Complete", final.state("review"))
	assert.EqualValues(t, 250, final.Instance.Data["approved"])

	out, err = execute(t, "instances", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "No instances.")

	out, err = execute(t, "instances", "--db", db, "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "retired")
	assert.Contains(t, out, "alice")

	out, err = execute(t, "purge", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Purged 1 instance(s)")

	out, err = execute(t, "instances", "--db", db, "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "No instances.")
}

func TestStartByHandle(t *testing.T) {
	db := filepath.Join(t.TempDir(), "procflow.db")
	deployApproval(t, db)

	out, err := execute(t, "start", "--db", db, "1")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Started instance 1 of model 1")
	assert.Contains(t, out, "review")
}

func TestStartErrors(t *testing.T) {
	db := filepath.Join(t.TempDir(), "procflow.db")
	deployApproval(t, db)

	t.Run("unknown model name", func(t *testing.T) {
		out, err := execute(t, "start", "--db", db, "refund")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, out, CodeNotFound)
	})

	t.Run("unknown model handle", func(t *testing.T) {
		_, err := execute(t, "start", "--db", db, "7")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("payload is not an object", func(t *testing.T) {
		out, err := execute(t, "start", "--db", db, "--payload", `[1,2]`, "approval")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, out, CodeInvalidArgument)
	})
}

func TestTaskErrors(t *testing.T) {
	db := filepath.Join(t.TempDir(), "procflow.db")
	deployApproval(t, db)
	started := startApproval(t, db)
	review := fmt.Sprint(started.node(t, "review"))

	t.Run("backward transition", func(t *testing.T) {
		out, err := execute(t, "task", "update", "--db", db, review, "pending")
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, out, CodeIllegalState)
	})

	t.Run("unknown state", func(t *testing.T) {
		_, err := execute(t, "task", "update", "--db", db, review, "paused")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("unknown node", func(t *testing.T) {
		out, err := execute(t, "task", "tickle", "--db", db, "999")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, out, CodeNotFound)
	})

	t.Run("malformed handle", func(t *testing.T) {
		_, err := execute(t, "task", "finish", "--db", db, "review")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("fail", func(t *testing.T) {
		out, err := execute(t, "task", "fail", "--db", db, "--cause", "rejected upstream", review)
		require.NoError(t, err)
		assert.Contains(t, out, "(review): Failed")

		s := show(t, db, started.Instance.Handle)
		assert.Equal(t, "Failed", s.state("review"))
		assert.Equal(t, "active", s.Instance.Status)
	})
}

func TestCancelAll(t *testing.T) {
	db := filepath.Join(t.TempDir(), "procflow.db")
	deployApproval(t, db)
	first := startApproval(t, db)
	startApproval(t, db)

	out, err := execute(t, "cancel-all", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Cancelled 2 instance(s)")

	s := show(t, db, first.Instance.Handle)
	assert.Equal(t, "cancelled", s.Instance.Status)
	assert.Equal(t, "Cancelled", s.state("review"))

	out, err = execute(t, "--format", "json", "instances", "--db", db, "--all")
	require.NoError(t, err)
	var listed InstancesResult
	decode(t, out, &listed)
	assert.Len(t, listed.Instances, 2)
}

func TestCancel(t *testing.T) {
	db := filepath.Join(t.TempDir(), "procflow.db")
	deployApproval(t, db)
	first := startApproval(t, db)
	second := startApproval(t, db)
	inst := fmt.Sprint(first.Instance.Handle)

	_, err := execute(t, "task", "fail", "--db", db, fmt.Sprint(first.node(t, "review")))
	require.NoError(t, err)

	out, err := execute(t, "cancel", "--db", db, inst)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Instance "+inst+" cancelled")

	s := show(t, db, first.Instance.Handle)
	assert.Equal(t, "cancelled", s.Instance.Status)
	assert.Equal(t, "Failed", s.state("review"))
	assert.Equal(t, "active", show(t, db, second.Instance.Handle).Instance.Status)

	out, err = execute(t, "cancel", "--db", db, inst)
	require.NoError(t, err, "cancelling an ended instance does nothing")
	assert.Contains(t, out, "cancelled")

	t.Run("unknown instance", func(t *testing.T) {
		out, err := execute(t, "cancel", "--db", db, "999")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, out, CodeNotFound)
	})

	t.Run("malformed handle", func(t *testing.T) {
		_, err := execute(t, "cancel", "--db", db, "first")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}
