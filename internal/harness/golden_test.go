package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_Scenarios(t *testing.T) {
	for _, name := range []string{
		"approval_retry",
		"order_and_join",
		"quote_first_wins",
	} {
		t.Run(name, func(t *testing.T) {
			s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
			require.NoError(t, err)

			r, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, r.Pass, "errors: %v", r.Errors)
		})
	}
}

func TestSnapshot_Deterministic(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/order_and_join.yaml")
	require.NoError(t, err)

	var snaps [][]byte
	for i := 0; i < 3; i++ {
		r, err := Run(t.Context(), s)
		require.NoError(t, err)
		data, err := Snapshot(s.Name, r)
		require.NoError(t, err)
		snaps = append(snaps, data)
	}

	assert.Equal(t, string(snaps[0]), string(snaps[1]))
	assert.Equal(t, string(snaps[0]), string(snaps[2]))
}
