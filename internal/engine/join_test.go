package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinState_CountsEachPredecessorOnce(t *testing.T) {
	j := &JoinState{Min: 2, Max: 2, Expected: 2}

	assert.True(t, j.arrive("a", true))
	assert.False(t, j.arrive("a", true))
	assert.False(t, j.arrive("a", false))

	assert.Equal(t, 1, j.Completed)
	assert.Equal(t, 0, j.Skipped)
	assert.Equal(t, []string{"b"}, j.outstanding([]string{"a", "b"}))
}

func TestJoinState_Ready(t *testing.T) {
	tests := []struct {
		name      string
		min, max  int
		expected  int
		completed int
		skipped   int
		active    bool
		want      bool
	}{
		{"and waits for all", 3, 3, 3, 2, 0, false, false},
		{"and fires when all complete", 3, 3, 3, 3, 0, false, true},
		{"all reported with skips", 3, 3, 3, 1, 2, true, true},
		{"all skipped", 1, 2, 2, 0, 2, false, true},
		{"max reached", 1, 2, 3, 2, 0, true, true},
		{"min reached, nothing pending", 1, 3, 3, 1, 0, false, true},
		{"min reached, predecessor pending", 1, 3, 3, 1, 0, true, false},
		{"below min", 2, 3, 3, 1, 1, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &JoinState{
				Min:       tt.min,
				Max:       tt.max,
				Expected:  tt.expected,
				Completed: tt.completed,
				Skipped:   tt.skipped,
			}
			assert.Equal(t, tt.want, j.ready(tt.active))
		})
	}
}

func TestJoinState_CloneIsIndependent(t *testing.T) {
	j := &JoinState{Min: 1, Max: 2, Expected: 2, Arrived: []string{"a"}, Completed: 1}
	c := j.clone()
	c.arrive("b", false)

	assert.Equal(t, []string{"a"}, j.Arrived)
	assert.Equal(t, 0, j.Skipped)
	assert.Nil(t, (*JoinState)(nil).clone())
}
