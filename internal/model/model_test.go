package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/procflow/internal/store"
)

// diamond returns start -> split -> {a, b} -> join -> end.
func diamond(min, max int) []Node {
	return Connect([]Node{
		{ID: "start", Kind: Start, Successors: []string{"split"}},
		{ID: "split", Kind: Split, Successors: []string{"a", "b"}},
		{ID: "a", Kind: Activity, Operation: "op.a", Successors: []string{"join"}},
		{ID: "b", Kind: Activity, Operation: "op.b", Successors: []string{"join"}},
		{ID: "join", Kind: Join, Min: min, Max: max, Successors: []string{"end"}},
		{ID: "end", Kind: End},
	})
}

func codes(t *testing.T, err error) []string {
	t.Helper()

	var ime *IllegalModelError
	require.ErrorAs(t, err, &ime)

	var out []string
	for _, v := range ime.Violations {
		out = append(out, v.Code)
	}
	return out
}

func TestNew_BuildsValidModel(t *testing.T) {
	m, err := New("diamond", 1, diamond(0, 0))
	require.NoError(t, err)

	assert.Equal(t, store.NoHandle, m.Handle())
	assert.Equal(t, "diamond@v1", m.String())
	assert.Equal(t, []string{"start"}, m.StartNodes())
	assert.Equal(t, []string{"end"}, m.EndNodes())
	assert.Equal(t, 1, m.EndNodeCount())
	assert.Equal(t, []string{"a", "b"}, m.Predecessors("join"))
	assert.Equal(t, Activity, m.Kind("a"))

	min, max := m.JoinThresholds("join")
	assert.Equal(t, 2, min)
	assert.Equal(t, 2, max)
}

func TestNew_JoinThresholdDefaults(t *testing.T) {
	m, err := New("or", 1, diamond(1, 0))
	require.NoError(t, err)

	min, max := m.JoinThresholds("join")
	assert.Equal(t, 1, min)
	assert.Equal(t, 2, max)

	m, err = New("one", 1, diamond(0, 1))
	require.NoError(t, err)

	min, max = m.JoinThresholds("join")
	assert.Equal(t, 1, min)
	assert.Equal(t, 1, max)
}

func TestNew_RejectsInvalidThresholds(t *testing.T) {
	_, err := New("bad", 1, diamond(2, 1))
	assert.Contains(t, codes(t, err), ErrInvalidThresholds)

	_, err = New("bad", 1, diamond(0, 3))
	assert.Contains(t, codes(t, err), ErrInvalidThresholds)

	_, err = New("bad", 1, diamond(-1, 0))
	assert.Contains(t, codes(t, err), ErrInvalidThresholds)
}

func TestNew_RejectsCardinalityViolations(t *testing.T) {
	tests := []struct {
		name  string
		nodes []Node
		want  string
	}{
		{
			name: "activity with two successors",
			nodes: Connect([]Node{
				{ID: "s", Kind: Start, Successors: []string{"a"}},
				{ID: "a", Kind: Activity, Operation: "x", Successors: []string{"e1", "e2"}},
				{ID: "e1", Kind: End},
				{ID: "e2", Kind: End},
			}),
			want: ErrTooManySuccessors,
		},
		{
			name: "activity with two predecessors",
			nodes: Connect([]Node{
				{ID: "s", Kind: Start, Successors: []string{"sp"}},
				{ID: "sp", Kind: Split, Successors: []string{"a", "b"}},
				{ID: "a", Kind: Activity, Operation: "x", Successors: []string{"c"}},
				{ID: "b", Kind: Activity, Operation: "x", Successors: []string{"c"}},
				{ID: "c", Kind: Activity, Operation: "x", Successors: []string{"e"}},
				{ID: "e", Kind: End},
			}),
			want: ErrTooManyPredecessors,
		},
		{
			name: "end with successor",
			nodes: Connect([]Node{
				{ID: "s", Kind: Start, Successors: []string{"e"}},
				{ID: "e", Kind: End, Successors: []string{"e2"}},
				{ID: "e2", Kind: End},
			}),
			want: ErrEndSuccessor,
		},
		{
			name: "dangling activity",
			nodes: Connect([]Node{
				{ID: "s", Kind: Start, Successors: []string{"sp"}},
				{ID: "sp", Kind: Split, Successors: []string{"a", "e"}},
				{ID: "a", Kind: Activity, Operation: "x"},
				{ID: "e", Kind: End},
			}),
			want: ErrMissingSuccessor,
		},
		{
			name: "orphan node",
			nodes: Connect([]Node{
				{ID: "s", Kind: Start, Successors: []string{"e"}},
				{ID: "x", Kind: Activity, Operation: "x", Successors: []string{"e2"}},
				{ID: "e", Kind: End},
				{ID: "e2", Kind: End},
			}),
			want: ErrMissingPredecessor,
		},
		{
			name: "no start",
			nodes: Connect([]Node{
				{ID: "e", Kind: End},
			}),
			want: ErrNoStart,
		},
		{
			name: "unknown successor",
			nodes: []Node{
				{ID: "s", Kind: Start, Successors: []string{"ghost"}},
				{ID: "e", Kind: End},
			},
			want: ErrUnknownNode,
		},
		{
			name: "asymmetric edge",
			nodes: []Node{
				{ID: "s", Kind: Start, Successors: []string{"e"}},
				{ID: "e", Kind: End},
			},
			want: ErrAsymmetricEdge,
		},
		{
			name: "duplicate node",
			nodes: Connect([]Node{
				{ID: "s", Kind: Start, Successors: []string{"e"}},
				{ID: "s", Kind: Start, Successors: []string{"e"}},
				{ID: "e", Kind: End},
			}),
			want: ErrDuplicateNode,
		},
		{
			name: "activity without operation",
			nodes: Connect([]Node{
				{ID: "s", Kind: Start, Successors: []string{"a"}},
				{ID: "a", Kind: Activity, Successors: []string{"e"}},
				{ID: "e", Kind: End},
			}),
			want: ErrMissingOperation,
		},
		{
			name: "unparseable condition",
			nodes: Connect([]Node{
				{ID: "s", Kind: Start, Successors: []string{"a"}},
				{ID: "a", Kind: Activity, Operation: "x", Condition: "a >", Successors: []string{"e"}},
				{ID: "e", Kind: End},
			}),
			want: ErrInvalidCondition,
		},
		{
			name: "thresholds on split",
			nodes: Connect([]Node{
				{ID: "s", Kind: Start, Successors: []string{"sp"}},
				{ID: "sp", Kind: Split, Min: 1, Successors: []string{"e"}},
				{ID: "e", Kind: End},
			}),
			want: ErrMisplacedThresholds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("bad", 1, tt.nodes)
			require.Error(t, err)
			assert.True(t, IsIllegalModel(err))
			assert.Contains(t, codes(t, err), tt.want)
		})
	}
}

func TestNew_RejectsCycles(t *testing.T) {
	nodes := Connect([]Node{
		{ID: "start", Kind: Start, Successors: []string{"join"}},
		{ID: "join", Kind: Join, Min: 1, Successors: []string{"a"}},
		{ID: "a", Kind: Activity, Operation: "x", Successors: []string{"split"}},
		{ID: "split", Kind: Split, Successors: []string{"b", "end"}},
		{ID: "b", Kind: Activity, Operation: "x", Successors: []string{"join"}},
		{ID: "end", Kind: End},
	})

	_, err := New("loop", 1, nodes)
	assert.Equal(t, []string{ErrCycle}, codes(t, err))
	assert.Contains(t, err.Error(), "[a b join split]")
}

func TestModel_Reaches(t *testing.T) {
	m, err := New("diamond", 1, diamond(0, 0))
	require.NoError(t, err)

	assert.True(t, m.Reaches("start", "end"))
	assert.True(t, m.Reaches("a", "join"))
	assert.True(t, m.Reaches("split", "b"))
	assert.False(t, m.Reaches("a", "b"))
	assert.False(t, m.Reaches("join", "a"))
	assert.False(t, m.Reaches("a", "a"))
}

func TestModel_Funnels(t *testing.T) {
	m, err := New("escape", 1, Connect([]Node{
		{ID: "start", Kind: Start, Successors: []string{"split"}},
		{ID: "split", Kind: Split, Successors: []string{"a", "b"}},
		{ID: "a", Kind: Activity, Operation: "x", Successors: []string{"fork"}},
		{ID: "fork", Kind: Split, Successors: []string{"join", "side"}},
		{ID: "side", Kind: End},
		{ID: "b", Kind: Activity, Operation: "x", Successors: []string{"join"}},
		{ID: "join", Kind: Join, Min: 1, Successors: []string{"end"}},
		{ID: "end", Kind: End},
	}))
	require.NoError(t, err)

	assert.True(t, m.Funnels("b", "join"))
	assert.True(t, m.Funnels("join", "join"))
	assert.False(t, m.Funnels("a", "join"), "a can reach the side end node")
	assert.False(t, m.Funnels("split", "join"))
	assert.False(t, m.Funnels("end", "join"))
}

func TestModel_AccessorsReturnCopies(t *testing.T) {
	m, err := New("diamond", 1, diamond(0, 0))
	require.NoError(t, err)

	n, ok := m.Node("split")
	require.True(t, ok)
	n.Successors[0] = "mutated"

	again, _ := m.Node("split")
	assert.Equal(t, []string{"a", "b"}, again.Successors)

	nodes := m.Nodes()
	nodes[0].ID = "mutated"
	assert.Equal(t, []string{"start"}, m.StartNodes())
}

func TestModel_Revise(t *testing.T) {
	m, err := New("diamond", 3, diamond(0, 0))
	require.NoError(t, err)
	m.SetHandle(7)

	next, err := m.Revise(diamond(1, 0))
	require.NoError(t, err)

	assert.Equal(t, 4, next.Version())
	assert.Equal(t, "diamond", next.Name())
	assert.Equal(t, store.NoHandle, next.Handle())
	assert.Equal(t, store.Handle(7), m.Handle())
}

func TestModel_JSONEncoding(t *testing.T) {
	nodes := diamond(1, 0)
	nodes[2].Input = map[string]string{"amount": "order.total"}
	nodes[2].Results = []ResultExtractor{{Name: "receipt", Path: "id"}}
	nodes[3].Condition = "order.total > 0"

	m, err := New("diamond", 2, nodes)
	require.NoError(t, err)

	data, err := json.Marshal(m)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, m.Name(), got.Name())
	assert.Equal(t, m.Version(), got.Version())
	assert.Equal(t, m.Nodes(), got.Nodes())
}

func TestUnmarshal_RejectsUnknownFields(t *testing.T) {
	_, err := Unmarshal([]byte(`{"name":"x","nodes":[],"extra":1}`))
	assert.Error(t, err)
}

func TestParseNodeKind(t *testing.T) {
	k, err := ParseNodeKind("Join")
	require.NoError(t, err)
	assert.Equal(t, Join, k)
	assert.Equal(t, "join", k.String())
	assert.True(t, k.Structural())
	assert.False(t, Activity.Structural())

	_, err = ParseNodeKind("gateway")
	assert.Error(t, err)
}
