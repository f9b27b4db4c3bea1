package dispatch

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator generates dispatch IDs.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator is the default IDGenerator. Its IDs sort by creation time.
// It is safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new UUIDv7 in its canonical string form. It panics only
// if the system random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SequenceGenerator returns "<prefix>-1", "<prefix>-2" and so on. It makes
// dispatch IDs deterministic in tests and golden traces. The zero value is
// ready to use.
type SequenceGenerator struct {
	Prefix string
	n      atomic.Int64
}

// Generate returns the next ID in the sequence.
func (g *SequenceGenerator) Generate() string {
	return fmt.Sprintf("%s-%d", g.Prefix, g.n.Add(1))
}
