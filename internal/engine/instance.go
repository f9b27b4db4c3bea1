package engine

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/roach88/procflow/internal/store"
	"github.com/roach88/procflow/internal/value"
)

// Status is the lifecycle status of a process instance.
type Status int

const (
	StatusActive Status = iota
	StatusRetired
	StatusCancelled
)

var statusNames = [...]string{
	StatusActive:    "active",
	StatusRetired:   "retired",
	StatusCancelled: "cancelled",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText encodes the status as its name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	for i, n := range statusNames {
		if strings.EqualFold(n, string(text)) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown instance status %q", text)
}

// ProcessInstance is one execution of a process model.
type ProcessInstance struct {
	Handle    store.Handle
	Model     store.Handle
	Principal string

	// Data is the start payload merged with every value produced since.
	Data value.Object

	// Threads are the handles of the node instances that have not finished,
	// in creation order.
	Threads []store.Handle

	// EndArrivals holds the distinct end node IDs reached so far.
	EndArrivals []string

	// Joins maps join node IDs to the join node instance awaiting arrivals.
	Joins map[string]store.Handle

	// ClosedJoins holds the join node IDs that have fired or been withdrawn.
	// Arrivals at a closed join are ignored.
	ClosedJoins []string

	Status  Status
	Created time.Time
	Updated time.Time
}

func (p *ProcessInstance) active() bool {
	return p.Status == StatusActive
}

func (p *ProcessInstance) hasThread(h store.Handle) bool {
	return slices.Contains(p.Threads, h)
}

func (p *ProcessInstance) addThread(h store.Handle) {
	if !p.hasThread(h) {
		p.Threads = append(p.Threads, h)
	}
}

func (p *ProcessInstance) removeThread(h store.Handle) {
	p.Threads = slices.DeleteFunc(p.Threads, func(t store.Handle) bool {
		return t == h
	})
}

func (p *ProcessInstance) closeJoin(id string) {
	delete(p.Joins, id)
	if !slices.Contains(p.ClosedJoins, id) {
		p.ClosedJoins = append(p.ClosedJoins, id)
	}
}

// arriveEnd records an arrival at an end node. Repeated arrivals at the same
// end node are counted once.
func (p *ProcessInstance) arriveEnd(id string) {
	if !slices.Contains(p.EndArrivals, id) {
		p.EndArrivals = append(p.EndArrivals, id)
	}
}

func (p *ProcessInstance) snapshot() InstanceSnapshot {
	return InstanceSnapshot{
		Handle:      p.Handle,
		Model:       p.Model,
		Principal:   p.Principal,
		Status:      p.Status,
		Data:        p.Data.Clone(),
		Threads:     slices.Clone(p.Threads),
		EndArrivals: slices.Clone(p.EndArrivals),
		Joins:       maps.Clone(p.Joins),
		Created:     p.Created,
		Updated:     p.Updated,
	}
}
