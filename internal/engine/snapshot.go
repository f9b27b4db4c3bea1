package engine

import (
	"time"

	"github.com/roach88/procflow/internal/store"
	"github.com/roach88/procflow/internal/value"
)

// InstanceSnapshot is a point-in-time copy of a process instance.
type InstanceSnapshot struct {
	Handle      store.Handle            `json:"handle"`
	Model       store.Handle            `json:"model"`
	Principal   string                  `json:"principal"`
	Status      Status                  `json:"status"`
	Data        value.Object            `json:"data"`
	Threads     []store.Handle          `json:"threads"`
	EndArrivals []string                `json:"end_arrivals"`
	Joins       map[string]store.Handle `json:"joins,omitempty"`
	Created     time.Time               `json:"created"`
	Updated     time.Time               `json:"updated"`
}

// NodeSnapshot is a point-in-time copy of a node instance.
type NodeSnapshot struct {
	Handle       store.Handle   `json:"handle"`
	Process      store.Handle   `json:"process"`
	NodeID       string         `json:"node"`
	Predecessors []store.Handle `json:"predecessors,omitempty"`
	State        State          `json:"state"`
	Attempts     int            `json:"attempts"`
	Cause        string         `json:"cause,omitempty"`
	DispatchID   DispatchID     `json:"dispatch_id,omitempty"`
	RetryAt      *time.Time     `json:"retry_at,omitempty"`
	Values       value.Object   `json:"values,omitempty"`
	Join         *JoinState     `json:"join,omitempty"`
	Created      time.Time      `json:"created"`
	Updated      time.Time      `json:"updated"`
}
