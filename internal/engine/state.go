package engine

import (
	"fmt"
	"slices"
	"strings"
)

// State is the lifecycle state of a node instance.
type State int

const (
	Pending State = iota
	Sent
	Taken
	Started
	FailRetry
	Complete
	Cancelled
	Failed
)

var stateNames = [...]string{
	Pending:   "Pending",
	Sent:      "Sent",
	Taken:     "Taken",
	Started:   "Started",
	FailRetry: "FailRetry",
	Complete:  "Complete",
	Cancelled: "Cancelled",
	Failed:    "Failed",
}

// transitions lists, for each state, the states it may move to. Moving from
// FailRetry back to Sent is the retry edge; it is only accepted because it
// increments the attempt counter.
var transitions = map[State][]State{
	Pending:   {Pending, Sent, Taken, Started, Complete, Cancelled, Failed, FailRetry},
	Sent:      {Sent, Taken, Started, Complete, Cancelled, Failed, FailRetry},
	Taken:     {Taken, Started, Complete, Cancelled, Failed, FailRetry},
	Started:   {Started, Complete, Cancelled, Failed, FailRetry},
	FailRetry: {FailRetry, Sent, Cancelled, Failed},
	Complete:  nil,
	Cancelled: nil,
	Failed:    nil,
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState parses a state name, ignoring case.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(s), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	v, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Rank is the position of the state in the lifecycle order. Every accepted
// transition is non-decreasing in (attempts, rank).
func (s State) Rank() int {
	return int(s)
}

// Terminal reports whether no transition out of s is possible.
func (s State) Terminal() bool {
	return s == Complete || s == Cancelled || s == Failed
}

// Retryable reports whether Tickle re-dispatches a node in state s.
func (s State) Retryable() bool {
	return s == Pending || s == FailRetry
}

// InFlight reports whether a task has been dispatched and not yet finished.
func (s State) InFlight() bool {
	return s == Sent || s == Taken || s == Started
}

// CanTransitionTo reports whether the table permits moving from s to to.
func (s State) CanTransitionTo(to State) bool {
	return slices.Contains(transitions[s], to)
}

// States returns every state in rank order.
func States() []State {
	return []State{Pending, Sent, Taken, Started, FailRetry, Complete, Cancelled, Failed}
}
