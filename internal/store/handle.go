package store

import (
	"fmt"
	"strconv"
)

// Handle is the opaque identity of a persisted entity.
//
// Handles are assigned by the backend on first insert, are scoped to a single
// table, increase monotonically and are never reused while an entity is live.
type Handle int64

// NoHandle marks an entity that has not been persisted yet.
const NoHandle Handle = -1

// Valid reports whether h refers to a persisted entity.
func (h Handle) Valid() bool {
	return h > 0
}

func (h Handle) String() string {
	return strconv.FormatInt(int64(h), 10)
}

// ParseHandle parses the decimal form produced by Handle.String.
func ParseHandle(s string) (Handle, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return NoHandle, fmt.Errorf("invalid handle %q: %w", s, err)
	}
	if n <= 0 {
		return NoHandle, fmt.Errorf("invalid handle %q: must be positive", s)
	}
	return Handle(n), nil
}
