package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string. Leases use it so log lines for one
// dispatch can be correlated across the scheduler and the worker.
func NewID() string {
	return ulid.Make().String()
}
