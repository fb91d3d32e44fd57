// Package edserr holds the fixed error taxonomy shared by every
// subsystem: IO, CORRUPT, INVALID, CANCELLED, EXISTS, NOT_FOUND.
//
// Callers use errors.Is against the sentinels below; concrete errors
// returned by the packages wrap a sentinel with fmt.Errorf("...: %w").
package edserr

import "errors"

var (
	// IO marks an underlying OS read/write/flush failure.
	IO = errors.New("io error")
	// Corrupt marks a structural invariant violation (bad version,
	// impossible offsets, a cycle, a non-monotonic hash map, a key
	// block under/overflow).
	Corrupt = errors.New("corrupt structure")
	// Invalid marks an argument out of domain.
	Invalid = errors.New("invalid argument")
	// Cancelled marks that an operation observed cancellation.
	Cancelled = errors.New("operation cancelled")
	// Exists marks a duplicate insertion into a set that forbids them.
	Exists = errors.New("already exists")
	// NotFound marks a lookup or remove on a missing key/uid.
	NotFound = errors.New("not found")
)
