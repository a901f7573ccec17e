package types

import "errors"

// Error taxonomy. Every package-level error returned across
// an API boundary wraps one of these with fmt.Errorf("...: %w", ...) so
// callers can dispatch on errors.Is.
var (
	// ErrCorruptFile means a bad magic number, version, or checksum was
	// found while opening or reading a file. Fatal at open time.
	ErrCorruptFile = errors.New("corrupt file")

	// ErrShortIo means a read or write returned fewer bytes than
	// requested.
	ErrShortIo = errors.New("short io")

	// ErrCapacityExhausted means a page is full, the free list is at
	// capacity, or every buffer frame is pinned.
	ErrCapacityExhausted = errors.New("capacity exhausted")

	// ErrNotFound means a page, slot, or key was missing.
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyFailure means a lock timed out, an upgrade failed,
	// or a deadlock was reported.
	ErrConcurrencyFailure = errors.New("concurrency failure")
)
