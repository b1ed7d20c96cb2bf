package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so services can translate them into coded domain errors.
//
// These represent factual states about stored records, not validation
// failures:
//   - ErrNotFound: record does not exist in the store
//   - ErrConflict: optimistic concurrency token mismatch at commit
//   - ErrAlreadyUsed: unique key (CUSIP) already taken
//   - ErrInvalidState: record in wrong state for the requested operation
//   - ErrCorrupted: stored data violates a model invariant; signals a bug
//     upstream, never a normal error
//   - ErrUnavailable: backing store temporarily unreachable
//
// For validation errors (bad input, out-of-bounds rates), use
// pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrCorrupted    = errors.New("stored data corrupted")
	ErrUnavailable  = errors.New("unavailable")
)
