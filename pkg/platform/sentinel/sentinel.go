package sentinel

import "errors"

// Sentinel errors for infrastructure facts. The store, ledgers and transport
// adapters return these (optionally wrapped) and services translate them into
// domain-errors codes at the command boundary.
//
//   - ErrNotFound: record does not exist in the store
//   - ErrConflict: optimistic version or uniqueness check failed on write
//   - ErrAlreadyUsed: a message id was already recorded by a dedupe ledger
//   - ErrUnavailable: backing service (redis, kafka, postgres) is unreachable
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrAlreadyUsed = errors.New("already used")
	ErrUnavailable = errors.New("unavailable")
)
