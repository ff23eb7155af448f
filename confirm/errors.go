package confirm

import "errors"

var (
	// ErrNotFound covers unknown and already-evicted tokens. Owner mismatches
	// are reported as ErrNotFound as well so a caller cannot probe whether a
	// token exists for somebody else.
	ErrNotFound = errors.New("confirmation not found")

	// ErrAlreadyConsumed means the token was already exercised once.
	ErrAlreadyConsumed = errors.New("confirmation already consumed")

	// ErrExpired means the record's confirm or consume deadline elapsed.
	ErrExpired = errors.New("confirmation expired")

	// ErrLedgerUnavailable marks transient ledger failures (timeouts,
	// connection loss). Callers may retry.
	ErrLedgerUnavailable = errors.New("confirmation ledger unavailable")
)
