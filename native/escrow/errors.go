package escrow

import "errors"

// Error kinds surfaced by the engine. Callers branch on these with errors.Is;
// message text is informational only. Ledger transfer failures are propagated
// unchanged and are deliberately absent here.
var (
	// ErrValidation marks malformed constructor arguments.
	ErrValidation = errors.New("escrow: invalid argument")
	// ErrNotFound marks operations against an unknown engagement id.
	ErrNotFound = errors.New("escrow: engagement not found")
	// ErrInvalidState marks operations illegal for the engagement's current
	// status.
	ErrInvalidState = errors.New("escrow: operation not allowed in current status")
	// ErrDeadline marks operations illegal for the current time relative to
	// the engagement deadline.
	ErrDeadline = errors.New("escrow: deadline constraint violated")
	// ErrUnauthorized marks callers that are not the required principal.
	// Authorization gate implementations wrap this sentinel.
	ErrUnauthorized = errors.New("escrow: caller not authorized")
)
