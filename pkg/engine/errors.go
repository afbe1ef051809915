package engine

import "errors"

// Error taxonomy for the order lifecycle. Callers match with errors.Is;
// every sentinel is wrapped with call-specific context.
//
// Validation, not-found, unauthorized, invalid-state and overflow errors
// abort the whole call with no state change. External query failures abort
// creation calls, but inside the tick they are recovered per-order by
// canceling that order (with refund where funds were escrowed).
var (
	// ErrValidation marks missing or inconsistent request fields.
	ErrValidation = errors.New("validation failed")

	// ErrOrderNotFound marks an unknown order id.
	ErrOrderNotFound = errors.New("order not found")

	// ErrReplyNotFound marks an unknown reply correlation id.
	ErrReplyNotFound = errors.New("reply info not found")

	// ErrPositionNotFound marks a margin position that no longer exists.
	ErrPositionNotFound = errors.New("margin position not found")

	// ErrUnauthorized marks a caller that does not own the order.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidState marks a cancel attempted on a non-Pending order.
	ErrInvalidState = errors.New("order is not pending")

	// ErrOverflow marks id-counter exhaustion. Fatal for the whole call.
	ErrOverflow = errors.New("id counter overflow")

	// ErrExternalQuery marks a failed collaborator query.
	ErrExternalQuery = errors.New("external query failed")
)
