package status

import "errors"

// Request-path errors surfaced to callers.
var (
	ErrValidation          = errors.New("status: validation failed")
	ErrNotFound            = errors.New("status: resource not found")
	ErrTokenExpired        = errors.New("status: queue token expired")
	ErrCapacityUnavailable = errors.New("status: waiting room is full")
	ErrConflict            = errors.New("status: resource conflict")
	ErrAmountMismatch      = errors.New("status: payment amount mismatch")
	ErrInsufficientBalance = errors.New("status: insufficient point balance")
	ErrChargeLimitExceeded = errors.New("status: charge limit exceeded")
	ErrOverloaded          = errors.New("status: overloaded, try again later")
)

// Internal classification signals. These never reach a caller directly:
// duplicates resolve into an idempotent replay, transients are retried and
// only surface as ErrOverloaded after exhaustion.
var (
	ErrDuplicateKey    = errors.New("status: duplicate key")
	ErrLockNotAcquired = errors.New("status: lock not acquired")
	ErrLockWaitTimeout = errors.New("status: lock wait timed out")
	ErrVersionConflict = errors.New("status: version conflict")
	ErrTxDeadlock      = errors.New("status: transaction deadlock")
)

// IsDuplicate reports whether err is a unique-constraint collision that the
// caller should try to resolve as an idempotent replay.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

// IsTransient reports whether err is a concurrency failure worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLockNotAcquired) ||
		errors.Is(err, ErrLockWaitTimeout) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrTxDeadlock)
}
