package apperr

import "errors"

// Sentinel errors for the engine. Callers match with errors.Is; wrapping with
// fmt.Errorf("%w: detail", ...) keeps the class while adding context.
var (
	// ErrValidation means the request itself is bad; never retried.
	ErrValidation = errors.New("validation error")

	// ErrConflict means the same transaction id was submitted with a
	// different payload.
	ErrConflict = errors.New("conflict")

	// ErrConcurrentModification means an optimistic version check failed;
	// the caller must re-read and retry.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrInvalidState means the requested transition is not allowed from
	// the record's current status.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrTransientStorage marks storage failures worth retrying with backoff.
	ErrTransientStorage = errors.New("transient storage error")

	// ErrSchema marks undecodable or unknown-version envelopes; permanent,
	// dead-lettered, never retried.
	ErrSchema = errors.New("schema error")

	// ErrInsufficientFunds is a business rejection, not an exception: the
	// transaction ends up failed, the caller gets a clean refusal.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotFound means the referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRetriesExhausted is stamped on a transaction whose transient
	// failures outlived the retry budget.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Transient reports whether err should be absorbed by the retry policy.
// Conflicts count: the losing writer re-reads and tries again.
func Transient(err error) bool {
	return errors.Is(err, ErrTransientStorage) || errors.Is(err, ErrConcurrentModification)
}

// Permanent reports whether err must skip retry and go straight to the
// dead-letter destination.
func Permanent(err error) bool {
	return errors.Is(err, ErrSchema) || errors.Is(err, ErrValidation)
}
