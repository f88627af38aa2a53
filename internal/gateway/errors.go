package gateway

import "errors"

var (
	// ErrUnavailable marks transient transport failures: the intent
	// stays queued and is retried on the next drain trigger.
	ErrUnavailable = errors.New("gateway unavailable")

	// ErrRejected marks remote validation or conflict failures that
	// retrying cannot fix on its own.
	ErrRejected = errors.New("gateway rejected request")

	// ErrNotFound marks a missing remote document.
	ErrNotFound = errors.New("remote document not found")
)

// IsTransient reports whether the failure is worth retrying later with
// the same payload.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
