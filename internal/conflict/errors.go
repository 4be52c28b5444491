package conflict

import "errors"

// Sentinel errors for conflict resolution.
var (
	// ErrResolveCanceled means the user declined to choose. Asking again
	// is valid.
	ErrResolveCanceled = errors.New("conflict resolution canceled")

	// ErrViewUnloaded means the view went away before a choice was made.
	// The registration attempt is over.
	ErrViewUnloaded = errors.New("view unloaded before conflict was resolved")
)

// IsRetryable reports whether resolution can be attempted again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrResolveCanceled)
}

// IsTerminal reports whether the registration should be abandoned.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrViewUnloaded)
}
