package documents

import (
	"errors"

	"github.com/drawvault/drawsync/internal/conflict"
)

var (
	// ErrNotOpen is returned for files with no registered view.
	ErrNotOpen = errors.New("document not open")

	// ErrResolveCanceled is returned by Register when the user declined to
	// pick a version of a conflicting document. Registering again asks again.
	ErrResolveCanceled = conflict.ErrResolveCanceled

	// ErrViewUnloaded is returned by Register when the view went away while
	// the document was being opened.
	ErrViewUnloaded = conflict.ErrViewUnloaded
)

// IsRetryable reports whether a failed Register may be attempted again.
func IsRetryable(err error) bool {
	return conflict.IsRetryable(err)
}

// IsTerminal reports whether a failed Register should not be retried.
func IsTerminal(err error) bool {
	return conflict.IsTerminal(err)
}
