package stores

import "errors"

var (
	// ErrDuplicateInstance is returned when an instance id is registered twice.
	ErrDuplicateInstance = errors.New("instance already registered")

	// ErrSharedIDConflict is returned when re-keying a group would overwrite
	// another live group.
	ErrSharedIDConflict = errors.New("shared id already in use")

	// ErrGroupDisposed is returned when operating on a group whose last
	// instance has left.
	ErrGroupDisposed = errors.New("store group disposed")

	// ErrNoStore is returned when StoreProps resolve to nothing.
	ErrNoStore = errors.New("no store")
)
