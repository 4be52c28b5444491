package store

import "errors"

var (
	// ErrDisposed is returned when mutating a store after Dispose.
	ErrDisposed = errors.New("store disposed")

	// ErrInvalidRecord is returned for records without a string id.
	ErrInvalidRecord = errors.New("invalid record")
)
