// Package vault is the file storage the document layer reads and writes.
//
// Paths are slash-separated and relative to the vault root
// ("sketches/board.md"). Storage implementations report changes made by
// anything, including their own writes; callers compare the text they are
// given with what they last wrote to tell the two apart.
package vault

import (
	"context"
	"errors"
	"io/fs"
)

// ErrNotExist is returned by Read for missing files.
var ErrNotExist = fs.ErrNotExist

// ChangeFunc receives the new text of a changed file.
type ChangeFunc func(text string)

// Storage is the capability set of a vault.
type Storage interface {
	// Read returns the text of a file.
	Read(ctx context.Context, path string) (string, error)

	// Write replaces the text of a file, creating it if needed.
	Write(ctx context.Context, path, text string) error

	// OnExternalChange calls fn with the new text whenever path changes.
	// The returned function removes the subscription.
	OnExternalChange(path string, fn ChangeFunc) (unsubscribe func())
}

// IsNotExist reports whether err means the file is missing.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// subscriptions is a path -> callbacks table shared by implementations.
type subscriptions struct {
	next  int
	byKey map[string]map[int]ChangeFunc
}

func (s *subscriptions) add(path string, fn ChangeFunc) int {
	if s.byKey == nil {
		s.byKey = make(map[string]map[int]ChangeFunc)
	}
	s.next++
	if s.byKey[path] == nil {
		s.byKey[path] = make(map[int]ChangeFunc)
	}
	s.byKey[path][s.next] = fn
	return s.next
}

func (s *subscriptions) remove(path string, id int) {
	subs := s.byKey[path]
	delete(subs, id)
	if len(subs) == 0 {
		delete(s.byKey, path)
	}
}

func (s *subscriptions) get(path string) []ChangeFunc {
	subs := s.byKey[path]
	out := make([]ChangeFunc, 0, len(subs))
	for _, fn := range subs {
		out = append(out, fn)
	}
	return out
}

func (s *subscriptions) has(path string) bool {
	return len(s.byKey[path]) > 0
}
