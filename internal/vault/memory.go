package vault

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-memory Storage. Writes notify subscribers synchronously,
// the way a file watcher reports the storage's own writes.
type Memory struct {
	mu       sync.Mutex
	files    map[string]string
	subs     subscriptions
	writes   int
	failWith error
}

// NewMemory creates an empty in-memory vault.
func NewMemory() *Memory {
	return &Memory{files: make(map[string]string)}
}

// Read implements Storage.Read.
func (m *Memory) Read(_ context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.files[path]
	if !ok {
		return "", fmt.Errorf("failed to read %s: %w", path, ErrNotExist)
	}
	return text, nil
}

// Write implements Storage.Write.
func (m *Memory) Write(_ context.Context, path, text string) error {
	m.mu.Lock()
	if m.failWith != nil {
		err := m.failWith
		m.mu.Unlock()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	m.files[path] = text
	m.writes++
	subs := m.subs.get(path)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(text)
	}
	return nil
}

// OnExternalChange implements Storage.OnExternalChange.
func (m *Memory) OnExternalChange(path string, fn ChangeFunc) func() {
	m.mu.Lock()
	id := m.subs.add(path, fn)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.subs.remove(path, id)
	}
}

// Modify simulates an edit made outside the process.
func (m *Memory) Modify(path, text string) {
	m.mu.Lock()
	m.files[path] = text
	subs := m.subs.get(path)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(text)
	}
}

// FailWrites makes every following Write fail with err. nil restores writes.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Writes returns how many writes succeeded.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Subscribed reports whether anyone listens to path.
func (m *Memory) Subscribed(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs.has(path)
}

// Paths returns all file paths, sorted.
func (m *Memory) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
