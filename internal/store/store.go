package store

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Listener receives change entries from a store.
type Listener func(entry ChangeEntry)

// ListenOptions filters which changes a listener receives.
// Zero values mean "all".
type ListenOptions struct {
	Scope  Scope
	Source Source
}

func (o ListenOptions) matches(src Source) bool {
	return o.Source == "" || o.Source == SourceAll || o.Source == src
}

// Store is the capability set the sync layer depends on.
type Store interface {
	// Snapshot returns a deep copy of the current contents.
	Snapshot() Snapshot

	// LoadSnapshot replaces the whole contents with the snapshot.
	// Listeners see the resulting diff with SourceRemote.
	LoadSnapshot(snap Snapshot) error

	// Listen registers a listener and returns a function that removes it.
	Listen(fn Listener, opts ListenOptions) (unlisten func())

	// ApplyDiff applies the diff and notifies listeners with the given source.
	ApplyDiff(diff Diff, source Source) error

	// Dispose releases listeners. Mutations after Dispose fail with ErrDisposed.
	Dispose()

	// Disposed reports whether Dispose was called.
	Disposed() bool
}

type listener struct {
	fn      Listener
	opts    ListenOptions
	removed atomic.Bool
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu        sync.Mutex
	records   map[string]Record
	schema    map[string]any
	listeners []*listener
	disposed  bool
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]Record)}
}

// NewMemStoreFromSnapshot creates a store seeded with a copy of snap.
func NewMemStoreFromSnapshot(snap Snapshot) (*MemStore, error) {
	norm, err := snap.Normalize()
	if err != nil {
		return nil, err
	}
	return &MemStore{records: norm.Store, schema: norm.Schema}, nil
}

// Snapshot implements Store.Snapshot.
func (s *MemStore) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Store: s.records, Schema: s.schema}.Clone()
}

// Get returns a copy of a record.
func (s *MemStore) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Records returns copies of all records, sorted by id.
func (s *MemStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of records.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Put adds or replaces records as a user edit.
func (s *MemStore) Put(records ...Record) error {
	d := Diff{Added: make(map[string]Record, len(records))}
	for _, r := range records {
		d.Added[r.ID()] = r
	}
	return s.ApplyDiff(d, SourceUser)
}

// Remove deletes records by id as a user edit. Unknown ids are ignored.
func (s *MemStore) Remove(ids ...string) error {
	s.mu.Lock()
	d := Diff{Removed: make(map[string]Record, len(ids))}
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			d.Removed[id] = r
		}
	}
	s.mu.Unlock()
	return s.ApplyDiff(d, SourceUser)
}

// ApplyDiff implements Store.ApplyDiff.
//
// Added and updated records are written whether or not they already exist;
// the emitted entry holds only the effective changes, so re-applying a diff
// that is already reflected emits nothing.
func (s *MemStore) ApplyDiff(diff Diff, source Source) error {
	puts := make([]Record, 0, len(diff.Added)+len(diff.Updated))
	for _, r := range diff.Added {
		n, err := NormalizeRecord(r)
		if err != nil {
			return err
		}
		puts = append(puts, n)
	}
	for id, u := range diff.Updated {
		n, err := NormalizeRecord(u.To)
		if err != nil {
			return err
		}
		if n.ID() != id {
			return fmt.Errorf("%w: update keyed %q has id %q", ErrInvalidRecord, id, n.ID())
		}
		puts = append(puts, n)
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}

	var effective Diff
	for _, next := range puts {
		id := next.ID()
		prev, ok := s.records[id]
		switch {
		case !ok:
			if effective.Added == nil {
				effective.Added = make(map[string]Record)
			}
			effective.Added[id] = next.Clone()
		case !prev.Equal(next):
			if effective.Updated == nil {
				effective.Updated = make(map[string]Update)
			}
			effective.Updated[id] = Update{From: prev, To: next.Clone()}
		default:
			continue
		}
		s.records[id] = next
	}
	for id := range diff.Removed {
		prev, ok := s.records[id]
		if !ok {
			continue
		}
		if effective.Removed == nil {
			effective.Removed = make(map[string]Record)
		}
		effective.Removed[id] = prev
		delete(s.records, id)
	}
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	s.emit(listeners, ChangeEntry{Changes: effective, Source: source})
	return nil
}

// LoadSnapshot implements Store.LoadSnapshot.
func (s *MemStore) LoadSnapshot(snap Snapshot) error {
	norm, err := snap.Normalize()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	diff := DiffRecords(s.records, norm.Store)
	s.records = norm.Store
	s.schema = norm.Schema
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	s.emit(listeners, ChangeEntry{Changes: diff.Clone(), Source: SourceRemote})
	return nil
}

// Listen implements Store.Listen.
func (s *MemStore) Listen(fn Listener, opts ListenOptions) func() {
	l := &listener{fn: fn, opts: opts}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return func() {}
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	return func() {
		// Mark first so an emit already holding this listener skips it.
		l.removed.Store(true)

		s.mu.Lock()
		defer s.mu.Unlock()
		for i, other := range s.listeners {
			if other == l {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// Dispose implements Store.Dispose.
func (s *MemStore) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		l.removed.Store(true)
	}
	s.listeners = nil
	s.disposed = true
}

// Disposed implements Store.Disposed.
func (s *MemStore) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// snapshotListeners must be called with s.mu held.
func (s *MemStore) snapshotListeners() []*listener {
	out := make([]*listener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

func (s *MemStore) emit(listeners []*listener, entry ChangeEntry) {
	if entry.Changes.IsEmpty() {
		return
	}
	for _, l := range listeners {
		if l.removed.Load() || !l.opts.matches(entry.Source) {
			continue
		}
		changes := entry.Changes.Filter(l.opts.Scope)
		if changes.IsEmpty() {
			continue
		}
		l.fn(ChangeEntry{Changes: changes, Source: entry.Source})
	}
}
