package documents

import "time"

// EventKind names a document lifecycle event.
type EventKind string

const (
	EventOpened           EventKind = "opened"
	EventClosed           EventKind = "closed"
	EventPersisted        EventKind = "persisted"
	EventPersistFailed    EventKind = "persist_failed"
	EventReloaded         EventKind = "reloaded"
	EventConflictResolved EventKind = "conflict_resolved"
	EventRenamed          EventKind = "renamed"
)

// Event reports something that happened to an open document.
type Event struct {
	Kind   EventKind `json:"kind"`
	Path   string    `json:"path"`
	Time   time.Time `json:"time"`
	Detail string    `json:"detail,omitempty"`
}

// Subscribe registers fn for every event and returns a function removing it.
//
// fn may be called while store locks are held. It must return quickly and
// must not call back into the Manager.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.nextObs++
	id := m.nextObs
	m.observers[id] = fn
	return func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		delete(m.observers, id)
	}
}

func (m *Manager) emit(kind EventKind, path, detail string) {
	m.obsMu.Lock()
	fns := make([]func(Event), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.obsMu.Unlock()

	ev := Event{Kind: kind, Path: path, Time: m.config.Clock.Now(), Detail: detail}
	for _, fn := range fns {
		fn(ev)
	}
}
