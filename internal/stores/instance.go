package stores

import (
	"sync"

	"github.com/drawvault/drawsync/internal/store"
)

// Instance is one view's private copy of a group's document.
type Instance[M any] struct {
	id    string
	group *Group[M]
	store store.Store

	mu           sync.Mutex
	unlistenSync func()
	disposed     bool
}

// ID returns the instance id.
func (i *Instance[M]) ID() string {
	return i.id
}

// Store returns the instance's own store.
func (i *Instance[M]) Store() store.Store {
	return i.store
}

// Group returns the group the instance belongs to.
func (i *Instance[M]) Group() *Group[M] {
	return i.group
}

// SyncToMain reports whether local edits are mirrored to the group.
func (i *Instance[M]) SyncToMain() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.unlistenSync != nil
}

// SetSyncToMain turns mirroring of local edits on or off. Edits made while
// off are never mirrored later. Enabling a disposed instance does nothing.
func (i *Instance[M]) SetSyncToMain(enabled bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if enabled == (i.unlistenSync != nil) {
		return
	}
	if !enabled {
		i.unlistenSync()
		i.unlistenSync = nil
		return
	}
	if i.disposed {
		return
	}
	i.unlistenSync = i.store.Listen(i.mirror, store.ListenOptions{
		Scope:  store.ScopeDocument,
		Source: store.SourceUser,
	})
}

// Edit applies a user edit to the instance store. Edits through Edit are
// serialized across the group, so every store sees them in the same order.
// The Persist hook it may set off runs after the group locks are released,
// so the hook may call Edit again.
func (i *Instance[M]) Edit(diff store.Diff) error {
	i.group.enter()
	defer i.group.leave()
	i.group.editMu.Lock()
	defer i.group.editMu.Unlock()
	return i.store.ApplyDiff(diff, store.SourceUser)
}

// Put is Edit for added or replaced records.
func (i *Instance[M]) Put(records ...store.Record) error {
	d := store.Diff{Added: make(map[string]store.Record, len(records))}
	for _, r := range records {
		d.Added[r.ID()] = r
	}
	return i.Edit(d)
}

// Dispose turns sync off, leaves the group and disposes the instance store.
// If this was the last instance the group is torn down. Safe to call twice.
func (i *Instance[M]) Dispose() {
	i.mu.Lock()
	if i.disposed {
		i.mu.Unlock()
		return
	}
	i.disposed = true
	if i.unlistenSync != nil {
		i.unlistenSync()
		i.unlistenSync = nil
	}
	i.mu.Unlock()

	empty := i.group.manager.removeInstance(i)
	i.store.Dispose()
	i.group.manager.config.Logger.Printf("Disposed instance %s", i.id)
	if empty {
		i.group.teardown()
	}
}

func (i *Instance[M]) mirror(entry store.ChangeEntry) {
	if err := i.group.Apply(i, entry); err != nil {
		i.group.manager.config.Logger.Printf("Warning: instance %s: %v", i.id, err)
	}
}
