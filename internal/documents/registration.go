package documents

import (
	"sync"

	"github.com/drawvault/drawsync/internal/store"
	"github.com/drawvault/drawsync/internal/stores"
)

// Registration is one view's handle on an open document.
type Registration struct {
	manager *Manager
	rec     *fileRecord
	inst    *stores.Instance[*fileRecord]
	once    sync.Once
}

// Store returns the view's own document store.
func (r *Registration) Store() store.Store {
	return r.inst.Store()
}

// ID returns the instance id of the view.
func (r *Registration) ID() string {
	return r.inst.ID()
}

// Path returns the current path of the document.
func (r *Registration) Path() string {
	return r.rec.Path()
}

// SyncToMain reports whether the view's edits are shared.
func (r *Registration) SyncToMain() bool {
	return r.inst.SyncToMain()
}

// SetSyncToMain turns sharing of the view's edits on or off.
func (r *Registration) SetSyncToMain(enabled bool) {
	r.inst.SetSyncToMain(enabled)
}

// Edit applies a user edit to the view's store.
func (r *Registration) Edit(diff store.Diff) error {
	return r.inst.Edit(diff)
}

// Put adds or replaces records as a user edit.
func (r *Registration) Put(records ...store.Record) error {
	return r.inst.Put(records...)
}

// Unregister closes the view. The last view of a file flushes pending
// changes and stops watching the file. Safe to call more than once.
func (r *Registration) Unregister() {
	r.once.Do(func() {
		r.rec.removeListener(r.inst.ID())
		r.inst.Dispose()
	})
}
