package stores

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/drawvault/drawsync/internal/debounce"
	"github.com/drawvault/drawsync/internal/store"
)

// Group is one shared document: the main store plus every live instance.
type Group[M any] struct {
	manager  *Manager[M]
	sharedID func() string
	main     store.Store
	meta     M
	hooks    MainData[M]

	idMu sync.RWMutex
	id   string

	// editMu serializes Instance.Edit and Reset across the group.
	// It is always taken before mu.
	editMu sync.Mutex

	mu           sync.Mutex
	instances    []*Instance[M]
	disposed     bool
	persister    *debounce.Debouncer
	unlistenMain func()

	// busy counts Edit, Apply and Reset calls in progress. Persistence
	// requested while any is running is deferred until the last one has
	// released its locks.
	busy       atomic.Int32
	persistDue atomic.Bool
}

func newGroup[M any](m *Manager[M], id string, sharedID func() string, main MainData[M]) *Group[M] {
	return &Group[M]{
		manager:  m,
		id:       id,
		sharedID: sharedID,
		main:     main.Store,
		meta:     main.Meta,
		hooks:    main,
	}
}

// ID returns the key the group is registered under.
func (g *Group[M]) ID() string {
	g.idMu.RLock()
	defer g.idMu.RUnlock()
	return g.id
}

func (g *Group[M]) setID(id string) {
	g.idMu.Lock()
	defer g.idMu.Unlock()
	g.id = id
}

// Meta returns the per-deployment payload given by CreateMain.
func (g *Group[M]) Meta() M {
	return g.meta
}

// MainStore returns the authoritative store.
func (g *Group[M]) MainStore() store.Store {
	return g.main
}

// Instances returns the live instances in registration order.
func (g *Group[M]) Instances() []*Instance[M] {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Instance[M], len(g.instances))
	copy(out, g.instances)
	return out
}

// Len returns the number of live instances.
func (g *Group[M]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.instances)
}

// Disposed reports whether the last instance has left.
func (g *Group[M]) Disposed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disposed
}

// Apply mirrors a change entry from one instance into the main store and all
// other instances. from may be nil for changes that originate elsewhere.
//
// Entries from instances that already left the group are dropped. A sibling
// that fails to apply the entry is reloaded from the main snapshot; its error
// is returned joined with the others, after every sibling has been tried.
func (g *Group[M]) Apply(from *Instance[M], entry store.ChangeEntry) error {
	g.enter()
	defer g.leave()
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.disposed {
		return ErrGroupDisposed
	}
	if from != nil && !g.hasLocked(from) {
		return nil
	}

	if err := safeApply(g.main, entry.Changes); err != nil {
		err = fmt.Errorf("failed to apply changes to main store of %s: %w", g.ID(), err)
		g.manager.config.Logger.Printf("Error: %v", err)
		if from != nil {
			g.resyncLocked(from)
		}
		return err
	}

	var errs []error
	for _, inst := range g.instances {
		if inst == from {
			continue
		}
		if err := safeApply(inst.store, entry.Changes); err != nil {
			err = fmt.Errorf("failed to mirror changes to instance %s: %w", inst.id, err)
			g.manager.config.Logger.Printf("Warning: %v", err)
			errs = append(errs, err)
			g.resyncLocked(inst)
		}
	}
	return errors.Join(errs...)
}

// Reset replaces the contents of the main store and every instance with the
// snapshot. Used when the persisted document changed outside the group.
func (g *Group[M]) Reset(snap store.Snapshot) error {
	g.enter()
	defer g.leave()
	g.editMu.Lock()
	defer g.editMu.Unlock()
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.disposed {
		return ErrGroupDisposed
	}
	if err := g.main.LoadSnapshot(snap); err != nil {
		return fmt.Errorf("failed to reset main store of %s: %w", g.ID(), err)
	}

	var errs []error
	for _, inst := range g.instances {
		if err := safeLoad(inst.store, snap); err != nil {
			errs = append(errs, fmt.Errorf("failed to reset instance %s: %w", inst.id, err))
		}
	}
	return errors.Join(errs...)
}

// Flush runs a pending debounced Persist now. It reports whether one ran.
func (g *Group[M]) Flush() bool {
	g.mu.Lock()
	p := g.persister
	g.mu.Unlock()
	if p == nil {
		return false
	}
	return p.Flush()
}

func (g *Group[M]) enter() {
	g.busy.Add(1)
}

func (g *Group[M]) leave() {
	if g.busy.Add(-1) == 0 {
		g.kickPersist()
	}
}

// kickPersist triggers the persister if the main store changed since the
// last kick. It must be called without editMu or mu held: the leading
// Persist runs on the calling goroutine.
func (g *Group[M]) kickPersist() {
	if !g.persistDue.Swap(false) {
		return
	}
	g.mu.Lock()
	p := g.persister
	g.mu.Unlock()
	if p != nil {
		p.Trigger()
	}
}

// start runs the Init hook and attaches the persistence listener.
func (g *Group[M]) start() {
	if g.hooks.Init != nil {
		g.hooks.Init(g)
	}
	if g.hooks.Persist == nil {
		return
	}

	cfg := g.manager.config
	p := debounce.New(cfg.PersistWait, func() { g.hooks.Persist(g) }, debounce.WithClock(cfg.Clock))
	unlisten := g.main.Listen(func(store.ChangeEntry) {
		g.persistDue.Store(true)
		if g.busy.Load() == 0 {
			g.kickPersist()
		}
	}, store.ListenOptions{Scope: store.ScopeDocument})

	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		unlisten()
		return
	}
	g.persister = p
	g.unlistenMain = unlisten
	g.mu.Unlock()

	p.Trigger()
}

// teardown flushes persistence and disposes the main store. It runs once,
// after remove reported the group empty.
func (g *Group[M]) teardown() {
	g.mu.Lock()
	p := g.persister
	unlisten := g.unlistenMain
	g.persister = nil
	g.unlistenMain = nil
	g.mu.Unlock()

	if p != nil {
		p.Flush()
		p.Cancel()
	}
	if unlisten != nil {
		unlisten()
	}
	if g.hooks.Dispose != nil {
		g.hooks.Dispose(g)
	}
	g.main.Dispose()
}

// addInstance must be called with manager.mu held.
func (g *Group[M]) addInstance(info InstanceInfo) (*Instance[M], error) {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return nil, ErrGroupDisposed
	}
	s, err := g.manager.config.NewStore(g.main.Snapshot())
	if err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("failed to create instance store: %w", err)
	}
	inst := &Instance[M]{
		id:    info.InstanceID,
		group: g,
		store: s,
	}
	g.instances = append(g.instances, inst)
	g.mu.Unlock()

	if info.SyncToMain {
		inst.SetSyncToMain(true)
	}
	return inst, nil
}

// remove drops inst and reports whether it was the last instance.
func (g *Group[M]) remove(inst *Instance[M]) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, other := range g.instances {
		if other == inst {
			g.instances = append(g.instances[:i:i], g.instances[i+1:]...)
			break
		}
	}
	if len(g.instances) == 0 && !g.disposed {
		g.disposed = true
		return true
	}
	return false
}

func (g *Group[M]) hasLocked(inst *Instance[M]) bool {
	for _, other := range g.instances {
		if other == inst {
			return true
		}
	}
	return false
}

func (g *Group[M]) resyncLocked(inst *Instance[M]) {
	if err := safeLoad(inst.store, g.main.Snapshot()); err != nil {
		g.manager.config.Logger.Printf("Error: failed to resync instance %s: %v", inst.id, err)
	}
}

func safeApply(s store.Store, d store.Diff) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic applying changes: %v", r)
		}
	}()
	return s.ApplyDiff(d, store.SourceRemote)
}

func safeLoad(s store.Store, snap store.Snapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic loading snapshot: %v", r)
		}
	}()
	return s.LoadSnapshot(snap)
}
