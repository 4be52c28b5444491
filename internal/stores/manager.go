package stores

import (
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/drawvault/drawsync/internal/store"
)

// Config holds configuration for a Manager.
type Config struct {
	// PersistWait is the quiet period of the debounced Persist hook.
	PersistWait time.Duration

	// Clock drives the persistence debouncer.
	Clock clockwork.Clock

	// NewStore builds an instance store from a snapshot of the main store.
	NewStore func(snap store.Snapshot) (store.Store, error)

	// Logger for manager activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PersistWait: 200 * time.Millisecond,
		Clock:       clockwork.NewRealClock(),
		NewStore: func(snap store.Snapshot) (store.Store, error) {
			return store.NewMemStoreFromSnapshot(snap)
		},
		Logger: log.New(os.Stderr, "[stores] ", log.LstdFlags),
	}
}

// InstanceInfo describes one view registering with the manager.
type InstanceInfo struct {
	// InstanceID must be unique within the manager. Empty means generate one.
	InstanceID string

	// SyncToMain is the initial sync intent.
	SyncToMain bool
}

// MainData is the main store of a group and its lifecycle hooks.
type MainData[M any] struct {
	Store store.Store
	Meta  M

	// Init runs once after the group is created.
	Init func(g *Group[M])

	// Persist runs debounced after document-scoped changes to the main store.
	// It never runs under the group's locks, so it may edit the group, but
	// it may run on the goroutine that made the change.
	Persist func(g *Group[M])

	// Dispose runs once when the last instance leaves, before the main store
	// is disposed.
	Dispose func(g *Group[M])
}

// RegisterOptions tells RegisterInstance how to find or build the group.
type RegisterOptions[M any] struct {
	// CreateMain is only called if no group exists for SharedID().
	CreateMain func() (MainData[M], error)

	// SharedID derives the group key. It is re-evaluated by RefreshSharedID.
	SharedID func() string
}

// Manager is the registry of store groups, keyed by shared id.
// One Manager lives as long as the host that owns the views.
type Manager[M any] struct {
	config *Config

	mu          sync.Mutex
	groups      map[string]*Group[M]
	instanceIDs map[string]*Instance[M]
}

// NewManager creates an empty registry.
func NewManager[M any](config *Config) *Manager[M] {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}
	if config.NewStore == nil {
		config.NewStore = defaults.NewStore
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Manager[M]{
		config:      config,
		groups:      make(map[string]*Group[M]),
		instanceIDs: make(map[string]*Instance[M]),
	}
}

// NewInstanceID returns a fresh, sortable instance id.
func NewInstanceID() string {
	return ulid.Make().String()
}

// RegisterInstance joins or creates the group for opts.SharedID() and adds a
// new instance whose store is a snapshot clone of the main store.
func (m *Manager[M]) RegisterInstance(info InstanceInfo, opts RegisterOptions[M]) (*Group[M], *Instance[M], error) {
	if opts.SharedID == nil {
		return nil, nil, fmt.Errorf("SharedID cannot be nil")
	}
	if info.InstanceID == "" {
		info.InstanceID = NewInstanceID()
	}

	m.mu.Lock()

	if _, exists := m.instanceIDs[info.InstanceID]; exists {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateInstance, info.InstanceID)
	}

	sharedID := opts.SharedID()
	g, ok := m.groups[sharedID]
	created := false
	if !ok {
		if opts.CreateMain == nil {
			m.mu.Unlock()
			return nil, nil, fmt.Errorf("no group for %s and CreateMain is nil", sharedID)
		}
		main, err := opts.CreateMain()
		if err != nil {
			m.mu.Unlock()
			return nil, nil, fmt.Errorf("failed to create main store for %s: %w", sharedID, err)
		}
		if main.Store == nil {
			m.mu.Unlock()
			return nil, nil, fmt.Errorf("%w: CreateMain for %s returned no store", ErrNoStore, sharedID)
		}
		g = newGroup(m, sharedID, opts.SharedID, main)
		created = true
	}

	inst, err := g.addInstance(info)
	if err != nil {
		m.mu.Unlock()
		if created {
			g.teardown()
		}
		return nil, nil, err
	}
	if created {
		m.groups[sharedID] = g
		m.config.Logger.Printf("Created group %s", sharedID)
	}
	m.instanceIDs[inst.id] = inst
	m.mu.Unlock()

	if created {
		g.start()
	}

	m.config.Logger.Printf("Registered instance %s in group %s (sync=%t)", inst.id, sharedID, info.SyncToMain)
	return g, inst, nil
}

// RefreshSharedID re-keys the group stored under oldID if its SharedID
// function now returns something else. Missing groups and unchanged ids are
// no-ops.
func (m *Manager[M]) RefreshSharedID(oldID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[oldID]
	if !ok {
		return nil
	}
	newID := g.sharedID()
	if newID == oldID {
		return nil
	}
	if _, taken := m.groups[newID]; taken {
		return fmt.Errorf("%w: cannot move %s to %s", ErrSharedIDConflict, oldID, newID)
	}

	delete(m.groups, oldID)
	m.groups[newID] = g
	g.setID(newID)
	m.config.Logger.Printf("Re-keyed group %s -> %s", oldID, newID)
	return nil
}

// Group returns the live group for a shared id.
func (m *Manager[M]) Group(sharedID string) (*Group[M], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[sharedID]
	return g, ok
}

// SharedIDs returns the keys of all live groups, sorted.
func (m *Manager[M]) SharedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.groups))
	for id := range m.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of live groups.
func (m *Manager[M]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}

// Close disposes every instance, tearing down all groups.
func (m *Manager[M]) Close() {
	m.mu.Lock()
	instances := make([]*Instance[M], 0, len(m.instanceIDs))
	for _, inst := range m.instanceIDs {
		instances = append(instances, inst)
	}
	m.mu.Unlock()

	for _, inst := range instances {
		inst.Dispose()
	}
}

// removeInstance drops inst from its group and, if it was the last one,
// the group from the registry. It reports whether the group became empty.
func (m *Manager[M]) removeInstance(inst *Instance[M]) bool {
	g := inst.group

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.instanceIDs[inst.id] != inst {
		panic(fmt.Sprintf("stores: instance %s is not registered", inst.id))
	}
	delete(m.instanceIDs, inst.id)

	if !g.remove(inst) {
		return false
	}
	id := g.ID()
	if m.groups[id] != g {
		panic(fmt.Sprintf("stores: group %s missing from registry", id))
	}
	delete(m.groups, id)
	m.config.Logger.Printf("Removed group %s", id)
	return true
}
