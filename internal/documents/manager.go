package documents

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	pathpkg "path"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/drawvault/drawsync/internal/format"
	"github.com/drawvault/drawsync/internal/store"
	"github.com/drawvault/drawsync/internal/stores"
	"github.com/drawvault/drawsync/internal/vault"
)

// ConflictChecker looks for a diverging copy of a newly opened document.
// A non-nil snapshot replaces the parsed file contents.
type ConflictChecker interface {
	CheckConflicting(ctx context.Context, path string, doc format.Document) (*store.Snapshot, error)
}

// GetData supplies the raw text of a file for the first view that opens it.
type GetData func(ctx context.Context) (string, error)

// Config holds configuration for a Manager.
type Config struct {
	// Storage is the vault files are read from and written to.
	Storage vault.Storage

	// Conflicts is consulted once each time a closed document is opened,
	// before any view sees it. Optional.
	Conflicts ConflictChecker

	// PersistWait is the quiet period before changes are written.
	PersistWait time.Duration

	// RetryWait is how long to wait before retrying a failed write.
	RetryWait time.Duration

	// Clock drives persistence and retry timers.
	Clock clockwork.Clock

	// Logger for document activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults. Storage must still be set.
func DefaultConfig() *Config {
	return &Config{
		PersistWait: 200 * time.Millisecond,
		RetryWait:   2 * time.Second,
		Clock:       clockwork.NewRealClock(),
		Logger:      log.New(os.Stderr, "[documents] ", log.LstdFlags),
	}
}

// Manager registers views of vault files and keeps each file in sync with
// its store group.
type Manager struct {
	config *Config
	stores *stores.Manager[*fileRecord]

	ctx    context.Context
	cancel context.CancelFunc

	openMu  sync.Mutex
	opening map[string]chan struct{}

	obsMu     sync.Mutex
	observers map[int]func(Event)
	nextObs   int
}

// NewManager creates a Manager for the configured vault.
func NewManager(config *Config) (*Manager, error) {
	if config == nil || config.Storage == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	defaults := DefaultConfig()
	if config.PersistWait <= 0 {
		config.PersistWait = defaults.PersistWait
	}
	if config.RetryWait <= 0 {
		config.RetryWait = defaults.RetryWait
	}
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	storesConfig := stores.DefaultConfig()
	storesConfig.PersistWait = config.PersistWait
	storesConfig.Clock = config.Clock
	storesConfig.Logger = log.New(config.Logger.Writer(), "[stores] ", config.Logger.Flags())

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:    config,
		stores:    stores.NewManager[*fileRecord](storesConfig),
		ctx:       ctx,
		cancel:    cancel,
		opening:   make(map[string]chan struct{}),
		observers: make(map[int]func(Event)),
	}, nil
}

// CleanPath normalizes a vault path.
func CleanPath(p string) string {
	return strings.TrimPrefix(pathpkg.Clean("/"+strings.ReplaceAll(p, "\\", "/")), "/")
}

// Register opens a view of the file at path.
//
// getData is only called if no other view has the file open; nil reads
// the file from storage, and a missing file starts a new drawing. The
// conflict check runs before the document is opened, so a failed check
// leaves the file untouched. Views registering meanwhile wait for it.
//
// onUpdatedData is called with the current text before Register returns,
// and again whenever the text changes. It is never called under the
// document's locks and may edit the document. syncToMain is the initial
// sync intent of the view's store.
func (m *Manager) Register(ctx context.Context, path string, getData GetData, onUpdatedData func(text string), syncToMain bool) (*Registration, error) {
	path = CleanPath(path)
	codec, err := format.ForPath(path)
	if err != nil {
		return nil, err
	}

	var (
		g        *stores.Group[*fileRecord]
		inst     *stores.Instance[*fileRecord]
		created  *fileRecord
		prepared *opened
	)
	for {
		var release func()
		prepared, release, err = m.prepare(ctx, path, codec, getData)
		if err != nil {
			return nil, err
		}
		created = nil
		opts := stores.RegisterOptions[*fileRecord]{
			SharedID: func() string {
				if created != nil {
					return created.Path()
				}
				return path
			},
			CreateMain: func() (stores.MainData[*fileRecord], error) {
				if prepared == nil {
					return stores.MainData[*fileRecord]{}, errReopen
				}
				main, err := store.NewMemStoreFromSnapshot(prepared.doc.Snapshot)
				if err != nil {
					return stores.MainData[*fileRecord]{}, fmt.Errorf("%w: %s: %v", format.ErrParse, path, err)
				}
				created = newFileRecord(path, codec, prepared.text, prepared.loaded, prepared.doc.Meta)
				return stores.MainData[*fileRecord]{
					Store:   main,
					Meta:    created,
					Init:    m.initGroup,
					Persist: m.persistGroup,
					Dispose: m.disposeGroup,
				}, nil
			},
		}

		g, inst, err = m.stores.RegisterInstance(stores.InstanceInfo{SyncToMain: syncToMain}, opts)
		release()
		if errors.Is(err, errReopen) {
			// The document closed after prepare saw it open.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", path, err)
		}
		break
	}

	rec := g.Meta()
	reg := &Registration{manager: m, rec: rec, inst: inst}
	rec.addListener(inst.ID(), onUpdatedData)

	if created == rec && prepared.fromSidecar {
		m.config.Logger.Printf("Loaded sidecar copy of %s", path)
		m.emit(EventConflictResolved, path, "sidecar")
	}

	if onUpdatedData != nil {
		text, err := m.currentText(rec, g)
		if err != nil {
			reg.Unregister()
			return nil, fmt.Errorf("failed to register %s: %w", path, err)
		}
		onUpdatedData(text)
	}
	return reg, nil
}

// errReopen tells Register to start over.
var errReopen = errors.New("document closed while opening")

// opened is a file read for a new group.
type opened struct {
	text        string
	loaded      string
	doc         format.Document
	fromSidecar bool
}

// prepare returns nil if the document is open. Otherwise it opens the file
// unless another Register is already doing so, in which case it waits for
// that one. release must be called once the group is registered.
func (m *Manager) prepare(ctx context.Context, path string, codec format.Codec, getData GetData) (*opened, func(), error) {
	for {
		m.openMu.Lock()
		if _, open := m.stores.Group(path); open {
			m.openMu.Unlock()
			return nil, func() {}, nil
		}
		wait, busy := m.opening[path]
		if !busy {
			done := make(chan struct{})
			m.opening[path] = done
			m.openMu.Unlock()

			release := func() {
				m.openMu.Lock()
				delete(m.opening, path)
				m.openMu.Unlock()
				close(done)
			}
			o, err := m.open(ctx, path, codec, getData)
			if err != nil {
				release()
				return nil, nil, err
			}
			return o, release, nil
		}
		m.openMu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("failed to register %s: %w: %v", path, ErrViewUnloaded, ctx.Err())
		}
	}
}

// open reads the file and settles a conflicting copy of it.
func (m *Manager) open(ctx context.Context, path string, codec format.Codec, getData GetData) (*opened, error) {
	text, doc, err := m.load(ctx, path, codec, getData)
	if err != nil {
		return nil, err
	}
	o := &opened{text: text, doc: doc}
	if text != "" {
		o.loaded = serializeLoaded(codec, doc)
	}
	if m.config.Conflicts == nil {
		return o, nil
	}

	snap, err := m.config.Conflicts.CheckConflicting(ctx, path, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", path, err)
	}
	if snap != nil {
		o.doc.Snapshot = *snap
		o.loaded = ""
		o.fromSidecar = true
	}
	return o, nil
}

// load reads and parses a file for a new group.
func (m *Manager) load(ctx context.Context, path string, codec format.Codec, getData GetData) (string, format.Document, error) {
	var text string
	var err error
	if getData != nil {
		text, err = getData(ctx)
	} else {
		text, err = m.config.Storage.Read(ctx, path)
		if vault.IsNotExist(err) {
			text, err = "", nil
		}
	}
	if err != nil {
		return "", format.Document{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	doc, err := codec.Parse(text)
	if err != nil {
		return "", format.Document{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return text, doc, nil
}

// serializeLoaded returns the text persist would produce for a parsed file,
// or "" if it cannot tell.
func serializeLoaded(codec format.Codec, doc format.Document) string {
	snap, err := doc.Snapshot.Normalize()
	if err != nil {
		return ""
	}
	text, err := codec.Serialize(doc.Meta, snap)
	if err != nil {
		return ""
	}
	return text
}

// currentText serializes the main store of a group.
func (m *Manager) currentText(rec *fileRecord, g *stores.Group[*fileRecord]) (string, error) {
	rec.mu.Lock()
	codec, meta := rec.codec, rec.meta
	rec.mu.Unlock()

	text, err := codec.Serialize(meta, g.MainStore().Snapshot())
	if err != nil {
		return "", fmt.Errorf("failed to serialize %s: %w", rec.Path(), err)
	}
	return text, nil
}

func (m *Manager) initGroup(g *stores.Group[*fileRecord]) {
	rec := g.Meta()
	rec.mu.Lock()
	rec.group = g
	path := rec.path
	rec.mu.Unlock()

	m.watch(rec, path)
	m.config.Logger.Printf("Opened %s", path)
	m.emit(EventOpened, path, "")
}

func (m *Manager) persistGroup(g *stores.Group[*fileRecord]) {
	m.persist(g.Meta())
}

func (m *Manager) disposeGroup(g *stores.Group[*fileRecord]) {
	rec := g.Meta()

	rec.mu.Lock()
	failed := rec.failed
	rec.mu.Unlock()
	if failed {
		// Last chance for a write that failed earlier.
		m.persist(rec)
	}

	rec.mu.Lock()
	rec.closed = true
	unwatch := rec.unwatch
	rec.unwatch = nil
	if rec.retry != nil {
		rec.retry.Stop()
		rec.retry = nil
	}
	failed = rec.failed
	path := rec.path
	rec.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if failed {
		m.config.Logger.Printf("Error: closed %s with unsaved changes", path)
	}
	m.config.Logger.Printf("Closed %s", path)
	m.emit(EventClosed, path, "")
}

// watch subscribes rec to external changes of path, replacing any
// previous subscription.
func (m *Manager) watch(rec *fileRecord, path string) {
	unwatch := m.config.Storage.OnExternalChange(path, func(text string) {
		m.handleExternalChange(rec, text)
	})

	rec.mu.Lock()
	old := rec.unwatch
	rec.unwatch = unwatch
	rec.mu.Unlock()

	if old != nil {
		old()
	}
}

// persist writes the main snapshot of rec's group if it differs from the
// file text. A view callback that edits the document during persist does
// not write itself: the running persist writes again afterwards.
func (m *Manager) persist(rec *fileRecord) {
	rec.mu.Lock()
	if rec.notifying {
		rec.again = true
		rec.mu.Unlock()
		return
	}
	rec.mu.Unlock()

	rec.persistMu.Lock()
	defer rec.persistMu.Unlock()
	for m.persistOnce(rec) {
	}
}

// persistOnce must be called with persistMu held. It reports whether
// another run was requested meanwhile.
func (m *Manager) persistOnce(rec *fileRecord) bool {
	rec.mu.Lock()
	g := rec.group
	rec.mu.Unlock()
	if g == nil {
		return false
	}

	text, err := m.currentText(rec, g)
	if err != nil {
		m.config.Logger.Printf("Error: %v", err)
		return false
	}

	rec.mu.Lock()
	if text == rec.lastKnown || text == rec.pending || text == rec.loaded {
		rec.failed = false
		rec.mu.Unlock()
		return false
	}
	rec.pending = text
	rec.notifying = true
	path := rec.path
	listeners := rec.listenersLocked()
	rec.mu.Unlock()

	// Views see the text before the storage reports the write.
	notify(listeners, text)

	rec.mu.Lock()
	rec.notifying = false
	again := rec.again
	rec.again = false
	rec.mu.Unlock()

	err = m.config.Storage.Write(m.ctx, path, text)

	rec.mu.Lock()
	if err != nil {
		if rec.pending == text {
			rec.pending = ""
		}
		rec.failed = true
		m.scheduleRetryLocked(rec)
		rec.mu.Unlock()

		m.config.Logger.Printf("Warning: failed to save %s: %v", path, err)
		m.emit(EventPersistFailed, path, err.Error())
		return false
	}
	if rec.pending == text {
		rec.lastKnown = text
		rec.pending = ""
	}
	rec.loaded = ""
	rec.failed = false
	rec.mu.Unlock()

	m.emit(EventPersisted, path, "")
	return again
}

// scheduleRetryLocked must be called with rec.mu held.
func (m *Manager) scheduleRetryLocked(rec *fileRecord) {
	if rec.closed || rec.retry != nil {
		return
	}
	rec.retry = m.config.Clock.AfterFunc(m.config.RetryWait, func() {
		rec.mu.Lock()
		rec.retry = nil
		closed := rec.closed
		rec.mu.Unlock()
		if !closed {
			m.persist(rec)
		}
	})
}

// handleExternalChange reloads the group from text unless the text is
// what the file is known to hold or is about to hold.
func (m *Manager) handleExternalChange(rec *fileRecord, text string) {
	rec.mu.Lock()
	if rec.closed || rec.group == nil || text == rec.lastKnown || text == rec.pending {
		rec.mu.Unlock()
		return
	}
	rec.lastKnown = text
	rec.pending = ""
	rec.failed = false
	g, codec, path := rec.group, rec.codec, rec.path
	rec.mu.Unlock()

	doc, err := codec.Parse(text)
	if err != nil {
		m.config.Logger.Printf("Warning: ignoring external change to %s: %v", path, err)
		return
	}

	rec.mu.Lock()
	rec.meta = doc.Meta
	rec.loaded = serializeLoaded(codec, doc)
	listeners := rec.listenersLocked()
	rec.mu.Unlock()

	notify(listeners, text)

	if err := g.Reset(doc.Snapshot); err != nil {
		if !errors.Is(err, stores.ErrGroupDisposed) {
			m.config.Logger.Printf("Warning: failed to reload %s: %v", path, err)
		}
		return
	}
	m.config.Logger.Printf("Reloaded %s after external change", path)
	m.emit(EventReloaded, path, "")
}

// Rename moves an open document to a new path. Views stay attached and
// later writes go to the new path.
func (m *Manager) Rename(oldPath, newPath string) error {
	oldPath, newPath = CleanPath(oldPath), CleanPath(newPath)
	if oldPath == newPath {
		return nil
	}
	codec, err := format.ForPath(newPath)
	if err != nil {
		return err
	}
	g, ok := m.stores.Group(oldPath)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, oldPath)
	}
	if _, taken := m.stores.Group(newPath); taken {
		return fmt.Errorf("%w: %s is already open", stores.ErrSharedIDConflict, newPath)
	}
	rec := g.Meta()

	rec.mu.Lock()
	oldCodec := rec.codec
	rec.path = newPath
	rec.codec = codec
	rec.mu.Unlock()

	if err := m.stores.RefreshSharedID(oldPath); err != nil {
		rec.mu.Lock()
		rec.path = oldPath
		rec.codec = oldCodec
		rec.mu.Unlock()
		return fmt.Errorf("failed to rename %s: %w", oldPath, err)
	}
	m.watch(rec, newPath)

	m.config.Logger.Printf("Renamed %s -> %s", oldPath, newPath)
	m.emit(EventRenamed, newPath, oldPath)
	return nil
}

// Flush writes pending changes of the file now. It reports whether a
// persist ran.
func (m *Manager) Flush(path string) bool {
	g, ok := m.stores.Group(CleanPath(path))
	if !ok {
		return false
	}
	return g.Flush()
}

// FlushAll flushes every open document.
func (m *Manager) FlushAll() {
	for _, id := range m.stores.SharedIDs() {
		m.Flush(id)
	}
}

// Text returns the current serialized text of an open document.
func (m *Manager) Text(path string) (string, error) {
	path = CleanPath(path)
	g, ok := m.stores.Group(path)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotOpen, path)
	}
	return m.currentText(g.Meta(), g)
}

// Paths returns the paths of all open documents, sorted.
func (m *Manager) Paths() []string {
	return m.stores.SharedIDs()
}

// Views returns how many views have the file open.
func (m *Manager) Views(path string) int {
	g, ok := m.stores.Group(CleanPath(path))
	if !ok {
		return 0
	}
	return g.Len()
}

// Close unregisters every view, flushing pending writes.
func (m *Manager) Close() {
	m.stores.Close()
	m.cancel()
}
