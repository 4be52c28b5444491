package stores

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/drawvault/drawsync/internal/store"
)

type testMeta struct {
	name string
}

// harness builds a manager with a silent logger and counts main store
// creation and disposal.
type harness struct {
	t        *testing.T
	clock    clockwork.Clock
	manager  *Manager[testMeta]
	created  atomic.Int32
	disposed atomic.Int32
	persists atomic.Int32
	seed     store.Snapshot
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, clock: clockwork.NewFakeClock(), seed: store.EmptySnapshot()}
	config := DefaultConfig()
	config.Logger = log.New(io.Discard, "", 0)
	config.Clock = h.clock
	config.PersistWait = 100 * time.Millisecond
	h.manager = NewManager[testMeta](config)
	return h
}

func (h *harness) options(id string) RegisterOptions[testMeta] {
	return RegisterOptions[testMeta]{
		SharedID: func() string { return id },
		CreateMain: func() (MainData[testMeta], error) {
			h.created.Add(1)
			s, err := store.NewMemStoreFromSnapshot(h.seed)
			if err != nil {
				return MainData[testMeta]{}, err
			}
			return MainData[testMeta]{
				Store:   s,
				Meta:    testMeta{name: id},
				Persist: func(*Group[testMeta]) { h.persists.Add(1) },
				Dispose: func(*Group[testMeta]) { h.disposed.Add(1) },
			}, nil
		},
	}
}

func (h *harness) register(id string, sync bool) (*Group[testMeta], *Instance[testMeta]) {
	h.t.Helper()
	g, inst, err := h.manager.RegisterInstance(InstanceInfo{SyncToMain: sync}, h.options(id))
	if err != nil {
		h.t.Fatalf("RegisterInstance(%s) error = %v", id, err)
	}
	return g, inst
}

func shape(id string, x float64) store.Record {
	return store.Record{"id": id, "typeName": "shape", "x": x}
}

func countEntries(s store.Store) *atomic.Int32 {
	var n atomic.Int32
	s.Listen(func(store.ChangeEntry) { n.Add(1) }, store.ListenOptions{})
	return &n
}

func TestRegisterInstance_SharesOneGroup(t *testing.T) {
	h := newHarness(t)

	g1, i1 := h.register("doc", true)
	g2, i2 := h.register("doc", false)

	if g1 != g2 {
		t.Fatal("instances of the same document got different groups")
	}
	if got := h.created.Load(); got != 1 {
		t.Errorf("CreateMain calls = %d, want 1", got)
	}
	if h.manager.Len() != 1 || g1.Len() != 2 {
		t.Errorf("Len() = %d groups / %d instances, want 1 / 2", h.manager.Len(), g1.Len())
	}
	if i1.Store() == i2.Store() || i1.Store() == g1.MainStore() {
		t.Error("instances must get their own store, not a shared reference")
	}
	if g1.Meta().name != "doc" {
		t.Errorf("Meta() = %+v", g1.Meta())
	}
}

func TestRegisterInstance_ConcurrentCreatesOneGroup(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := h.manager.RegisterInstance(InstanceInfo{SyncToMain: true}, h.options("doc")); err != nil {
				t.Errorf("RegisterInstance() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := h.created.Load(); got != 1 {
		t.Errorf("CreateMain calls = %d, want 1", got)
	}
	g, ok := h.manager.Group("doc")
	if !ok || g.Len() != 16 {
		t.Fatalf("group missing or wrong size")
	}
}

func TestRegisterInstance_DuplicateID(t *testing.T) {
	h := newHarness(t)

	info := InstanceInfo{InstanceID: "view-1"}
	if _, _, err := h.manager.RegisterInstance(info, h.options("doc")); err != nil {
		t.Fatal(err)
	}
	_, _, err := h.manager.RegisterInstance(info, h.options("other"))
	if !errors.Is(err, ErrDuplicateInstance) {
		t.Errorf("error = %v, want ErrDuplicateInstance", err)
	}
	if h.manager.Len() != 1 {
		t.Errorf("failed registration left %d groups", h.manager.Len())
	}
}

func TestRegisterInstance_CreateMainError(t *testing.T) {
	h := newHarness(t)
	opts := RegisterOptions[testMeta]{
		SharedID: func() string { return "doc" },
		CreateMain: func() (MainData[testMeta], error) {
			return MainData[testMeta]{}, fmt.Errorf("parse failed")
		},
	}
	if _, _, err := h.manager.RegisterInstance(InstanceInfo{}, opts); err == nil {
		t.Fatal("expected error from CreateMain")
	}
	if h.manager.Len() != 0 {
		t.Error("failed CreateMain left a group behind")
	}
}

func TestMirroring_EditReachesMainAndSiblings(t *testing.T) {
	h := newHarness(t)
	g, a := h.register("doc", true)
	_, b := h.register("doc", true)
	_, c := h.register("doc", false)

	aEntries := countEntries(a.Store())
	bEntries := countEntries(b.Store())

	if err := a.Put(shape("shape:s1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := a.Put(shape("shape:s1", 2), shape("shape:s2", 0)); err != nil {
		t.Fatal(err)
	}

	want := a.Store().Snapshot()
	for name, s := range map[string]store.Store{"main": g.MainStore(), "b": b.Store(), "c (not syncing)": c.Store()} {
		if !s.Snapshot().Equal(want) {
			t.Errorf("%s snapshot = %+v, want %+v", name, s.Snapshot(), want)
		}
	}

	// A sees only its own two edits, never an echo. B sees each exactly once.
	if got := aEntries.Load(); got != 2 {
		t.Errorf("originator received %d entries, want 2", got)
	}
	if got := bEntries.Load(); got != 2 {
		t.Errorf("sibling received %d entries, want 2", got)
	}
}

func TestMirroring_DirectStoreWrites(t *testing.T) {
	h := newHarness(t)
	g, a := h.register("doc", true)
	_, b := h.register("doc", true)

	ms := a.Store().(*store.MemStore)
	if err := ms.Put(shape("shape:s1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := ms.Remove("shape:s1"); err != nil {
		t.Fatal(err)
	}
	if err := ms.Put(shape("shape:s2", 1)); err != nil {
		t.Fatal(err)
	}

	want := ms.Snapshot()
	if !g.MainStore().Snapshot().Equal(want) || !b.Store().Snapshot().Equal(want) {
		t.Errorf("direct store writes were not mirrored")
	}
}

func TestMirroring_SessionChangesStayLocal(t *testing.T) {
	h := newHarness(t)
	g, a := h.register("doc", true)
	_, b := h.register("doc", true)

	if err := a.Put(store.Record{"id": "camera:1", "typeName": "camera", "z": 2}); err != nil {
		t.Fatal(err)
	}

	if _, ok := b.Store().(*store.MemStore).Get("camera:1"); ok {
		t.Error("session record leaked to sibling")
	}
	if g.MainStore().Snapshot().Equal(a.Store().Snapshot()) {
		t.Error("session record leaked to main store")
	}
}

func TestSyncDisabled_EditsNeverMirrored(t *testing.T) {
	h := newHarness(t)
	g, preview := h.register("doc", false)
	_, editor := h.register("doc", true)

	if err := preview.Put(shape("shape:local", 1)); err != nil {
		t.Fatal(err)
	}

	if _, ok := g.MainStore().(*store.MemStore).Get("shape:local"); ok {
		t.Error("edit from non-syncing instance reached main store")
	}
	if _, ok := editor.Store().(*store.MemStore).Get("shape:local"); ok {
		t.Error("edit from non-syncing instance reached sibling")
	}

	// The preview still receives the editor's changes.
	if err := editor.Put(shape("shape:remote", 1)); err != nil {
		t.Fatal(err)
	}
	if _, ok := preview.Store().(*store.MemStore).Get("shape:remote"); !ok {
		t.Error("non-syncing instance did not receive sibling changes")
	}
}

func TestSyncToggle_NoReplayOfDisabledEdits(t *testing.T) {
	h := newHarness(t)
	g, a := h.register("doc", true)

	mainEntries := countEntries(g.MainStore())

	a.SetSyncToMain(false)
	if a.SyncToMain() {
		t.Fatal("SyncToMain() = true after disabling")
	}
	if err := a.Put(shape("shape:offline", 1)); err != nil {
		t.Fatal(err)
	}

	a.SetSyncToMain(true)
	a.SetSyncToMain(true)
	if err := a.Put(shape("shape:online", 1)); err != nil {
		t.Fatal(err)
	}

	main := g.MainStore().(*store.MemStore)
	if _, ok := main.Get("shape:offline"); ok {
		t.Error("edit made while sync was off was replayed")
	}
	if _, ok := main.Get("shape:online"); !ok {
		t.Error("edit after re-enabling sync was not mirrored")
	}
	if got := mainEntries.Load(); got != 1 {
		t.Errorf("main store received %d entries, want 1", got)
	}
}

func TestScenario_LaterInstanceSeesEarlierEdits(t *testing.T) {
	h := newHarness(t)
	h.seed = store.Snapshot{Store: map[string]store.Record{}}

	g, i1 := h.register("F", true)
	if err := i1.Put(shape("shape:s1", 0)); err != nil {
		t.Fatal(err)
	}
	if _, ok := g.MainStore().(*store.MemStore).Get("shape:s1"); !ok {
		t.Fatal("main store is missing s1")
	}

	_, i2 := h.register("F", true)
	if _, ok := i2.Store().(*store.MemStore).Get("shape:s1"); !ok {
		t.Error("second instance did not start with s1")
	}
}

func TestDispose_LastInstanceTearsDownGroup(t *testing.T) {
	h := newHarness(t)
	g, a := h.register("doc", true)
	_, b := h.register("doc", true)

	a.Dispose()
	a.Dispose()
	if g.Disposed() || h.disposed.Load() != 0 {
		t.Fatal("group torn down while an instance remained")
	}
	if !a.Store().Disposed() {
		t.Error("instance store not disposed")
	}

	b.Dispose()
	if !g.Disposed() || !g.MainStore().Disposed() {
		t.Error("group not disposed after last instance left")
	}
	if got := h.disposed.Load(); got != 1 {
		t.Errorf("Dispose hook calls = %d, want 1", got)
	}
	if h.manager.Len() != 0 {
		t.Error("group still registered")
	}

	g2, _ := h.register("doc", true)
	if g2 == g {
		t.Error("re-registering reused a disposed group")
	}
	if got := h.created.Load(); got != 2 {
		t.Errorf("CreateMain calls = %d, want 2", got)
	}
}

func TestDispose_LateEntryFromDepartedInstanceDropped(t *testing.T) {
	h := newHarness(t)
	g, a := h.register("doc", true)
	_, b := h.register("doc", true)

	a.Dispose()
	entry := store.ChangeEntry{
		Changes: store.Diff{Added: map[string]store.Record{"shape:late": shape("shape:late", 0)}},
		Source:  store.SourceUser,
	}
	if err := g.Apply(a, entry); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if _, ok := b.Store().(*store.MemStore).Get("shape:late"); ok {
		t.Error("entry from departed instance was mirrored")
	}
}

// flakyStore fails remote diffs while fail is set.
type flakyStore struct {
	*store.MemStore
	fail atomic.Bool
}

func (f *flakyStore) ApplyDiff(d store.Diff, src store.Source) error {
	if src == store.SourceRemote && f.fail.Load() {
		return errors.New("boom")
	}
	return f.MemStore.ApplyDiff(d, src)
}

func TestApply_SiblingFailureIsIsolatedAndResynced(t *testing.T) {
	h := newHarness(t)

	var flaky *flakyStore
	h.manager.config.NewStore = func(snap store.Snapshot) (store.Store, error) {
		ms, err := store.NewMemStoreFromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		if flaky == nil {
			flaky = &flakyStore{MemStore: ms}
			return flaky, nil
		}
		return ms, nil
	}

	g, bad := h.register("doc", false)
	_, good := h.register("doc", true)
	_, editor := h.register("doc", true)

	flaky.fail.Store(true)
	entry := store.ChangeEntry{
		Changes: store.Diff{Added: map[string]store.Record{"shape:s1": shape("shape:s1", 1)}},
		Source:  store.SourceUser,
	}
	if err := editor.Store().ApplyDiff(entry.Changes, store.SourceUser); err != nil {
		t.Fatal(err)
	}

	want := g.MainStore().Snapshot()
	if _, ok := want.Store["shape:s1"]; !ok {
		t.Fatal("main store missing change")
	}
	if !good.Store().Snapshot().Equal(want) {
		t.Error("healthy sibling missed the change")
	}
	// The failed sibling is reloaded from main.
	if !bad.Store().Snapshot().Equal(want) {
		t.Error("failed sibling was not resynced from main")
	}

	err := g.Apply(nil, store.ChangeEntry{
		Changes: store.Diff{Added: map[string]store.Record{"shape:s2": shape("shape:s2", 1)}},
	})
	if err == nil {
		t.Error("Apply() should report the failing sibling")
	}
}

func TestReset_ReplacesEveryStore(t *testing.T) {
	h := newHarness(t)
	g, a := h.register("doc", true)
	_, b := h.register("doc", false)
	_ = a.Put(shape("shape:old", 1))
	_ = b.Put(shape("shape:mine", 1))

	next := store.Snapshot{Store: map[string]store.Record{"shape:new": shape("shape:new", 9)}}
	if err := g.Reset(next); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	for name, s := range map[string]store.Store{"main": g.MainStore(), "a": a.Store(), "b": b.Store()} {
		if !s.Snapshot().Equal(next) {
			t.Errorf("%s = %+v, want %+v", name, s.Snapshot(), next)
		}
	}
}

func TestRefreshSharedID(t *testing.T) {
	h := newHarness(t)

	path := "old.md"
	opts := h.options("")
	opts.SharedID = func() string { return path }
	g, _, err := h.manager.RegisterInstance(InstanceInfo{}, opts)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.manager.RefreshSharedID("old.md"); err != nil {
		t.Fatalf("unchanged RefreshSharedID() error = %v", err)
	}
	if err := h.manager.RefreshSharedID("missing.md"); err != nil {
		t.Fatalf("missing RefreshSharedID() error = %v", err)
	}

	path = "new.md"
	if err := h.manager.RefreshSharedID("old.md"); err != nil {
		t.Fatalf("RefreshSharedID() error = %v", err)
	}
	if _, ok := h.manager.Group("old.md"); ok {
		t.Error("group still registered under old id")
	}
	if got, ok := h.manager.Group("new.md"); !ok || got != g || g.ID() != "new.md" {
		t.Error("group not registered under new id")
	}

	h.register("taken.md", false)
	path = "taken.md"
	if err := h.manager.RefreshSharedID("new.md"); !errors.Is(err, ErrSharedIDConflict) {
		t.Errorf("error = %v, want ErrSharedIDConflict", err)
	}
}

func TestPersist_Debounced(t *testing.T) {
	h := newHarness(t)
	g, a := h.register("doc", true)

	// Leading call on registration.
	if got := h.persists.Load(); got != 1 {
		t.Fatalf("persist calls after register = %d, want 1", got)
	}

	for i := 0; i < 5; i++ {
		_ = a.Put(shape("shape:s", float64(i)))
	}
	// First edit after the idle registration call is inside the quiet period.
	if got := h.persists.Load(); got != 1 {
		t.Errorf("persist calls during burst = %d, want 1", got)
	}

	if !g.Flush() {
		t.Fatal("Flush() found nothing pending")
	}
	if got := h.persists.Load(); got != 2 {
		t.Errorf("persist calls after flush = %d, want 2", got)
	}
}

func TestPersist_FlushedOnTeardown(t *testing.T) {
	h := newHarness(t)
	_, a := h.register("doc", true)
	_ = a.Put(shape("shape:s", 1))

	a.Dispose()
	if got := h.persists.Load(); got != 2 {
		t.Errorf("persist calls = %d, want 2 (registration + flush on teardown)", got)
	}
}

// A Persist hook that edits the group runs after Edit released the group
// locks, so the nested edit goes through.
func TestPersist_HookMayEdit(t *testing.T) {
	h := newHarness(t)
	var inst *Instance[testMeta]
	var armed atomic.Bool

	opts := h.options("doc")
	base := opts.CreateMain
	opts.CreateMain = func() (MainData[testMeta], error) {
		main, err := base()
		main.Persist = func(*Group[testMeta]) {
			h.persists.Add(1)
			if armed.CompareAndSwap(true, false) {
				if err := inst.Put(shape("shape:echo", 2)); err != nil {
					t.Errorf("Put() from Persist error = %v", err)
				}
			}
		}
		return main, err
	}
	g, inst, err := h.manager.RegisterInstance(InstanceInfo{SyncToMain: true}, opts)
	if err != nil {
		t.Fatalf("RegisterInstance() error = %v", err)
	}

	// Go idle so the next edit runs the leading Persist on its own goroutine.
	g.mu.Lock()
	p := g.persister
	g.mu.Unlock()
	p.Cancel()
	armed.Store(true)

	done := make(chan error, 1)
	go func() { done <- inst.Put(shape("shape:s", 1)) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Put() deadlocked on an edit made by the Persist hook")
	}

	snap := g.MainStore().Snapshot()
	for _, id := range []string{"shape:s", "shape:echo"} {
		if _, ok := snap.Store[id]; !ok {
			t.Errorf("main store is missing %s", id)
		}
	}
	// Registration, then the leading call for shape:s. The echo waits for
	// the quiet period.
	if got := h.persists.Load(); got != 2 {
		t.Errorf("persist calls = %d, want 2", got)
	}
	if !g.Flush() {
		t.Error("edit made by the Persist hook was not queued")
	}
}

func TestPersist_DirectMainWrite(t *testing.T) {
	h := newHarness(t)
	g, _ := h.register("doc", true)
	g.Flush()
	before := h.persists.Load()

	if err := g.MainStore().(*store.MemStore).Put(shape("shape:direct", 1)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !g.Flush() {
		t.Fatal("change made on the main store was not queued for persistence")
	}
	if got := h.persists.Load(); got != before+1 {
		t.Errorf("persist calls = %d, want %d", got, before+1)
	}
}

func TestManager_Close(t *testing.T) {
	h := newHarness(t)
	h.register("a", true)
	h.register("a", true)
	h.register("b", false)

	h.manager.Close()
	if h.manager.Len() != 0 {
		t.Errorf("Len() = %d after Close", h.manager.Len())
	}
	if got := h.disposed.Load(); got != 2 {
		t.Errorf("Dispose hook calls = %d, want 2", got)
	}
}

func TestStoreProps_Resolve(t *testing.T) {
	h := newHarness(t)
	_, inst := h.register("doc", true)
	owned := store.NewMemStore()

	tests := []struct {
		name    string
		props   StoreProps
		want    store.Store
		wantErr bool
	}{
		{"owned", Owned(owned), owned, false},
		{"external", External(inst), inst.Store(), false},
		{"owned nil", Owned(nil), nil, true},
		{"external nil", External(nil), nil, true},
		{"bad kind", StoreProps{Kind: 42}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.props.Resolve()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}
