package documents

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/drawvault/drawsync/internal/format"
	"github.com/drawvault/drawsync/internal/store"
	"github.com/drawvault/drawsync/internal/vault"
)

// harness wires a Manager to an in-memory vault and a fake clock.
type harness struct {
	t       *testing.T
	vault   *vault.Memory
	clock   clockwork.Clock
	advance func(d time.Duration)
	manager *Manager

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, conflicts ConflictChecker) *harness {
	t.Helper()
	fake := clockwork.NewFakeClock()
	h := &harness{t: t, vault: vault.NewMemory(), clock: fake, advance: fake.Advance}
	m, err := NewManager(&Config{
		Storage:     h.vault,
		Conflicts:   conflicts,
		PersistWait: 100 * time.Millisecond,
		RetryWait:   time.Second,
		Clock:       h.clock,
		Logger:      log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	m.Subscribe(func(ev Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, ev)
	})
	h.manager = m
	t.Cleanup(m.Close)
	return h
}

func (h *harness) count(kind EventKind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ev := range h.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// textRecorder collects onUpdatedData calls.
type textRecorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *textRecorder) record(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
}

func (r *textRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.texts) == 0 {
		return ""
	}
	return r.texts[len(r.texts)-1]
}

func (r *textRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts)
}

// compactTldr is a .tldr file as another program might write it.
const compactTldr = `{"tldrawFileFormatVersion":1,"schema":{},"records":[{"id":"shape:ext","typeName":"shape","x":1}]}`

func shape(id string) store.Record {
	return store.Record{"id": id, "typeName": "shape", "x": 10.0}
}

func snapshotOf(records ...store.Record) store.Snapshot {
	snap := store.EmptySnapshot()
	for _, r := range records {
		snap.Store[r.ID()] = r
	}
	return snap
}

func markdownText(t *testing.T, uuid string, snap store.Snapshot) string {
	t.Helper()
	meta := format.NewDocument().Meta
	if uuid != "" {
		meta.UUID = uuid
	}
	text, err := format.Markdown{}.Serialize(meta, snap)
	if err != nil {
		t.Fatalf("Serialize() failed: %v", err)
	}
	return text
}

func parseText(t *testing.T, text string) store.Snapshot {
	t.Helper()
	doc, err := format.Markdown{}.Parse(text)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	return doc.Snapshot
}

func (h *harness) register(path string, rec *textRecorder, sync bool) *Registration {
	h.t.Helper()
	var fn func(string)
	if rec != nil {
		fn = rec.record
	}
	reg, err := h.manager.Register(context.Background(), path, nil, fn, sync)
	if err != nil {
		h.t.Fatalf("Register(%s) failed: %v", path, err)
	}
	return reg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegister_NewFile(t *testing.T) {
	h := newHarness(t, nil)
	rec := &textRecorder{}

	reg := h.register("sketches/new.md", rec, true)

	if rec.len() == 0 {
		t.Fatal("onUpdatedData was not called before Register returned")
	}
	// The new drawing is written right away.
	saved, err := h.vault.Read(context.Background(), "sketches/new.md")
	if err != nil {
		t.Fatalf("file was not created: %v", err)
	}
	if saved != rec.last() {
		t.Errorf("view text differs from saved text")
	}
	if !format.IsMarkdownDrawing(saved) {
		t.Errorf("saved text is not a drawing:\n%s", saved)
	}
	if reg.Path() != "sketches/new.md" || h.count(EventOpened) != 1 {
		t.Errorf("Path() = %q, opened events = %d", reg.Path(), h.count(EventOpened))
	}
}

// Opening a file does not rewrite it in our own layout.
func TestRegister_ExistingFileNotRewritten(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.vault.Write(ctx, "board.tldr", compactTldr); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	base := h.vault.Writes()

	rec := &textRecorder{}
	h.register("board.tldr", rec, true)
	h.manager.Flush("board.tldr")

	if got := h.vault.Writes(); got != base {
		t.Errorf("Writes() = %d after opening, want %d", got, base)
	}
	if !strings.Contains(rec.last(), "shape:ext") {
		t.Error("view did not receive the file contents")
	}
}

func TestRegister_UnsupportedFile(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.manager.Register(context.Background(), "notes.txt", nil, nil, true)
	if !errors.Is(err, format.ErrUnsupported) {
		t.Errorf("Register() error = %v, want ErrUnsupported", err)
	}
}

func TestRegister_ParseFailure(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.vault.Write(context.Background(), "broken.tldr", "{nope"); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	_, err := h.manager.Register(context.Background(), "broken.tldr", nil, nil, true)
	if !errors.Is(err, format.ErrParse) {
		t.Fatalf("Register() error = %v, want ErrParse", err)
	}
	if len(h.manager.Paths()) != 0 {
		t.Errorf("Paths() = %v after parse failure, want none", h.manager.Paths())
	}
}

func TestRegister_GetDataError(t *testing.T) {
	h := newHarness(t, nil)
	boom := errors.New("read failed")

	_, err := h.manager.Register(context.Background(), "a.md", func(context.Context) (string, error) {
		return "", boom
	}, nil, true)
	if !errors.Is(err, boom) {
		t.Errorf("Register() error = %v, want %v", err, boom)
	}
}

// Edits from the first view reach the main store, and a view opened later
// starts from them.
func TestRegister_LaterViewSeesEdits(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.vault.Write(ctx, "board.md", markdownText(t, "doc-1", store.EmptySnapshot())); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	first := h.register("board.md", nil, true)
	if err := first.Put(shape("shape:s1")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	g, ok := h.manager.stores.Group("board.md")
	if !ok {
		t.Fatal("no group for board.md")
	}
	if _, ok := g.MainStore().Snapshot().Store["shape:s1"]; !ok {
		t.Fatal("main store is missing shape:s1")
	}

	getDataCalled := false
	rec := &textRecorder{}
	second, err := h.manager.Register(ctx, "board.md", func(context.Context) (string, error) {
		getDataCalled = true
		return "", nil
	}, rec.record, true)
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	if getDataCalled {
		t.Error("getData was called for an open document")
	}
	if !second.Store().Snapshot().Equal(g.MainStore().Snapshot()) {
		t.Error("second view does not start from the main snapshot")
	}
	if !strings.Contains(rec.last(), "shape:s1") {
		t.Error("second view did not receive the current text")
	}
	if h.manager.Views("board.md") != 2 {
		t.Errorf("Views() = %d, want 2", h.manager.Views("board.md"))
	}
}

func TestEdits_MirrorToSyncingViews(t *testing.T) {
	h := newHarness(t, nil)
	a := h.register("board.md", nil, true)
	b := h.register("board.md", nil, true)
	preview := h.register("board.md", nil, false)

	var echoes int
	unlisten := a.Store().Listen(func(store.ChangeEntry) { echoes++ }, store.ListenOptions{})
	defer unlisten()

	if err := a.Put(shape("shape:a")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if echoes != 1 {
		t.Errorf("originator saw %d change entries, want 1", echoes)
	}
	for name, reg := range map[string]*Registration{"b": b, "preview": preview} {
		if _, ok := reg.Store().Snapshot().Store["shape:a"]; !ok {
			t.Errorf("view %s is missing shape:a", name)
		}
	}

	// Edits in a non-syncing view stay local.
	if err := preview.Put(shape("shape:local")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if _, ok := a.Store().Snapshot().Store["shape:local"]; ok {
		t.Error("non-syncing edit reached another view")
	}
}

func TestPersist_DebouncedAndSkipsUnchanged(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	reg := h.register("board.md", nil, true)
	base := h.vault.Writes()

	// An edit that is undone before the write leaves nothing to save.
	if err := reg.Put(shape("shape:tmp")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := reg.Edit(store.Diff{Removed: map[string]store.Record{"shape:tmp": shape("shape:tmp")}}); err != nil {
		t.Fatalf("Edit() failed: %v", err)
	}
	h.manager.Flush("board.md")
	if got := h.vault.Writes(); got != base {
		t.Fatalf("Writes() = %d after a no-op edit, want %d", got, base)
	}

	// After a quiet period the first edit is written at once and the rest of
	// the burst in one trailing write.
	for _, id := range []string{"shape:1", "shape:2", "shape:3"} {
		if err := reg.Put(shape(id)); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
	}
	if got := h.vault.Writes(); got != base+1 {
		t.Fatalf("Writes() = %d before the quiet period, want %d", got, base+1)
	}
	h.advance(100 * time.Millisecond)
	waitFor(t, "debounced write", func() bool { return h.vault.Writes() == base+2 })

	saved, err := h.vault.Read(ctx, "board.md")
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if len(parseText(t, saved).Store) != 3 {
		t.Errorf("saved snapshot = %v, want 3 shapes", parseText(t, saved).Store)
	}
	if h.count(EventReloaded) != 0 {
		t.Error("own write was treated as an external change")
	}
}

func TestPersist_NotifiesViewsBeforeWrite(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	a := h.register("board.md", nil, true)

	var mu sync.Mutex
	var fileAtNotify []string
	_, err := h.manager.Register(ctx, "board.md", nil, func(text string) {
		current, _ := h.vault.Read(ctx, "board.md")
		mu.Lock()
		defer mu.Unlock()
		fileAtNotify = append(fileAtNotify, current)
	}, true)
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	before, _ := h.vault.Read(ctx, "board.md")

	if err := a.Put(shape("shape:a")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if !h.manager.Flush("board.md") {
		t.Fatal("Flush() ran nothing")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fileAtNotify) != 2 {
		t.Fatalf("view notified %d times, want 2", len(fileAtNotify))
	}
	if fileAtNotify[1] != before {
		t.Error("view was notified after the file was written")
	}
}

func TestExternalChange_ReplacesAllViews(t *testing.T) {
	h := newHarness(t, nil)
	recA, recB := &textRecorder{}, &textRecorder{}
	a := h.register("board.md", recA, true)
	b := h.register("board.md", recB, false)

	if err := a.Put(shape("shape:mine")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	external := markdownText(t, "doc-ext", snapshotOf(shape("shape:theirs")))
	h.vault.Modify("board.md", external)

	want := parseText(t, external)
	g, _ := h.manager.stores.Group("board.md")
	for name, s := range map[string]store.Store{"main": g.MainStore(), "a": a.Store(), "b": b.Store()} {
		if !s.Snapshot().Equal(want) {
			t.Errorf("%s store = %v, want %v", name, s.Snapshot().Store, want.Store)
		}
	}
	if recA.last() != external || recB.last() != external {
		t.Error("views were not given the external text")
	}
	if h.count(EventReloaded) != 1 {
		t.Errorf("reloaded events = %d, want 1", h.count(EventReloaded))
	}

	// The same text again is not a change.
	h.vault.Modify("board.md", external)
	if h.count(EventReloaded) != 1 {
		t.Errorf("reloaded events = %d after repeat, want 1", h.count(EventReloaded))
	}
}

// A reload leaves the file as the other program wrote it. Later edits are
// written as usual.
func TestExternalChange_NotWrittenBack(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	reg := h.register("board.tldr", nil, true)
	base := h.vault.Writes()

	h.vault.Modify("board.tldr", compactTldr)
	if _, ok := reg.Store().Snapshot().Store["shape:ext"]; !ok {
		t.Fatal("external change was not loaded")
	}
	h.manager.Flush("board.tldr")

	if got := h.vault.Writes(); got != base {
		t.Errorf("Writes() = %d after a reload, want %d", got, base)
	}
	if saved, _ := h.vault.Read(ctx, "board.tldr"); saved != compactTldr {
		t.Errorf("file was rewritten after a reload:\n%s", saved)
	}

	if err := reg.Put(shape("shape:mine")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	h.manager.Flush("board.tldr")
	if got := h.vault.Writes(); got != base+1 {
		t.Fatalf("Writes() = %d after an edit, want %d", got, base+1)
	}
	saved, _ := h.vault.Read(ctx, "board.tldr")
	if !strings.Contains(saved, "shape:mine") || !strings.Contains(saved, "shape:ext") {
		t.Errorf("saved text is missing shapes:\n%s", saved)
	}
}

func TestExternalChange_MalformedIgnored(t *testing.T) {
	h := newHarness(t, nil)
	reg := h.register("board.tldr", nil, true)
	if err := reg.Put(shape("shape:a")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	h.vault.Modify("board.tldr", "{nope")

	if _, ok := reg.Store().Snapshot().Store["shape:a"]; !ok {
		t.Error("malformed external text replaced the document")
	}
}

func TestPersist_RetryAfterFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	reg := h.register("board.md", nil, true)
	before, _ := h.vault.Read(ctx, "board.md")

	h.vault.FailWrites(errors.New("disk full"))
	if err := reg.Put(shape("shape:a")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	h.manager.Flush("board.md")

	if h.count(EventPersistFailed) != 1 {
		t.Fatalf("persist_failed events = %d, want 1", h.count(EventPersistFailed))
	}
	rec := reg.rec
	rec.mu.Lock()
	lastKnown, pending := rec.lastKnown, rec.pending
	rec.mu.Unlock()
	if lastKnown != before || pending != "" {
		t.Fatal("failed write advanced the last known text")
	}

	// The file still holds the old text, so that text is not an external change.
	h.vault.Modify("board.md", before)
	if h.count(EventReloaded) != 0 {
		t.Fatal("unchanged file text triggered a reload")
	}

	h.vault.FailWrites(nil)
	h.advance(time.Second)
	waitFor(t, "retried write", func() bool { return h.count(EventPersisted) >= 1 && h.vault.Writes() > 1 })

	saved, _ := h.vault.Read(ctx, "board.md")
	if _, ok := parseText(t, saved).Store["shape:a"]; !ok {
		t.Error("retried write is missing shape:a")
	}
}

// A view callback may edit the document while its text is being saved.
func TestPersist_ViewCallbackMayEdit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var reg *Registration
	var armed atomic.Bool
	var edits atomic.Int32
	reg, err := h.manager.Register(ctx, "board.md", nil, func(string) {
		if !armed.CompareAndSwap(true, false) {
			return
		}
		edits.Add(1)
		if err := reg.Put(shape("shape:echo")); err != nil {
			t.Errorf("Put() from callback failed: %v", err)
		}
	}, true)
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	other := h.register("board.md", nil, true)
	armed.Store(true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := other.Put(shape("shape:a")); err != nil {
			t.Errorf("Put() failed: %v", err)
		}
		h.manager.Flush("board.md")
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("edit from a view callback deadlocked")
	}

	if edits.Load() != 1 {
		t.Fatalf("callback edited %d times, want 1", edits.Load())
	}
	saved, _ := h.vault.Read(ctx, "board.md")
	snap := parseText(t, saved)
	for _, id := range []string{"shape:a", "shape:echo"} {
		if _, ok := snap.Store[id]; !ok {
			t.Errorf("saved text is missing %s", id)
		}
	}
}

func TestUnregister_LastViewClosesDocument(t *testing.T) {
	h := newHarness(t, nil)
	a := h.register("board.md", nil, true)
	b := h.register("board.md", nil, true)

	a.Unregister()
	a.Unregister()
	if len(h.manager.Paths()) != 1 || !h.vault.Subscribed("board.md") {
		t.Fatal("document closed while a view is still open")
	}

	if err := b.Put(shape("shape:last")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	b.Unregister()

	if len(h.manager.Paths()) != 0 {
		t.Errorf("Paths() = %v, want none", h.manager.Paths())
	}
	if h.vault.Subscribed("board.md") {
		t.Error("still watching board.md after the last view closed")
	}
	if h.count(EventClosed) != 1 {
		t.Errorf("closed events = %d, want 1", h.count(EventClosed))
	}
	saved, _ := h.vault.Read(context.Background(), "board.md")
	if _, ok := parseText(t, saved).Store["shape:last"]; !ok {
		t.Error("pending edit was not flushed on close")
	}

	// Reopening builds a new group from the file.
	c := h.register("board.md", nil, true)
	if _, ok := c.Store().Snapshot().Store["shape:last"]; !ok {
		t.Error("reopened view is missing shape:last")
	}
	if h.count(EventOpened) != 2 {
		t.Errorf("opened events = %d, want 2", h.count(EventOpened))
	}
}

func TestSetSyncToMain_Toggle(t *testing.T) {
	h := newHarness(t, nil)
	a := h.register("board.md", nil, false)
	b := h.register("board.md", nil, true)

	if err := a.Put(shape("shape:off")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	a.SetSyncToMain(true)
	if !a.SyncToMain() {
		t.Fatal("SyncToMain() = false after enabling")
	}
	if err := a.Put(shape("shape:on")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	snap := b.Store().Snapshot()
	if _, ok := snap.Store["shape:off"]; ok {
		t.Error("edit made while sync was off was mirrored")
	}
	if _, ok := snap.Store["shape:on"]; !ok {
		t.Error("edit made after enabling sync was not mirrored")
	}
}

func TestRename(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a := h.register("old.md", nil, true)

	if err := h.manager.Rename("old.md", "archive/new.md"); err != nil {
		t.Fatalf("Rename() failed: %v", err)
	}
	if got := h.manager.Paths(); len(got) != 1 || got[0] != "archive/new.md" {
		t.Fatalf("Paths() = %v, want [archive/new.md]", got)
	}
	if a.Path() != "archive/new.md" {
		t.Errorf("Path() = %q after rename", a.Path())
	}
	if h.vault.Subscribed("old.md") || !h.vault.Subscribed("archive/new.md") {
		t.Error("watch was not moved to the new path")
	}

	// Opening the new path joins the renamed document.
	b, err := h.manager.Register(ctx, "archive/new.md", func(context.Context) (string, error) {
		return "", errors.New("should not read")
	}, nil, true)
	if err != nil {
		t.Fatalf("Register() after rename failed: %v", err)
	}
	if h.manager.Views("archive/new.md") != 2 {
		t.Errorf("Views() = %d, want 2", h.manager.Views("archive/new.md"))
	}

	if err := b.Put(shape("shape:moved")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	h.manager.Flush("archive/new.md")
	saved, err := h.vault.Read(ctx, "archive/new.md")
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if _, ok := parseText(t, saved).Store["shape:moved"]; !ok {
		t.Error("write after rename did not go to the new path")
	}

	if err := h.manager.Rename("missing.md", "x.md"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Rename() of a closed file = %v, want ErrNotOpen", err)
	}
}

type conflictFunc func(ctx context.Context, path string, doc format.Document) (*store.Snapshot, error)

func (f conflictFunc) CheckConflicting(ctx context.Context, path string, doc format.Document) (*store.Snapshot, error) {
	return f(ctx, path, doc)
}

func TestConflict_SidecarWins(t *testing.T) {
	winner := snapshotOf(shape("shape:sidecar"))
	calls := 0
	h := newHarness(t, conflictFunc(func(_ context.Context, path string, _ format.Document) (*store.Snapshot, error) {
		calls++
		if path != "board.md" {
			t.Errorf("conflict check for %q", path)
		}
		s := winner.Clone()
		return &s, nil
	}))

	rec := &textRecorder{}
	a := h.register("board.md", rec, true)
	h.register("board.md", nil, true)

	if calls != 1 {
		t.Errorf("conflict checked %d times, want once per new document", calls)
	}
	if !a.Store().Snapshot().Equal(winner) {
		t.Errorf("store = %v, want sidecar snapshot", a.Store().Snapshot().Store)
	}
	if !strings.Contains(rec.last(), "shape:sidecar") {
		t.Error("view text does not reflect the sidecar snapshot")
	}
	if h.count(EventConflictResolved) != 1 {
		t.Errorf("conflict_resolved events = %d, want 1", h.count(EventConflictResolved))
	}
}

func TestConflict_Errors(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantRetryable bool
		wantTerminal  bool
	}{
		{"user canceled", ErrResolveCanceled, true, false},
		{"view unloaded", ErrViewUnloaded, false, true},
		{"other failure", errors.New("sidecar unavailable"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, conflictFunc(func(context.Context, string, format.Document) (*store.Snapshot, error) {
				return nil, tt.err
			}))

			_, err := h.manager.Register(context.Background(), "board.md", nil, nil, true)
			if !errors.Is(err, tt.err) {
				t.Fatalf("Register() error = %v, want %v", err, tt.err)
			}
			if IsRetryable(err) != tt.wantRetryable || IsTerminal(err) != tt.wantTerminal {
				t.Errorf("IsRetryable = %t, IsTerminal = %t", IsRetryable(err), IsTerminal(err))
			}
			if len(h.manager.Paths()) != 0 || h.vault.Subscribed("board.md") {
				t.Error("failed registration left the document open")
			}
		})
	}
}

// A canceled check happens before the document opens, so the file is
// neither rewritten nor watched.
func TestConflict_CanceledLeavesFileUntouched(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, conflictFunc(func(context.Context, string, format.Document) (*store.Snapshot, error) {
		if calls.Add(1) == 1 {
			return nil, ErrResolveCanceled
		}
		return nil, nil
	}))
	ctx := context.Background()
	if err := h.vault.Write(ctx, "board.tldr", compactTldr); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	base := h.vault.Writes()

	if _, err := h.manager.Register(ctx, "board.tldr", nil, nil, true); !errors.Is(err, ErrResolveCanceled) {
		t.Fatalf("Register() error = %v, want ErrResolveCanceled", err)
	}
	if got := h.vault.Writes(); got != base {
		t.Errorf("Writes() = %d after a canceled check, want %d", got, base)
	}
	if saved, _ := h.vault.Read(ctx, "board.tldr"); saved != compactTldr {
		t.Errorf("file changed after a canceled check:\n%s", saved)
	}
	if h.count(EventOpened) != 0 || h.vault.Subscribed("board.tldr") {
		t.Error("canceled check opened the document")
	}

	// Asking again opens the file as it is.
	reg := h.register("board.tldr", nil, true)
	if _, ok := reg.Store().Snapshot().Store["shape:ext"]; !ok {
		t.Error("retried registration is missing shape:ext")
	}
	if got := h.vault.Writes(); got != base {
		t.Errorf("Writes() = %d after retrying, want %d", got, base)
	}
}

// Views opening a document during its conflict check wait for it instead
// of asking again.
func TestConflict_ConcurrentOpenChecksOnce(t *testing.T) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	var calls atomic.Int32
	h := newHarness(t, conflictFunc(func(context.Context, string, format.Document) (*store.Snapshot, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-proceed
		return nil, nil
	}))

	errs := make(chan error, 2)
	open := func() {
		_, err := h.manager.Register(context.Background(), "board.md", nil, nil, true)
		errs <- err
	}
	go open()
	<-started

	gone, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.manager.Register(gone, "board.md", nil, nil, true); !errors.Is(err, ErrViewUnloaded) {
		t.Errorf("Register() of a closed view = %v, want ErrViewUnloaded", err)
	}

	go open()
	close(proceed)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Register() failed: %v", err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("conflict checked %d times, want 1", got)
	}
	if h.manager.Views("board.md") != 2 {
		t.Errorf("Views() = %d, want 2", h.manager.Views("board.md"))
	}
}

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a.md", "a.md"},
		{"/a.md", "a.md"},
		{"dir//b.md", "dir/b.md"},
		{"dir/../c.md", "c.md"},
		{`win\style.md`, "win/style.md"},
		{"../escape.md", "escape.md"},
		{"./nested/./d.md", "nested/d.md"},
	}
	for _, tt := range tests {
		if got := CleanPath(tt.in); got != tt.want {
			t.Errorf("CleanPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestText(t *testing.T) {
	h := newHarness(t, nil)
	reg := h.register("board.md", nil, true)
	if err := reg.Put(shape("shape:a")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	text, err := h.manager.Text("board.md")
	if err != nil {
		t.Fatalf("Text() failed: %v", err)
	}
	if _, ok := parseText(t, text).Store["shape:a"]; !ok {
		t.Error("Text() is missing unsaved edits")
	}
	if _, err := h.manager.Text("other.md"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Text() of closed file = %v, want ErrNotOpen", err)
	}
}
