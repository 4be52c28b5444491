// Package loadtest drives many concurrent views of one drawing.
//
// Each simulated view registers with a documents.Manager and adds shapes as
// fast as it can. The harness records how long every edit takes to apply,
// then checks that all views and the written file hold the same records.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/drawvault/drawsync/internal/documents"
	"github.com/drawvault/drawsync/internal/format"
	"github.com/drawvault/drawsync/internal/store"
	"github.com/drawvault/drawsync/internal/vault"
)

// Options configures a Harness.
type Options struct {
	// Path is the drawing all views open (default: "loadtest.tldr").
	Path string

	// Views is the number of concurrent views.
	Views int

	// Storage is the vault to write to. Nil uses an in-memory vault.
	Storage vault.Storage

	// PersistWait is the quiet period before writes (default: 20ms).
	PersistWait time.Duration

	// Seed makes shape positions reproducible.
	Seed int64

	// Logger for the document manager. Nil discards.
	Logger *log.Logger
}

// Harness holds a document manager and the views registered with it.
type Harness struct {
	Docs    *documents.Manager
	Storage vault.Storage
	Path    string
	Views   []*documents.Registration

	seed int64
}

// LatencyStats captures edit latency from a run.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration // Median
	P95        time.Duration
	P99        time.Duration
	TotalEdits int
	Errors     int
	Elapsed    time.Duration
	Durations  []time.Duration
}

// NewHarness opens opts.Views views of one drawing.
func NewHarness(ctx context.Context, opts Options) (*Harness, error) {
	if opts.Views <= 0 {
		return nil, fmt.Errorf("views must be positive, got %d", opts.Views)
	}
	if opts.Path == "" {
		opts.Path = "loadtest.tldr"
	}
	if opts.Storage == nil {
		opts.Storage = vault.NewMemory()
	}
	if opts.PersistWait <= 0 {
		opts.PersistWait = 20 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	docs, err := documents.NewManager(&documents.Config{
		Storage:     opts.Storage,
		PersistWait: opts.PersistWait,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create document manager: %w", err)
	}

	h := &Harness{
		Docs:    docs,
		Storage: opts.Storage,
		Path:    documents.CleanPath(opts.Path),
		Views:   make([]*documents.Registration, 0, opts.Views),
		seed:    opts.Seed,
	}
	for i := 0; i < opts.Views; i++ {
		reg, err := docs.Register(ctx, h.Path, nil, nil, true)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("failed to open view %d: %w", i, err)
		}
		h.Views = append(h.Views, reg)
	}
	return h, nil
}

// Close unregisters every view and closes the manager.
func (h *Harness) Close() {
	for _, reg := range h.Views {
		reg.Unregister()
	}
	h.Views = nil
	h.Docs.Close()
}

// RunConcurrentEdits has every view add editsPerView shapes concurrently.
func (h *Harness) RunConcurrentEdits(editsPerView int) (*LatencyStats, error) {
	if editsPerView <= 0 {
		return nil, fmt.Errorf("edits per view must be positive, got %d", editsPerView)
	}

	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, len(h.Views))
	errorsChan := make(chan error, len(h.Views))

	start := time.Now()
	for i, reg := range h.Views {
		wg.Add(1)
		go func(viewID int, reg *documents.Registration) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(h.seed + int64(viewID)))
			durations := make([]time.Duration, 0, editsPerView)
			for j := 0; j < editsPerView; j++ {
				shape := newShape(viewID, j, rng)

				editStart := time.Now()
				err := reg.Put(shape)
				durations = append(durations, time.Since(editStart))

				if err != nil {
					errorsChan <- fmt.Errorf("view %d edit %d failed: %w", viewID, j, err)
					break
				}
			}
			resultsChan <- durations
		}(i, reg)
	}

	wg.Wait()
	elapsed := time.Since(start)
	close(resultsChan)
	close(errorsChan)

	var firstErr error
	errorCount := 0
	for err := range errorsChan {
		errorCount++
		if firstErr == nil {
			firstErr = err
		}
	}

	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no edits completed: %w", firstErr)
	}

	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	stats.Elapsed = elapsed
	return stats, nil
}

// VerifyConvergence writes pending changes and checks that every view and
// the file hold the same document. A write already running on the persist
// timer may finish after Flush returns, so the file is polled until timeout.
func (h *Harness) VerifyConvergence(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		h.Docs.Flush(h.Path)
		err := h.checkConvergence(ctx)
		if err == nil || time.Now().After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (h *Harness) checkConvergence(ctx context.Context) error {
	text, err := h.Storage.Read(ctx, h.Path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", h.Path, err)
	}
	codec, err := format.ForPath(h.Path)
	if err != nil {
		return err
	}
	doc, err := codec.Parse(text)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", h.Path, err)
	}
	want := documentRecords(doc.Snapshot)

	for i, reg := range h.Views {
		got := documentRecords(reg.Store().Snapshot())
		if !got.Equal(want) {
			return fmt.Errorf("view %d has %d records, file has %d", i, len(got.Store), len(want.Store))
		}
	}
	return nil
}

// GetStats describes the current document.
func (h *Harness) GetStats() map[string]interface{} {
	records := 0
	if len(h.Views) > 0 {
		records = len(h.Views[0].Store().Snapshot().Store)
	}
	return map[string]interface{}{
		"path":    h.Path,
		"views":   h.Docs.Views(h.Path),
		"records": records,
	}
}

func newShape(viewID, n int, rng *rand.Rand) store.Record {
	return store.Record{
		"id":       fmt.Sprintf("shape:v%03d-%05d", viewID, n),
		"typeName": "shape",
		"type":     "geo",
		"x":        float64(rng.Intn(2000)),
		"y":        float64(rng.Intn(2000)),
		"props":    map[string]any{"w": 100.0, "h": 100.0, "geo": "rectangle"},
	}
}

func documentRecords(snap store.Snapshot) store.Snapshot {
	out := store.Snapshot{Store: make(map[string]store.Record)}
	for id, r := range snap.Store {
		if r.Scope() == store.ScopeDocument {
			out.Store[id] = r
		}
	}
	return out
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		TotalEdits: len(durations),
		Durations:  sorted,
	}
}

// PrintStats formats latency statistics.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Edit Latency:\n")
	fmt.Fprintf(w, "  Total Edits:   %d\n", s.TotalEdits)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Elapsed:       %v\n", s.Elapsed)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
