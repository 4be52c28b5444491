package vault

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Config holds configuration for an FS vault.
type Config struct {
	// Filter selects which files are reported by the watcher and List.
	// nil accepts everything.
	Filter func(path string) bool

	// Logger for vault activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[vault] ", log.LstdFlags),
	}
}

// FS is a Storage backed by a directory on disk.
//
// Writes go through a hidden temporary file and a rename, so readers never
// see partial text. Changes are picked up by a Watcher once Start is called.
type FS struct {
	root   string
	config *Config

	mu      sync.Mutex
	subs    subscriptions
	watcher *Watcher
	wg      sync.WaitGroup
}

// NewFS creates a vault rooted at dir. The directory must exist.
func NewFS(dir string, config *Config) (*FS, error) {
	if dir == "" {
		return nil, fmt.Errorf("vault directory cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve vault directory: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault %s is not a directory", root)
	}

	return &FS{root: root, config: config}, nil
}

// Root returns the absolute vault directory.
func (v *FS) Root() string {
	return v.root
}

// Abs returns the absolute path of a vault path, refusing paths that
// escape the vault.
func (v *FS) Abs(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the vault", path)
	}
	return filepath.Join(v.root, clean), nil
}

// Rel converts an absolute path to a vault path.
func (v *FS) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(v.root, abs)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Read implements Storage.Read.
func (v *FS) Read(_ context.Context, path string) (string, error) {
	abs, err := v.Abs(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

// Write implements Storage.Write.
func (v *FS) Write(_ context.Context, path, text string) error {
	abs, err := v.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(abs)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(text); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// OnExternalChange implements Storage.OnExternalChange.
func (v *FS) OnExternalChange(path string, fn ChangeFunc) func() {
	v.mu.Lock()
	id := v.subs.add(path, fn)
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.subs.remove(path, id)
	}
}

// List returns every vault path accepted by the filter, sorted.
// Hidden directories are skipped.
func (v *FS) List() ([]string, error) {
	var out []string
	err := filepath.WalkDir(v.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if isHidden(d.Name()) && path != v.root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || (v.config.Filter != nil && !v.config.Filter(path)) {
			return nil
		}
		rel, err := v.Rel(path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list vault: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// Start watches the vault for changes until ctx is done or Close is called.
func (v *FS) Start(ctx context.Context) error {
	w, err := NewWatcher(v.config.Filter)
	if err != nil {
		return err
	}
	if err := w.Start(v.root); err != nil {
		_ = w.Stop()
		return err
	}

	v.mu.Lock()
	if v.watcher != nil {
		v.mu.Unlock()
		_ = w.Stop()
		return fmt.Errorf("vault already watching")
	}
	v.watcher = w
	v.mu.Unlock()

	v.config.Logger.Printf("Watching %s", v.root)

	v.wg.Add(1)
	go v.dispatch(ctx, w)
	return nil
}

// Close stops watching.
func (v *FS) Close() error {
	v.mu.Lock()
	w := v.watcher
	v.watcher = nil
	v.mu.Unlock()

	if w == nil {
		return nil
	}
	err := w.Stop()
	v.wg.Wait()
	return err
}

func (v *FS) dispatch(ctx context.Context, w *Watcher) {
	defer v.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.Events():
			if !ok {
				return
			}
			if event.Op == OpDelete {
				continue
			}
			v.notify(ctx, event.Path)

		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			v.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (v *FS) notify(ctx context.Context, abs string) {
	path, err := v.Rel(abs)
	if err != nil {
		return
	}

	v.mu.Lock()
	subs := v.subs.get(path)
	v.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	text, err := v.Read(ctx, path)
	if err != nil {
		v.config.Logger.Printf("Warning: failed to read changed file %s: %v", path, err)
		return
	}
	for _, fn := range subs {
		fn(text)
	}
}
