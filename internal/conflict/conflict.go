// Package conflict decides between a drawing file and a copy of the same
// document kept in the sidecar database.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/drawvault/drawsync/internal/format"
	"github.com/drawvault/drawsync/internal/sidecar"
	"github.com/drawvault/drawsync/internal/store"
)

// Choice is which version of a document wins.
type Choice int

const (
	// KeepFile keeps the contents of the vault file.
	KeepFile Choice = iota
	// KeepSidecar replaces the file contents with the sidecar copy.
	KeepSidecar
)

// String returns the config spelling of the choice.
func (c Choice) String() string {
	switch c {
	case KeepFile:
		return "file"
	case KeepSidecar:
		return "sidecar"
	default:
		return "unknown"
	}
}

// ParseChoice parses "file" or "sidecar".
func ParseChoice(s string) (Choice, error) {
	switch s {
	case "file":
		return KeepFile, nil
	case "sidecar":
		return KeepSidecar, nil
	default:
		return KeepFile, fmt.Errorf("unknown conflict choice %q (want file or sidecar)", s)
	}
}

// Candidate is a document with two diverging versions.
type Candidate struct {
	UUID string
	// Path is the vault path of the file, if known.
	Path string

	File    store.Snapshot
	Sidecar store.Snapshot

	SidecarUpdated time.Time
}

// Chooser picks the winning version of a conflicting document.
type Chooser interface {
	Choose(ctx context.Context, c Candidate) (Choice, error)
}

// Sidecar is the part of sidecar.Store the resolver uses.
type Sidecar interface {
	Get(ctx context.Context, uuid string) (*sidecar.Entry, error)
	Delete(ctx context.Context, uuid string) error
}

// Config holds configuration for a Resolver.
type Config struct {
	// Logger for resolver activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[conflict] ", log.LstdFlags),
	}
}

// Resolver checks newly opened documents against the sidecar.
type Resolver struct {
	sidecar Sidecar
	chooser Chooser
	config  *Config
}

// NewResolver creates a Resolver.
func NewResolver(sc Sidecar, chooser Chooser, config *Config) *Resolver {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	return &Resolver{sidecar: sc, chooser: chooser, config: config}
}

// CheckConflicting looks for a sidecar copy of doc.
//
// It returns nil when the file wins or nothing conflicts, and the sidecar
// snapshot when the sidecar copy wins. Once a choice is made the sidecar
// copy is deleted so the question is not asked again.
//
// Errors wrap ErrResolveCanceled when the user declined to choose and
// ErrViewUnloaded when ctx ended first.
func (r *Resolver) CheckConflicting(ctx context.Context, path string, doc format.Document) (*store.Snapshot, error) {
	if r == nil || r.sidecar == nil || doc.Meta.UUID == "" {
		return nil, nil
	}
	uuid := doc.Meta.UUID

	entry, err := r.sidecar.Get(ctx, uuid)
	if errors.Is(err, sidecar.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrViewUnloaded, ctx.Err())
		}
		return nil, fmt.Errorf("failed to check sidecar for %s: %w", uuid, err)
	}

	if entry.Snapshot.Equal(doc.Snapshot) {
		r.discard(ctx, uuid)
		return nil, nil
	}

	if r.chooser == nil {
		return nil, fmt.Errorf("%w: no chooser for conflicting document %s", ErrResolveCanceled, uuid)
	}

	choice, err := r.chooser.Choose(ctx, Candidate{
		UUID:           uuid,
		Path:           path,
		File:           doc.Snapshot,
		Sidecar:        entry.Snapshot,
		SidecarUpdated: entry.UpdatedAt,
	})
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrViewUnloaded) {
			return nil, fmt.Errorf("%w: %v", ErrViewUnloaded, ctx.Err())
		}
		return nil, err
	}

	r.config.Logger.Printf("Resolved %s in favor of %s", uuid, choice)
	r.discard(ctx, uuid)

	if choice == KeepSidecar {
		snap := entry.Snapshot
		return &snap, nil
	}
	return nil, nil
}

func (r *Resolver) discard(ctx context.Context, uuid string) {
	if err := r.sidecar.Delete(ctx, uuid); err != nil {
		r.config.Logger.Printf("Warning: failed to delete sidecar copy of %s: %v", uuid, err)
	}
}
