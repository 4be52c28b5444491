// Package format converts drawing files to document snapshots and back.
//
// Two on-disk formats are supported:
//
//   - Markdown (.md): YAML front matter, free markdown, and a fenced JSON
//     data block hidden inside %% comments
//   - Tldr (.tldr): the editor's native JSON file
//
// Both codecs treat an empty file as a brand-new, empty drawing. Anything
// else that cannot be decoded fails with ErrParse.
package format

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/drawvault/drawsync/internal/store"
)

// Versions written into new files.
const (
	PluginVersion = "0.4.0"
	EditorVersion = "3.14.2"
)

var (
	// ErrParse is returned for malformed persisted text.
	ErrParse = errors.New("malformed drawing file")

	// ErrUnsupported is returned for files no codec handles.
	ErrUnsupported = errors.New("unsupported drawing file")
)

// Meta is everything in a drawing file besides the snapshot.
type Meta struct {
	// UUID identifies the drawing across renames and side-channel storage.
	UUID string

	PluginVersion string
	EditorVersion string

	// Frontmatter is the YAML header of markdown files, nil for new files.
	Frontmatter *yaml.Node

	// Body is the markdown between the front matter and the data block.
	Body string
}

// Document is a parsed drawing file.
type Document struct {
	Meta     Meta
	Snapshot store.Snapshot
}

// Codec is a parse/serialize pair for one file format.
type Codec interface {
	// Name returns a short format name.
	Name() string

	// Parse decodes file text. Empty text yields NewDocument().
	Parse(text string) (Document, error)

	// Serialize encodes the snapshot with the given metadata.
	Serialize(meta Meta, snap store.Snapshot) (string, error)
}

// NewDocument returns an empty drawing with a fresh UUID.
func NewDocument() Document {
	return Document{
		Meta: Meta{
			UUID:          uuid.NewString(),
			PluginVersion: PluginVersion,
			EditorVersion: EditorVersion,
		},
		Snapshot: store.EmptySnapshot(),
	}
}

// ForPath returns the codec for a file, chosen by extension.
func ForPath(path string) (Codec, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md":
		return Markdown{}, nil
	case ".tldr":
		return Tldr{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, path)
	}
}

// IsDrawing reports whether a path has a supported extension.
func IsDrawing(path string) bool {
	_, err := ForPath(path)
	return err == nil
}

func parseError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}
