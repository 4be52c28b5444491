package format

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/drawvault/drawsync/internal/store"
)

// TldrFileFormatVersion is written into .tldr files.
const TldrFileFormatVersion = 1

// Tldr reads and writes the editor's native .tldr JSON files. The format has
// no room for a UUID, so parsed documents get a fresh one each time.
type Tldr struct{}

type tldrFile struct {
	FileFormatVersion int            `json:"tldrawFileFormatVersion"`
	Schema            map[string]any `json:"schema"`
	Records           []store.Record `json:"records"`
}

// Name implements Codec.Name.
func (Tldr) Name() string { return "tldr" }

// Parse implements Codec.Parse.
func (Tldr) Parse(text string) (Document, error) {
	if strings.TrimSpace(text) == "" {
		return NewDocument(), nil
	}

	var file tldrFile
	if err := json.Unmarshal([]byte(text), &file); err != nil {
		return Document{}, parseError("tldr: %v", err)
	}
	if file.FileFormatVersion < 1 {
		return Document{}, parseError("tldr: missing tldrawFileFormatVersion")
	}

	snap := store.Snapshot{Store: make(map[string]store.Record, len(file.Records)), Schema: file.Schema}
	for _, r := range file.Records {
		id := r.ID()
		if id == "" {
			return Document{}, parseError("tldr: record without id")
		}
		if _, dup := snap.Store[id]; dup {
			return Document{}, parseError("tldr: duplicate record %s", id)
		}
		snap.Store[id] = r
	}
	norm, err := snap.Normalize()
	if err != nil {
		return Document{}, parseError("tldr: %v", err)
	}

	doc := NewDocument()
	doc.Snapshot = norm
	return doc, nil
}

// Serialize implements Codec.Serialize. Records are written sorted by id.
func (Tldr) Serialize(_ Meta, snap store.Snapshot) (string, error) {
	ids := make([]string, 0, len(snap.Store))
	for id := range snap.Store {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	file := tldrFile{
		FileFormatVersion: TldrFileFormatVersion,
		Schema:            snap.Schema,
		Records:           make([]store.Record, 0, len(ids)),
	}
	if file.Schema == nil {
		file.Schema = map[string]any{}
	}
	for _, id := range ids {
		file.Records = append(file.Records, snap.Store[id])
	}

	data, err := json.MarshalIndent(file, "", "\t")
	if err != nil {
		return "", err
	}
	return string(data) + "\n", nil
}
