package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Record is a single document record. Every record has a string "id" and
// usually a "typeName". Values are JSON-compatible.
type Record map[string]any

// Scope classifies records by how they are persisted and shared.
type Scope string

const (
	ScopeAll      Scope = "all"
	ScopeDocument Scope = "document"
	ScopeSession  Scope = "session"
	ScopePresence Scope = "presence"
)

var sessionTypes = map[string]bool{
	"instance":            true,
	"camera":              true,
	"instance_page_state": true,
	"pointer":             true,
}

// ID returns the record id, or "" if missing.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// TypeName returns the record type. Records without a typeName fall back to
// the id prefix before the first colon ("shape:abc" -> "shape").
func (r Record) TypeName() string {
	if t, ok := r["typeName"].(string); ok && t != "" {
		return t
	}
	id := r.ID()
	if i := strings.IndexByte(id, ':'); i > 0 {
		return id[:i]
	}
	return ""
}

// Scope returns the scope of the record based on its type.
func (r Record) Scope() Scope {
	t := r.TypeName()
	switch {
	case t == "instance_presence":
		return ScopePresence
	case sessionTypes[t]:
		return ScopeSession
	default:
		return ScopeDocument
	}
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return deepCopy(map[string]any(r)).(map[string]any)
}

// Equal reports whether two records hold the same values.
func (r Record) Equal(other Record) bool {
	return reflect.DeepEqual(map[string]any(r), map[string]any(other))
}

// NormalizeRecord round-trips the record through JSON so that numbers become
// float64 and nested values become plain maps and slices. All records held by
// a MemStore are normalized.
func NormalizeRecord(r Record) (Record, error) {
	if r.ID() == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, r.ID(), err)
	}
	var out Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, r.ID(), err)
	}
	return out, nil
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case Record:
		return deepCopy(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
