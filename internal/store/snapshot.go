package store

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Snapshot is a full point-in-time capture of a store.
type Snapshot struct {
	Store  map[string]Record `json:"store"`
	Schema map[string]any    `json:"schema,omitempty"`
}

// EmptySnapshot returns a snapshot with no records.
func EmptySnapshot() Snapshot {
	return Snapshot{Store: map[string]Record{}}
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Store: make(map[string]Record, len(s.Store))}
	for id, r := range s.Store {
		out.Store[id] = r.Clone()
	}
	if s.Schema != nil {
		out.Schema = deepCopy(s.Schema).(map[string]any)
	}
	return out
}

// Equal reports whether both snapshots hold the same records and schema.
// Nil and empty maps compare equal.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s.Store) != len(other.Store) {
		return false
	}
	for id, r := range s.Store {
		o, ok := other.Store[id]
		if !ok || !r.Equal(o) {
			return false
		}
	}
	if len(s.Schema) == 0 && len(other.Schema) == 0 {
		return true
	}
	return reflect.DeepEqual(s.Schema, other.Schema)
}

// Normalize returns a copy with every record and the schema round-tripped
// through JSON. Records are re-keyed by their own id.
func (s Snapshot) Normalize() (Snapshot, error) {
	out := Snapshot{Store: make(map[string]Record, len(s.Store))}
	for key, r := range s.Store {
		n, err := NormalizeRecord(r)
		if err != nil {
			return Snapshot{}, err
		}
		if n.ID() != key {
			return Snapshot{}, fmt.Errorf("%w: record keyed %q has id %q", ErrInvalidRecord, key, n.ID())
		}
		out.Store[key] = n
	}
	if len(s.Schema) > 0 {
		data, err := json.Marshal(s.Schema)
		if err != nil {
			return Snapshot{}, fmt.Errorf("failed to marshal schema: %w", err)
		}
		if err := json.Unmarshal(data, &out.Schema); err != nil {
			return Snapshot{}, fmt.Errorf("failed to unmarshal schema: %w", err)
		}
	}
	return out, nil
}
