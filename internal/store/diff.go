package store

// Source tells listeners where a change came from.
type Source string

const (
	SourceAll    Source = "all"
	SourceUser   Source = "user"
	SourceRemote Source = "remote"
)

// Update is the before and after value of a changed record.
type Update struct {
	From Record `json:"from"`
	To   Record `json:"to"`
}

// Diff is an incremental set of record changes keyed by record id.
type Diff struct {
	Added   map[string]Record `json:"added,omitempty"`
	Updated map[string]Update `json:"updated,omitempty"`
	Removed map[string]Record `json:"removed,omitempty"`
}

// ChangeEntry is a Diff plus its provenance.
type ChangeEntry struct {
	Changes Diff   `json:"changes"`
	Source  Source `json:"source"`
}

// IsEmpty reports whether the diff changes nothing.
func (d Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Len returns the number of records touched by the diff.
func (d Diff) Len() int {
	return len(d.Added) + len(d.Updated) + len(d.Removed)
}

// Filter returns a copy of the diff holding only records of the given scope.
// ScopeAll (or the empty scope) returns a copy of the whole diff.
func (d Diff) Filter(scope Scope) Diff {
	keep := func(r Record) bool {
		return scope == "" || scope == ScopeAll || r.Scope() == scope
	}

	var out Diff
	for id, r := range d.Added {
		if keep(r) {
			if out.Added == nil {
				out.Added = make(map[string]Record)
			}
			out.Added[id] = r
		}
	}
	for id, u := range d.Updated {
		if keep(u.To) {
			if out.Updated == nil {
				out.Updated = make(map[string]Update)
			}
			out.Updated[id] = u
		}
	}
	for id, r := range d.Removed {
		if keep(r) {
			if out.Removed == nil {
				out.Removed = make(map[string]Record)
			}
			out.Removed[id] = r
		}
	}
	return out
}

// Invert returns the diff that undoes d.
func (d Diff) Invert() Diff {
	var out Diff
	if len(d.Removed) > 0 {
		out.Added = make(map[string]Record, len(d.Removed))
		for id, r := range d.Removed {
			out.Added[id] = r
		}
	}
	if len(d.Added) > 0 {
		out.Removed = make(map[string]Record, len(d.Added))
		for id, r := range d.Added {
			out.Removed[id] = r
		}
	}
	if len(d.Updated) > 0 {
		out.Updated = make(map[string]Update, len(d.Updated))
		for id, u := range d.Updated {
			out.Updated[id] = Update{From: u.To, To: u.From}
		}
	}
	return out
}

// Clone returns a deep copy of the diff.
func (d Diff) Clone() Diff {
	var out Diff
	if d.Added != nil {
		out.Added = make(map[string]Record, len(d.Added))
		for id, r := range d.Added {
			out.Added[id] = r.Clone()
		}
	}
	if d.Updated != nil {
		out.Updated = make(map[string]Update, len(d.Updated))
		for id, u := range d.Updated {
			out.Updated[id] = Update{From: u.From.Clone(), To: u.To.Clone()}
		}
	}
	if d.Removed != nil {
		out.Removed = make(map[string]Record, len(d.Removed))
		for id, r := range d.Removed {
			out.Removed[id] = r.Clone()
		}
	}
	return out
}

// DiffRecords computes the diff that turns the from record set into to.
func DiffRecords(from, to map[string]Record) Diff {
	var out Diff
	for id, next := range to {
		prev, ok := from[id]
		switch {
		case !ok:
			if out.Added == nil {
				out.Added = make(map[string]Record)
			}
			out.Added[id] = next
		case !prev.Equal(next):
			if out.Updated == nil {
				out.Updated = make(map[string]Update)
			}
			out.Updated[id] = Update{From: prev, To: next}
		}
	}
	for id, prev := range from {
		if _, ok := to[id]; !ok {
			if out.Removed == nil {
				out.Removed = make(map[string]Record)
			}
			out.Removed[id] = prev
		}
	}
	return out
}
