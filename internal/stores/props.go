package stores

import (
	"fmt"

	"github.com/drawvault/drawsync/internal/store"
)

// PropsKind tags where a view's store comes from.
type PropsKind int

const (
	// PropsOwned means the view owns a standalone store that is not synced.
	PropsOwned PropsKind = iota
	// PropsExternal means the store is handed out by a registration.
	PropsExternal
)

func (k PropsKind) String() string {
	switch k {
	case PropsOwned:
		return "owned"
	case PropsExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Handle is anything that hands out a store, such as a document registration.
type Handle interface {
	Store() store.Store
}

// StoreProps is the store a view is given, resolved once at the boundary.
type StoreProps struct {
	Kind   PropsKind
	store  store.Store
	handle Handle
}

// Owned wraps a standalone store.
func Owned(s store.Store) StoreProps {
	return StoreProps{Kind: PropsOwned, store: s}
}

// External wraps a store handle.
func External(h Handle) StoreProps {
	return StoreProps{Kind: PropsExternal, handle: h}
}

// Resolve returns the store behind the props.
func (p StoreProps) Resolve() (store.Store, error) {
	var s store.Store
	switch p.Kind {
	case PropsOwned:
		s = p.store
	case PropsExternal:
		if p.handle != nil {
			s = p.handle.Store()
		}
	default:
		return nil, fmt.Errorf("unknown store props kind %d", p.Kind)
	}
	if s == nil {
		return nil, fmt.Errorf("%w for %s props", ErrNoStore, p.Kind)
	}
	return s, nil
}
