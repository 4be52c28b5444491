// Package stores keeps several open views of one document in sync.
//
// Every view registers an Instance. Instances that share a document identity
// belong to one Group, which holds the authoritative main store:
//
//	Manager
//	  └── Group "notes/sketch.md"
//	        ├── main store   (persisted)
//	        ├── Instance A   (editor, syncing)
//	        └── Instance B   (preview, not syncing)
//
// # Registration
//
// The first RegisterInstance call for a shared id builds the main store with
// RegisterOptions.CreateMain, runs the Init hook and attaches a debounced
// Persist listener to the main store. Later calls join the existing group.
// Every instance starts from its own snapshot clone of the main store.
//
// # Mirroring
//
// A syncing instance listens to its own store for user-originated,
// document-scoped changes. Each such change is applied to the main store and
// then to every other instance with SourceRemote, so receivers never echo it
// back and the originator never sees it twice. A failure on one sibling does
// not stop the others; the failed sibling is reloaded from the main snapshot.
//
// Instance.Edit serializes edits across the whole group. Direct writes to an
// instance store are mirrored too but carry no ordering guarantee against
// concurrent writers on other instances.
//
// # Teardown
//
// Instance.Dispose turns sync off before leaving the group. When the last
// instance leaves, pending persistence is flushed, the group is removed from
// the manager and the main store is disposed exactly once.
package stores
