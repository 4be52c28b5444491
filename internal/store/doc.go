// Package store provides the observable document store that drawing views edit.
//
// A document is a flat set of records keyed by id. Each record carries a
// typeName which decides its scope:
//
//   - document: shapes, pages, bindings, assets and everything persisted
//   - session: per-view state such as the camera or the current page
//   - presence: collaborator cursors and selections
//
// Stores emit a ChangeEntry for every effective mutation. A ChangeEntry holds
// the Diff that was applied and its Source: SourceUser for edits made through
// the store directly, SourceRemote for replayed or reloaded changes.
//
// # Listening
//
// Listeners can be filtered by scope and by source:
//
//	unlisten := s.Listen(func(entry store.ChangeEntry) {
//	    fmt.Println(len(entry.Changes.Added), "records added")
//	}, store.ListenOptions{Scope: store.ScopeDocument, Source: store.SourceUser})
//	defer unlisten()
//
// The Diff delivered to a scoped listener only contains records of that scope.
// Entries that become empty after filtering are not delivered.
//
// # Thread Safety
//
// MemStore is safe for concurrent use. Listeners are invoked after the store
// lock is released, in registration order, so a listener may read from or
// write to any store, including the one that notified it.
package store
