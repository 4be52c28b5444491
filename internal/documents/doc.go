// Package documents connects drawing files in a vault to shared store groups.
//
// A view calls Manager.Register for a file. The first view of a file reads
// and parses it and checks the sidecar for a conflicting copy before the
// group exists, so a declined check leaves no trace. Views that arrive
// during the check wait for it. Later views join the group and get the
// current text right away through their onUpdatedData callback.
//
// # Persistence
//
// Document changes to the main store are persisted through a debounced
// hook. The hook serializes the main snapshot and skips the write if the
// text is what the file already holds, either verbatim or as our own
// serialization of the text last read from it. Otherwise the text is handed to
// every registered view first and then written. While the write is in
// flight the text is remembered as pending, so the storage's report of our
// own write is not taken for an external edit. Only a confirmed write
// becomes the last known text; a failed one is retried.
//
// # External changes
//
// Any other reported text wins entirely: it is parsed and loaded into the
// main store and every instance as a snapshot, not merged.
package documents
