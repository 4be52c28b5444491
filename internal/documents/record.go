package documents

import (
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/drawvault/drawsync/internal/format"
	"github.com/drawvault/drawsync/internal/stores"
)

// fileRecord is the per-file state shared by all views of one document.
// It is the Meta of the document's store group.
type fileRecord struct {
	// persistMu serializes persist runs for the file.
	persistMu sync.Mutex

	mu        sync.Mutex
	path      string
	codec     format.Codec
	meta      format.Meta
	lastKnown string
	pending   string
	// loaded is the serialized form of the text last read from the file.
	// The file already holds that content, so it is not written back.
	loaded string
	failed bool
	closed bool
	// notifying is set while persist runs view callbacks. A persist
	// requested meanwhile sets again and the running one repeats.
	notifying bool
	again     bool
	listeners map[string]func(text string)
	unwatch   func()
	retry     clockwork.Timer
	group     *stores.Group[*fileRecord]
}

func newFileRecord(path string, codec format.Codec, text, loaded string, meta format.Meta) *fileRecord {
	return &fileRecord{
		path:      path,
		codec:     codec,
		meta:      meta,
		lastKnown: text,
		loaded:    loaded,
		listeners: make(map[string]func(string)),
	}
}

// Path returns the current vault path of the file.
func (r *fileRecord) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

func (r *fileRecord) addListener(id string, fn func(string)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[id] = fn
}

func (r *fileRecord) removeListener(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, id)
}

// listenersLocked returns the callbacks in instance id order.
func (r *fileRecord) listenersLocked() []func(string) {
	ids := make([]string, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]func(string), 0, len(ids))
	for _, id := range ids {
		out = append(out, r.listeners[id])
	}
	return out
}

func notify(fns []func(string), text string) {
	for _, fn := range fns {
		fn(text)
	}
}
