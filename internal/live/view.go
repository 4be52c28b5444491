package live

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/drawvault/drawsync/internal/store"
	"github.com/drawvault/drawsync/internal/stores"
)

// client is one websocket view.
type client struct {
	conn *websocket.Conn
	path string
	send chan Message
	done chan struct{}

	// mu orders the snapshot frame before change frames.
	mu        sync.Mutex
	closeOnce sync.Once
}

// enqueue never blocks; a client that cannot keep up is disconnected.
func (c *client) enqueue(msg Message) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.close(websocket.StatusPolicyViolation, "client too slow")
	}
}

// close may be called from store listeners, so the close handshake runs in
// the background.
func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		go func() { _ = c.conn.Close(code, reason) }()
	})
}

// view is the store a client works on plus how its edits are applied.
type view struct {
	store   store.Store
	edit    func(store.Diff) error
	setSync func(bool)
	close   func()
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	path := query.Get("path")
	syncToMain := query.Get("sync") != "false"
	wantText, _ := strconv.ParseBool(query.Get("text"))

	s.sessions.Add(1)
	defer s.sessions.Done()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(16 << 20)

	c := &client{
		conn: conn,
		path: path,
		send: make(chan Message, s.config.SendBuffer),
		done: make(chan struct{}),
	}

	// ctx ends when the peer goes away, so a Register still waiting on a
	// conflict prompt for this view gives up.
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	frames := make(chan []byte, 16)
	var reader sync.WaitGroup
	reader.Add(1)
	go func() {
		defer reader.Done()
		defer close(frames)
		defer cancel()
		s.readFrames(ctx, c, frames)
	}()

	var onText func(string)
	if wantText {
		onText = func(text string) {
			if msg, err := newMessage(MessageTypeText, path, text); err == nil {
				c.enqueue(msg)
			}
		}
	}

	v, err := s.openView(ctx, path, onText, syncToMain)
	if err != nil {
		s.logger.Printf("Failed to open %q: %v", path, err)
		c.close(websocket.StatusInternalError, truncateReason(err.Error()))
		for range frames {
		}
		reader.Wait()
		return
	}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("View of %q connected (total: %d)", path, count)

	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		s.writeLoop(ctx, c)
	}()

	unlisten := v.store.Listen(func(entry store.ChangeEntry) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if msg, err := newMessage(MessageTypeChanges, path, entry.Changes); err == nil {
			c.enqueue(msg)
		}
	}, store.ListenOptions{Scope: store.ScopeDocument, Source: store.SourceRemote})

	c.mu.Lock()
	if msg, err := newMessage(MessageTypeSnapshot, path, v.store.Snapshot()); err == nil {
		c.enqueue(msg)
	}
	c.mu.Unlock()

	s.readLoop(c, v, frames)

	unlisten()
	c.close(websocket.StatusNormalClosure, "")
	writer.Wait()
	reader.Wait()

	s.clientsMu.Lock()
	delete(s.clients, c)
	count = len(s.clients)
	s.clientsMu.Unlock()

	v.close()
	s.logger.Printf("View of %q disconnected (total: %d)", path, count)
}

// openView resolves the store props of a connection: a registered file
// view, or a private scratch store when no path is given.
func (s *Server) openView(ctx context.Context, path string, onText func(string), syncToMain bool) (*view, error) {
	var props stores.StoreProps
	var v view

	if path == "" {
		scratch := store.NewMemStore()
		props = stores.Owned(scratch)
		v.edit = func(d store.Diff) error { return scratch.ApplyDiff(d, store.SourceUser) }
		v.setSync = func(bool) {}
		v.close = scratch.Dispose
	} else {
		reg, err := s.docs.Register(ctx, path, nil, onText, syncToMain)
		if err != nil {
			return nil, err
		}
		props = stores.External(reg)
		v.edit = reg.Edit
		v.setSync = reg.SetSyncToMain
		v.close = reg.Unregister
	}

	st, err := props.Resolve()
	if err != nil {
		v.close()
		return nil, err
	}
	v.store = st
	return &v, nil
}

func (s *Server) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// readFrames reads until the connection fails or closes.
func (s *Server) readFrames(ctx context.Context, c *client, frames chan<- []byte) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		select {
		case frames <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) readLoop(c *client, v *view, frames <-chan []byte) {
	for data := range frames {
		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError(c, fmt.Errorf("invalid frame: %w", err))
			continue
		}

		switch frame.Type {
		case ClientFrameChanges:
			if err := v.edit(frame.Changes); err != nil {
				s.sendError(c, err)
			}
		case ClientFrameSync:
			v.setSync(frame.Enabled)
		default:
			s.sendError(c, fmt.Errorf("unknown frame type %q", frame.Type))
		}
	}
}

func (s *Server) sendError(c *client, err error) {
	if msg, merr := newMessage(MessageTypeError, c.path, err.Error()); merr == nil {
		c.enqueue(msg)
	}
}

// truncateReason keeps a close reason within the websocket limit.
func truncateReason(s string) string {
	if len(s) > 120 {
		return s[:120]
	}
	return s
}
