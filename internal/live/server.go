// Package live serves open drawings to websocket clients.
//
// Each connection to /ws?path=<file> is one view of the file: it registers
// with the document manager, receives a snapshot frame and then a changes
// frame for every change made elsewhere, and may send its own changes.
// Connecting without a path opens a private scratch drawing that is never
// saved. /events streams document lifecycle events to any number of
// listeners.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/drawvault/drawsync/internal/documents"
)

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8787, 0 picks a free port)
	Port int

	// Host to bind (default: 127.0.0.1)
	Host string

	// SendBuffer is how many frames may wait for a slow client before it
	// is disconnected.
	SendBuffer int

	// Logger for server activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:       8787,
		Host:       "127.0.0.1",
		SendBuffer: 256,
		Logger:     log.New(os.Stderr, "[live] ", log.LstdFlags),
	}
}

// Server manages websocket views and event listeners.
type Server struct {
	docs     *documents.Manager
	config   *Config
	addr     string
	listener net.Listener
	server   *http.Server

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
	watchers  map[*websocket.Conn]struct{}

	broadcast   chan Message
	unsubscribe func()

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	sessions sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a server for documents managed by docs.
func NewServer(docs *documents.Manager, config *Config) *Server {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Host == "" {
		config.Host = defaults.Host
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaults.SendBuffer
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		docs:      docs,
		config:    config,
		addr:      net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		clients:   make(map[*client]struct{}),
		watchers:  make(map[*websocket.Conn]struct{}),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleView)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins serving.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.unsubscribe = s.docs.Subscribe(s.onEvent)

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Live server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop disconnects every client and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping live server")
	s.cancel()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	var shutdownErr error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.clientsMu.Lock()
	for c := range s.clients {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
	for conn := range s.watchers {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.watchers, conn)
	}
	s.clientsMu.Unlock()

	s.sessions.Wait()
	s.wg.Wait()
	s.logger.Println("Live server stopped")
	return shutdownErr
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected views.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Broadcast sends a message to every /events listener.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

func (s *Server) onEvent(ev documents.Event) {
	msg, err := newMessage(MessageTypeEvent, ev.Path, ev)
	if err != nil {
		s.logger.Printf("Failed to marshal event: %v", err)
		return
	}
	msg.Timestamp = ev.Time
	s.Broadcast(msg)
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.watchers))
			for conn := range s.watchers {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeWatcher(conn)
				}
			}
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.sessions.Add(1)
	defer s.sessions.Done()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.watchers[conn] = struct{}{}
	s.clientsMu.Unlock()

	// Nothing is expected from event listeners; read until they leave.
	defer s.removeWatcher(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeWatcher(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.watchers[conn]
	delete(s.watchers, conn)
	s.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clients, watchers := len(s.clients), len(s.watchers)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"clients":   clients,
		"listeners": watchers,
		"documents": s.docs.Paths(),
	})
}
