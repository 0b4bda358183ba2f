package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/mod/semver"

	"github.com/connectpng/roadmon/internal/envelope"
)

// ErrNotStarted is returned by Stop when Start was never called.
var ErrNotStarted = errors.New("relay not started")

// maxBodyBytes bounds a POSTed envelope.
const maxBodyBytes = 1 << 20

// Config holds relay configuration.
type Config struct {
	// Host to bind (default: all interfaces)
	Host string

	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// WriteTimeout bounds a single write to one client.
	WriteTimeout time.Duration

	// Logger for relay activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		WriteTimeout: 5 * time.Second,
		Logger:       log.New(os.Stderr, "[relay] ", log.LstdFlags),
	}
}

// Stats counts relay traffic since Start.
type Stats struct {
	Received  int64
	Rejected  int64
	Broadcast int64
	Dropped   int64
}

// frame is one validated envelope waiting for fan-out. from is the sending
// client, which does not get its own update back; nil for HTTP posts.
type frame struct {
	data []byte
	from *websocket.Conn
}

// Server accepts dashboard clients and rebroadcasts every update one client
// sends to all the others.
type Server struct {
	addr         string
	writeTimeout time.Duration
	listener     net.Listener
	server       *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan frame

	received atomic.Int64
	rejected atomic.Int64
	fanout   atomic.Int64
	dropped  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a relay. Use Start to begin listening.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:         net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		writeTimeout: config.WriteTimeout,
		clients:      make(map[*websocket.Conn]bool),
		broadcast:    make(chan frame, 256),
		ctx:          ctx,
		cancel:       cancel,
		logger:       config.Logger,
	}
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/realtime/sync", s.handleSync)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Relay listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop disconnects every client and shuts the server down.
func (s *Server) Stop() error {
	if s.server == nil {
		return ErrNotStarted
	}
	s.logger.Println("Stopping relay")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "relay shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down relay: %w", err)
	}

	s.wg.Wait()

	s.logger.Println("Relay stopped")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Stats returns a snapshot of traffic counters.
func (s *Server) Stats() Stats {
	return Stats{
		Received:  s.received.Load(),
		Rejected:  s.rejected.Load(),
		Broadcast: s.fanout.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// Publish validates env and broadcasts it to every client.
func (s *Server) Publish(env *envelope.UpdateEnvelope) error {
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	s.enqueue(frame{data: data})
	return nil
}

func (s *Server) enqueue(f frame) {
	select {
	case s.broadcast <- f:
	case <-s.ctx.Done():
	default:
		s.dropped.Add(1)
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case f := <-s.broadcast:
			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				if conn != f.from {
					clients = append(clients, conn)
				}
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
				err := conn.Write(ctx, websocket.MessageText, f.data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
					continue
				}
				s.fanout.Add(1)
			}
		}
	}
}

// checkVersion accepts a missing version or one with the relay's major.
func checkVersion(v string) error {
	if v == "" {
		return nil
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("invalid protocol version %q", v)
	}
	if semver.Major(v) != semver.Major(envelope.ProtocolVersion) {
		return fmt.Errorf("protocol version %s is incompatible with %s", v, envelope.ProtocolVersion)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := checkVersion(r.URL.Query().Get("v")); err != nil {
		http.Error(w, err.Error(), http.StatusUpgradeRequired)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	s.readLoop(conn)
}

// readLoop forwards every valid envelope the client sends until it
// disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		s.received.Add(1)

		env, err := envelope.Decode(data)
		if err != nil {
			s.rejected.Add(1)
			s.logger.Printf("Rejected client message: %v", err)
			continue
		}

		s.logger.Printf("Relaying %s", env)
		s.enqueue(frame{data: data, from: conn})
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleSync accepts one envelope replayed from a client's offline ledger.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusRequestEntityTooLarge)
		return
	}
	s.received.Add(1)

	env, err := envelope.Decode(body)
	if err != nil {
		s.rejected.Add(1)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	s.logger.Printf("Resync delivered %s", env)
	s.enqueue(frame{data: body})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "accepted",
		"id":     env.ID,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"clients":  s.ClientCount(),
		"protocol": envelope.ProtocolVersion,
	})
}
