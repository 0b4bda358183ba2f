package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/connectpng/roadmon/internal/cache"
	"github.com/connectpng/roadmon/internal/envelope"
	"github.com/connectpng/roadmon/internal/ledger"
	"github.com/connectpng/roadmon/internal/notify"
)

// ErrAlreadyStarted is returned by Start when the service is running or was
// stopped. A Service is started at most once.
var ErrAlreadyStarted = errors.New("service already started")

// Config holds configuration for the realtime service.
type Config struct {
	// Endpoints are the relay WebSocket URLs. One connection is kept per
	// endpoint. With no endpoints the service runs purely locally.
	Endpoints []string

	// Reconnect decides the delay before each reconnect attempt.
	Reconnect Backoff

	// ResyncInterval is how often the offline ledger is replayed.
	// Zero disables the periodic resync.
	ResyncInterval time.Duration

	// WriteTimeout bounds a single write to one connection.
	WriteTimeout time.Duration

	// Dialer opens connections (default: WebSocketDialer).
	Dialer Dialer

	// Deliverer replays ledger entries (nil disables resync).
	Deliverer ledger.Deliverer

	// Notifier raises user-facing notifications (optional).
	Notifier notify.Notifier

	// Logger for service activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Reconnect:      FixedBackoff(3 * time.Second),
		ResyncInterval: 30 * time.Second,
		WriteTimeout:   5 * time.Second,
		Dialer:         &WebSocketDialer{},
		Logger:         log.New(os.Stderr, "[realtime] ", log.LstdFlags),
	}
}

// State is a snapshot of connectivity.
type State struct {
	Connected         bool
	ActiveConnections int
	Queued            int
	Reconnects        int
}

type connection struct {
	endpoint string
	conn     Conn
}

// Service keeps the local cache in step with the relay.
//
// Outgoing updates are written to every live connection, or held in an
// in-memory queue while disconnected and flushed in order on reconnect.
// Every sent update is applied to the local cache straight away, before
// the relay has seen it. Incoming updates are applied the same way.
// Subscribers are notified of every applied update.
type Service struct {
	config   *Config
	cache    *cache.Cache
	ledger   *ledger.Ledger
	registry *Registry
	logger   *log.Logger

	// sendMu serializes the outbound path so queue order is send order.
	sendMu sync.Mutex

	mu         sync.Mutex
	conns      map[*connection]struct{}
	queue      []*envelope.UpdateEnvelope
	reconnects int
	started    bool
	stopped    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Service. The cache is required; the ledger may be nil, in
// which case undeliverable updates are only logged.
//
// Use Start() to begin connecting.
func New(c *cache.Cache, l *ledger.Ledger, config *Config) (*Service, error) {
	if c == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Dialer == nil {
		config.Dialer = defaults.Dialer
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.Reconnect.Delay <= 0 {
		config.Reconnect.Delay = defaults.Reconnect.Delay
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		config:   config,
		cache:    c,
		ledger:   l,
		registry: NewRegistry(config.Logger),
		logger:   config.Logger,
		conns:    make(map[*connection]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Cache returns the local cache the service applies updates to.
func (s *Service) Cache() *cache.Cache {
	return s.cache
}

// Subscribe registers fn for every applied update.
func (s *Service) Subscribe(fn Subscriber) (unsubscribe func()) {
	return s.registry.Subscribe(fn)
}

// Start connects to every configured endpoint and arms the periodic ledger
// resync. It returns immediately; connection failures are retried in the
// background and never reported to the caller.
//
// With no endpoints configured Start does nothing and the service works
// purely locally.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if len(s.config.Endpoints) == 0 {
		s.logger.Println("No relay endpoint configured; running offline")
		return nil
	}

	// Stop the service when the parent context ends.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()

	for _, endpoint := range s.config.Endpoints {
		s.wg.Add(1)
		go s.runEndpoint(endpoint)
	}

	if s.config.Deliverer != nil && s.ledger != nil && s.config.ResyncInterval > 0 {
		s.wg.Add(1)
		go s.resyncLoop()
	}

	s.logger.Printf("Started with %d endpoint(s)", len(s.config.Endpoints))
	return nil
}

// Stop closes every connection and waits for background work to finish.
// Updates still waiting in the outbound queue are moved to the offline
// ledger so they survive a restart.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.logger.Println("Stopping realtime service")
	s.cancel()

	for _, c := range s.activeConns() {
		_ = c.conn.Close("client shutting down")
	}

	s.wg.Wait()

	s.sendMu.Lock()
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()
	s.sendMu.Unlock()

	for _, env := range pending {
		s.recordOffline(context.Background(), env)
	}
	if len(pending) > 0 {
		s.logger.Printf("Moved %d queued update(s) to the offline ledger", len(pending))
	}

	s.logger.Println("Realtime service stopped")
	return nil
}

// State returns a connectivity snapshot.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return State{
		Connected:         len(s.conns) > 0,
		ActiveConnections: len(s.conns),
		Queued:            len(s.queue),
		Reconnects:        s.reconnects,
	}
}

// Queued returns a copy of the outbound queue, oldest first.
func (s *Service) Queued() []*envelope.UpdateEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*envelope.UpdateEnvelope, len(s.queue))
	copy(out, s.queue)
	return out
}

// Send delivers env to every live connection, or queues it while
// disconnected, and then applies it locally. Transport and storage
// failures are logged, never returned; only an invalid envelope is an
// error.
func (s *Service) Send(ctx context.Context, env *envelope.UpdateEnvelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("cannot send invalid envelope: %w", err)
	}

	s.sendMu.Lock()
	s.deliver(ctx, env)
	s.sendMu.Unlock()

	s.Apply(ctx, env)
	return nil
}

// Apply mutates the local cache with env and notifies subscribers and the
// notifier. A failed cache write is logged; subscribers are still notified.
// An invalid envelope is logged and dropped.
func (s *Service) Apply(ctx context.Context, env *envelope.UpdateEnvelope) {
	if env == nil {
		return
	}
	if err := env.Validate(); err != nil {
		s.logger.Printf("Dropping invalid update: %v", err)
		return
	}

	if res, err := s.cache.Apply(ctx, env); err != nil {
		s.logger.Printf("Failed to update local cache: %v", err)
	} else if !res.Changed {
		s.logger.Printf("No cached entry matched %s", env)
	}

	s.registry.Notify(env)

	if s.config.Notifier != nil {
		if err := s.config.Notifier.Notify(env); err != nil {
			s.logger.Printf("Failed to show notification: %v", err)
		}
	}
}

// RecordOffline appends env to the offline ledger for the next resync.
func (s *Service) RecordOffline(ctx context.Context, env *envelope.UpdateEnvelope) error {
	if s.ledger == nil {
		return fmt.Errorf("no offline ledger configured")
	}
	return s.ledger.Record(ctx, env)
}

// ResyncNow replays the offline ledger once.
func (s *Service) ResyncNow(ctx context.Context) (ledger.Report, error) {
	if s.ledger == nil || s.config.Deliverer == nil {
		return ledger.Report{}, nil
	}
	return s.ledger.Resync(ctx, s.config.Deliverer)
}

// deliver writes env to every live connection. Callers hold sendMu.
func (s *Service) deliver(ctx context.Context, env *envelope.UpdateEnvelope) {
	conns := s.activeConns()
	if len(conns) == 0 {
		s.mu.Lock()
		stopped := s.stopped
		if !stopped {
			s.queue = append(s.queue, env)
		}
		s.mu.Unlock()

		if stopped {
			s.recordOffline(ctx, env)
			return
		}
		s.logger.Printf("Queued %s until reconnect", env)
		return
	}

	data, err := envelope.Encode(env)
	if err != nil {
		s.logger.Printf("Failed to serialize %s: %v", env, err)
		return
	}

	delivered := 0
	for _, c := range conns {
		wctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
		err := c.conn.Write(wctx, data)
		cancel()

		if err != nil {
			s.logger.Printf("Failed to send to %s: %v", c.endpoint, err)
			s.dropConn(c)
			continue
		}
		delivered++
	}

	if delivered == 0 {
		s.recordOffline(ctx, env)
	}
}

func (s *Service) recordOffline(ctx context.Context, env *envelope.UpdateEnvelope) {
	if s.ledger == nil {
		s.logger.Printf("WARNING: Dropping undeliverable %s (no offline ledger)", env)
		return
	}
	if err := s.ledger.Record(ctx, env); err != nil {
		s.logger.Printf("Failed to record %s offline: %v", env, err)
	}
}

// connectAndFlush makes c live and re-delivers the queue before any other
// Send can reach c.
func (s *Service) connectAndFlush(c *connection) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.addConn(c)
	s.flushQueue()
}

// flushQueue re-delivers queued envelopes oldest first. They were already
// applied locally when sent, so they are not applied again. Callers hold
// sendMu.
func (s *Service) flushQueue() {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	s.logger.Printf("Flushing %d queued update(s)", len(pending))
	for _, env := range pending {
		s.deliver(s.ctx, env)
	}
}

// runEndpoint keeps one connection to endpoint alive until shutdown.
func (s *Service) runEndpoint(endpoint string) {
	defer s.wg.Done()

	attempt := 0
	for {
		if s.ctx.Err() != nil {
			return
		}

		conn, err := s.config.Dialer.Dial(s.ctx, endpoint)
		if err != nil {
			s.logger.Printf("Connection to %s failed: %v", endpoint, err)
		} else {
			attempt = 0
			c := &connection{endpoint: endpoint, conn: conn}
			s.connectAndFlush(c)
			s.readLoop(c)
			s.dropConn(c)
		}

		if s.ctx.Err() != nil {
			return
		}

		attempt++
		delay, ok := s.config.Reconnect.Next(attempt)
		if !ok {
			s.logger.Printf("Giving up on %s after %d attempts", endpoint, attempt-1)
			return
		}

		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()

		s.logger.Printf("Reconnecting to %s in %v", endpoint, delay)
		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// readLoop applies inbound envelopes until the connection closes.
func (s *Service) readLoop(c *connection) {
	for {
		data, err := c.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Printf("Connection to %s closed: %v", c.endpoint, err)
			}
			return
		}

		env, err := envelope.Decode(data)
		if err != nil {
			s.logger.Printf("Failed to parse message from %s: %v", c.endpoint, err)
			continue
		}

		s.Apply(s.ctx, env)
	}
}

func (s *Service) addConn(c *connection) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	n := len(s.conns)
	s.mu.Unlock()

	s.logger.Printf("Connected to %s (active: %d)", c.endpoint, n)
}

// dropConn removes c from the active set and closes it. Safe to call twice.
func (s *Service) dropConn(c *connection) {
	s.mu.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	n := len(s.conns)
	s.mu.Unlock()

	if !ok {
		return
	}
	_ = c.conn.Close("")
	s.logger.Printf("Disconnected from %s (active: %d)", c.endpoint, n)
}

func (s *Service) activeConns() []*connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// resyncLoop periodically replays the offline ledger.
func (s *Service) resyncLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-ticker.C:
			if _, err := s.ResyncNow(s.ctx); err != nil {
				s.logger.Printf("Error during offline resync: %v", err)
			}
		}
	}
}
