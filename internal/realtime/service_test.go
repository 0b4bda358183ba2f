package realtime

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/connectpng/roadmon/internal/cache"
	"github.com/connectpng/roadmon/internal/envelope"
	"github.com/connectpng/roadmon/internal/ledger"
	"github.com/connectpng/roadmon/internal/notify"
	"github.com/connectpng/roadmon/internal/store"
)

var errConnClosed = errors.New("connection closed")

// fakeConn is an in-memory Conn. Inbound messages are pushed with deliver.
type fakeConn struct {
	endpoint   string
	in         chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
	failWrites bool

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn(failWrites bool) *fakeConn {
	return &fakeConn{
		in:         make(chan []byte, 16),
		closed:     make(chan struct{}),
		failWrites: failWrites,
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	if c.failWrites {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// fakeDialer refuses connections until allowed.
type fakeDialer struct {
	mu         sync.Mutex
	allow      bool
	failWrites bool
	// failing lists endpoints whose connections refuse writes.
	failing map[string]bool
	dials   int
	conns   []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if !d.allow {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn(d.failWrites || d.failing[endpoint])
	c.endpoint = endpoint
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setAllow(allow bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allow = allow
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) firstTo(endpoint string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		if c.endpoint == endpoint {
			return c
		}
	}
	return nil
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type fixture struct {
	svc    *Service
	cache  *cache.Cache
	ledger *ledger.Ledger
	dialer *fakeDialer
}

func newFixture(t *testing.T, endpoints ...string) *fixture {
	t.Helper()
	return newFixtureLogging(t, io.Discard, endpoints...)
}

func newFixtureLogging(t *testing.T, w io.Writer, endpoints ...string) *fixture {
	t.Helper()

	logger := log.New(w, "", 0)
	st := store.NewMemory()
	c := cache.New(st, logger)
	l := ledger.New(st, ledger.KeepFailed, logger)
	d := &fakeDialer{}

	svc, err := New(c, l, &Config{
		Endpoints:    endpoints,
		Reconnect:    FixedBackoff(10 * time.Millisecond),
		WriteTimeout: time.Second,
		Dialer:       d,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop() })

	return &fixture{svc: svc, cache: c, ledger: l, dialer: d}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustEnvelope(t *testing.T, et envelope.EntityType, action envelope.Action, payload envelope.Payload) *envelope.UpdateEnvelope {
	t.Helper()
	env, err := envelope.New(et, action, payload)
	if err != nil {
		t.Fatalf("failed to build envelope: %v", err)
	}
	return env
}

func TestSendWhileDisconnectedAppliesLocally(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var notified []*envelope.UpdateEnvelope
	f.svc.Subscribe(func(env *envelope.UpdateEnvelope) { notified = append(notified, env) })

	env := mustEnvelope(t, envelope.EntityGPS, envelope.ActionCreate, envelope.Payload{"id": "g1", "lat": -6.3, "lng": 143.9})
	if err := f.svc.Send(ctx, env); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	list, err := f.cache.List(ctx, envelope.EntityGPS)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].ID() != "g1" {
		t.Errorf("expected cached g1, got %v", list)
	}
	if len(notified) != 1 || notified[0] != env {
		t.Errorf("expected subscriber to see the envelope, got %v", notified)
	}

	state := f.svc.State()
	if state.Connected || state.Queued != 1 {
		t.Errorf("unexpected state: %+v", state)
	}
}

func TestSendRejectsInvalidEnvelope(t *testing.T) {
	f := newFixture(t)

	env := &envelope.UpdateEnvelope{ID: "e1", EntityType: envelope.EntityProject, Action: envelope.ActionUpdate, Payload: envelope.Payload{}}
	if err := f.svc.Send(context.Background(), env); !errors.Is(err, envelope.ErrMissingID) {
		t.Errorf("expected ErrMissingID, got %v", err)
	}
	if f.svc.State().Queued != 0 {
		t.Error("invalid envelope must not be queued")
	}
}

func TestQueuedUpdatesFlushInOrderOnConnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ws://relay.test/ws")

	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var sent []*envelope.UpdateEnvelope
	for i, id := range []string{"p1", "p2", "p3", "p4"} {
		env := mustEnvelope(t, envelope.EntityProject, envelope.ActionCreate, envelope.Payload{"id": id, "seq": i})
		if err := f.svc.Send(ctx, env); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		sent = append(sent, env)
	}

	if q := f.svc.Queued(); len(q) != len(sent) {
		t.Fatalf("expected %d queued, got %d", len(sent), len(q))
	}

	f.dialer.setAllow(true)
	waitFor(t, "queue flush", func() bool {
		c := f.dialer.last()
		return c != nil && len(c.Written()) == len(sent)
	})

	written := f.dialer.last().Written()
	for i, data := range written {
		env, err := envelope.Decode(data)
		if err != nil {
			t.Fatalf("written message %d is not an envelope: %v", i, err)
		}
		if env.ID != sent[i].ID {
			t.Errorf("message %d = %s, want %s", i, env.ID, sent[i].ID)
		}
	}

	state := f.svc.State()
	if !state.Connected || state.ActiveConnections != 1 || state.Queued != 0 {
		t.Errorf("unexpected state after flush: %+v", state)
	}

	// Flushing does not apply the envelopes a second time.
	list, _ := f.cache.List(ctx, envelope.EntityProject)
	if len(list) != len(sent) {
		t.Errorf("expected %d cached projects, got %d", len(sent), len(list))
	}
}

func TestEndToEndGPSCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ws://relay.test/ws")

	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	env := mustEnvelope(t, envelope.EntityGPS, envelope.ActionCreate, envelope.Payload{"id": "g1", "lat": -6.3, "lng": 143.9})
	if err := f.svc.Send(ctx, env); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	list, _ := f.cache.List(ctx, envelope.EntityGPS)
	if len(list) != 1 || list[0].ID() != "g1" {
		t.Fatalf("expected one cached gps entry g1, got %v", list)
	}
	if q := f.svc.Queued(); len(q) != 1 || q[0] != env {
		t.Fatalf("expected exactly the envelope queued, got %v", q)
	}

	f.dialer.setAllow(true)
	waitFor(t, "delivery", func() bool {
		c := f.dialer.last()
		return c != nil && len(c.Written()) == 1
	})

	if q := f.svc.Queued(); len(q) != 0 {
		t.Errorf("expected empty queue, got %d", len(q))
	}

	want, err := envelope.Encode(env)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if got := f.dialer.last().Written()[0]; !bytes.Equal(got, want) {
		t.Errorf("transport received %s, want %s", got, want)
	}
}

func TestSendUpdateMergesCachedEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.cache.Replace(ctx, envelope.EntityProject, []envelope.Payload{
		{"id": "p1", "progress": 40, "province": "Enga"},
	}); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	env := mustEnvelope(t, envelope.EntityProject, envelope.ActionUpdate, envelope.Payload{"id": "p1", "progress": 55})
	if err := f.svc.Send(ctx, env); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got, ok, err := f.cache.Get(ctx, envelope.EntityProject, "p1")
	if err != nil || !ok {
		t.Fatalf("Get p1: ok=%v err=%v", ok, err)
	}
	if got["progress"] != float64(55) || got["province"] != "Enga" {
		t.Errorf("unexpected merged entry: %v", got)
	}
}

func TestInboundMessagesAreApplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ws://relay.test/ws")
	f.dialer.setAllow(true)

	received := make(chan *envelope.UpdateEnvelope, 4)
	f.svc.Subscribe(func(env *envelope.UpdateEnvelope) { received <- env })

	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "connection", func() bool { return f.svc.State().Connected })

	remote := mustEnvelope(t, envelope.EntityFinancial, envelope.ActionCreate, envelope.Payload{"id": "f1", "amount": 2500})
	data, _ := envelope.Encode(remote)

	conn := f.dialer.last()
	conn.in <- []byte("{not json")
	conn.in <- []byte(`{"id":"x","entityType":"project","action":"delete","payload":{}}`)
	conn.in <- data

	select {
	case got := <-received:
		if got.ID != remote.ID {
			t.Errorf("received %s, want %s", got.ID, remote.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for inbound envelope")
	}

	if !f.svc.State().Connected {
		t.Error("malformed messages must not drop the connection")
	}

	list, _ := f.cache.List(ctx, envelope.EntityFinancial)
	if len(list) != 1 || list[0].ID() != "f1" {
		t.Errorf("expected cached f1, got %v", list)
	}
}

func TestReconnectsAfterClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ws://relay.test/ws")
	f.dialer.setAllow(true)

	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "first connection", func() bool { return f.svc.State().Connected })

	first := f.dialer.last()
	_ = first.Close("relay restarted")

	waitFor(t, "reconnect", func() bool {
		return f.dialer.connCount() >= 2 && f.svc.State().Connected
	})

	if f.svc.State().Reconnects < 1 {
		t.Errorf("expected reconnects to be counted, got %+v", f.svc.State())
	}
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	st := store.NewMemory()
	d := &fakeDialer{}

	svc, err := New(cache.New(st, logger), nil, &Config{
		Endpoints: []string{"ws://relay.test/ws"},
		Reconnect: Backoff{Delay: time.Millisecond, MaxAttempts: 2},
		Dialer:    d,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer svc.Stop()

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, "dial attempts", func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.dials == 3
	})

	time.Sleep(50 * time.Millisecond)
	d.mu.Lock()
	dials := d.dials
	d.mu.Unlock()
	if dials != 3 {
		t.Errorf("expected 3 dials (initial + 2 retries), got %d", dials)
	}
}

func TestWriteFailureDropsConnectionAndRecordsOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ws://relay.test/ws")
	f.dialer.failWrites = true
	f.dialer.setAllow(true)

	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "connection", func() bool { return f.svc.State().Connected })
	conn := f.dialer.last()

	env := mustEnvelope(t, envelope.EntityGPS, envelope.ActionCreate, envelope.Payload{"id": "g7"})
	if err := f.svc.Send(ctx, env); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case <-conn.closed:
	default:
		t.Error("failed connection was not closed")
	}

	entries, err := f.ledger.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != env.ID {
		t.Errorf("expected envelope in offline ledger, got %v", entries)
	}

	if q := f.svc.Queued(); len(q) != 0 {
		t.Errorf("undelivered envelope must not be re-queued, got %d", len(q))
	}

	list, _ := f.cache.List(ctx, envelope.EntityGPS)
	if len(list) != 1 {
		t.Errorf("expected optimistic local apply, got %v", list)
	}
}

func TestStopMovesQueueToLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, id := range []string{"u1", "u2"} {
		if err := f.svc.Send(ctx, mustEnvelope(t, envelope.EntityUser, envelope.ActionCreate, envelope.Payload{"id": id})); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	if err := f.svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	n, err := f.ledger.Len(ctx)
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 ledger entries, got %d", n)
	}

	// Sending after Stop goes straight to the ledger.
	if err := f.svc.Send(ctx, mustEnvelope(t, envelope.EntityUser, envelope.ActionCreate, envelope.Payload{"id": "u3"})); err != nil {
		t.Fatalf("Send after Stop failed: %v", err)
	}
	if n, _ := f.ledger.Len(ctx); n != 3 {
		t.Errorf("expected 3 ledger entries, got %d", n)
	}

	if err := f.svc.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted after Stop, got %v", err)
	}
}

func TestStartWithoutEndpointsIsNoop(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	f.dialer.mu.Lock()
	dials := f.dialer.dials
	f.dialer.mu.Unlock()
	if dials != 0 {
		t.Errorf("expected no dials, got %d", dials)
	}
	if err := f.svc.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

// failingStore rejects every write.
type failingStore struct {
	*store.Memory
}

func (failingStore) Update(context.Context, string, store.UpdateFunc) error {
	return errors.New("quota exceeded")
}

func TestCacheFailureStillNotifiesSubscribers(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	svc, err := New(cache.New(failingStore{store.NewMemory()}, logger), nil, &Config{Logger: logger})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	notified := 0
	svc.Subscribe(func(*envelope.UpdateEnvelope) { notified++ })

	env := mustEnvelope(t, envelope.EntityProject, envelope.ActionCreate, envelope.Payload{"id": "p1"})
	if err := svc.Send(context.Background(), env); err != nil {
		t.Fatalf("Send must not surface storage errors, got %v", err)
	}
	if notified != 1 {
		t.Errorf("expected subscriber notification despite failed write, got %d", notified)
	}
}

func TestPeriodicResyncDrainsLedger(t *testing.T) {
	ctx := context.Background()
	logger := log.New(io.Discard, "", 0)
	st := store.NewMemory()
	l := ledger.New(st, ledger.ClearAll, logger)

	var mu sync.Mutex
	var delivered []string
	d := &fakeDialer{}

	svc, err := New(cache.New(st, logger), l, &Config{
		Endpoints:      []string{"ws://relay.test/ws"},
		Reconnect:      FixedBackoff(time.Hour),
		ResyncInterval: 10 * time.Millisecond,
		Dialer:         d,
		Deliverer: ledger.DelivererFunc(func(_ context.Context, env *envelope.UpdateEnvelope) error {
			mu.Lock()
			defer mu.Unlock()
			delivered = append(delivered, env.ID)
			return nil
		}),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer svc.Stop()

	env := mustEnvelope(t, envelope.EntityFinancial, envelope.ActionCreate, envelope.Payload{"id": "f1"})
	if err := svc.RecordOffline(ctx, env); err != nil {
		t.Fatalf("RecordOffline failed: %v", err)
	}

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, "ledger drain", func() bool {
		n, _ := l.Len(ctx)
		return n == 0
	})

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != env.ID {
		t.Errorf("unexpected deliveries: %v", delivered)
	}
}

// connectHook runs fn the first time the service logs a new connection.
type connectHook struct {
	once sync.Once
	fn   func()
}

func (h *connectHook) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("Connected to")) {
		h.once.Do(h.fn)
	}
	return len(p), nil
}

func TestSendDuringConnectKeepsQueueOrder(t *testing.T) {
	ctx := context.Background()
	hook := &connectHook{}
	f := newFixtureLogging(t, hook, "ws://relay.test/ws")

	queued := mustEnvelope(t, envelope.EntityProject, envelope.ActionCreate, envelope.Payload{"id": "p1"})
	later := mustEnvelope(t, envelope.EntityProject, envelope.ActionCreate, envelope.Payload{"id": "p2"})

	sendErr := make(chan error, 1)
	hook.fn = func() {
		go func() { sendErr <- f.svc.Send(ctx, later) }()
		// Give the concurrent Send time to reach the transport if it can.
		time.Sleep(50 * time.Millisecond)
	}

	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.svc.Send(ctx, queued); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	f.dialer.setAllow(true)
	waitFor(t, "both messages", func() bool {
		c := f.dialer.last()
		return c != nil && len(c.Written()) == 2
	})
	if err := <-sendErr; err != nil {
		t.Fatalf("concurrent Send failed: %v", err)
	}

	var order []string
	for _, data := range f.dialer.last().Written() {
		env, err := envelope.Decode(data)
		if err != nil {
			t.Fatalf("written message is not an envelope: %v", err)
		}
		order = append(order, env.ID)
	}
	if order[0] != queued.ID || order[1] != later.ID {
		t.Errorf("transport order = %v, want [%s %s]", order, queued.ID, later.ID)
	}
}

func TestApplyDropsInvalidEnvelope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var out bytes.Buffer
	f.svc.config.Notifier = notify.NewTerminal(&out, notify.PermissionGranted)

	calls := 0
	f.svc.Subscribe(func(*envelope.UpdateEnvelope) { calls++ })

	f.svc.Apply(ctx, &envelope.UpdateEnvelope{
		ID:         "x1",
		EntityType: envelope.EntityType("road"),
		Action:     envelope.ActionCreate,
		Payload:    envelope.Payload{},
	})
	f.svc.Apply(ctx, nil)

	if calls != 0 {
		t.Errorf("subscribers notified %d time(s) for invalid envelopes", calls)
	}
	if out.Len() != 0 {
		t.Errorf("unexpected notification: %q", out.String())
	}
	counts, err := f.cache.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	for et, n := range counts {
		if n != 0 {
			t.Errorf("cache for %s has %d entries", et, n)
		}
	}

	f.svc.Apply(ctx, mustEnvelope(t, envelope.EntityGPS, envelope.ActionCreate, envelope.Payload{"id": "g1"}))
	if calls != 1 {
		t.Errorf("expected valid envelope to notify once, got %d", calls)
	}
}

func TestWriteFailureDropsOnlyThatConnection(t *testing.T) {
	ctx := context.Background()
	const good, bad = "ws://a.test/ws", "ws://b.test/ws"
	f := newFixture(t, good, bad)
	f.dialer.failing = map[string]bool{bad: true}
	f.dialer.setAllow(true)

	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "two connections", func() bool { return f.svc.State().ActiveConnections == 2 })
	goodConn := f.dialer.firstTo(good)
	badConn := f.dialer.firstTo(bad)

	env := mustEnvelope(t, envelope.EntityFinancial, envelope.ActionCreate, envelope.Payload{"id": "f1", "amount": 1200})
	if err := f.svc.Send(ctx, env); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case <-badConn.closed:
	default:
		t.Error("connection with failed write was not closed")
	}
	select {
	case <-goodConn.closed:
		t.Error("healthy connection was closed")
	default:
	}

	// Let the failed endpoint reconnect; nothing is re-sent.
	time.Sleep(50 * time.Millisecond)
	if n := len(goodConn.Written()); n != 1 {
		t.Errorf("healthy connection received %d messages, want 1", n)
	}

	n, err := f.ledger.Len(ctx)
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 0 {
		t.Errorf("delivered envelope must not be recorded offline, ledger has %d", n)
	}
	if q := f.svc.Queued(); len(q) != 0 {
		t.Errorf("expected empty queue, got %d", len(q))
	}
}
