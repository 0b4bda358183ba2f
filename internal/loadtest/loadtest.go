// Package loadtest measures relay fan-out latency.
//
// It connects a number of WebSocket clients to a relay, has every client
// send a batch of update envelopes, and records how long each envelope
// takes to reach each of the other clients.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/connectpng/roadmon/internal/envelope"
)

// Config describes one load test run.
type Config struct {
	// URL is the relay WebSocket endpoint (ws://host/ws).
	URL string

	// Clients is the number of concurrent connections (at least 2).
	Clients int

	// MessagesPerClient is how many envelopes each client sends.
	MessagesPerClient int

	// Interval spaces one client's sends apart (0 sends back to back).
	Interval time.Duration

	// Timeout bounds the whole run.
	Timeout time.Duration
}

// DefaultConfig returns a small run against a local relay.
func DefaultConfig() Config {
	return Config{
		URL:               "ws://localhost:8080/ws",
		Clients:           10,
		MessagesPerClient: 20,
		Interval:          5 * time.Millisecond,
		Timeout:           30 * time.Second,
	}
}

// LatencyStats captures delivery latency across all received envelopes.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	Samples   int
	Durations []time.Duration
}

// Report is the outcome of a run.
type Report struct {
	Clients  int
	Sent     int
	Expected int
	Received int
	Errors   int
	Duration time.Duration
	Latency  *LatencyStats
}

// Lost returns how many expected deliveries never arrived.
func (r *Report) Lost() int {
	return r.Expected - r.Received
}

// Run executes the load test described by cfg.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	if cfg.Clients < 2 {
		return nil, fmt.Errorf("need at least 2 clients, got %d", cfg.Clients)
	}
	if cfg.MessagesPerClient < 1 {
		return nil, fmt.Errorf("need at least 1 message per client, got %d", cfg.MessagesPerClient)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	endpoint, err := withVersion(cfg.URL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	conns := make([]*websocket.Conn, 0, cfg.Clients)
	defer func() {
		for _, conn := range conns {
			_ = conn.Close(websocket.StatusNormalClosure, "load test done")
		}
	}()
	for i := 0; i < cfg.Clients; i++ {
		conn, _, err := websocket.Dial(ctx, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("client %d failed to connect: %w", i, err)
		}
		conns = append(conns, conn)
	}

	// Give the relay a moment to register every client before traffic.
	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var sentAt sync.Map // envelope id -> time.Time
	perClient := cfg.MessagesPerClient * (cfg.Clients - 1)

	report := &Report{
		Clients:  cfg.Clients,
		Expected: cfg.Clients * perClient,
	}

	var (
		mu        sync.Mutex
		durations []time.Duration
		errCount  int
		sent      int
	)
	addErr := func() {
		mu.Lock()
		errCount++
		mu.Unlock()
	}

	start := time.Now()

	var readers sync.WaitGroup
	for _, conn := range conns {
		readers.Add(1)
		go func(conn *websocket.Conn) {
			defer readers.Done()

			local := make([]time.Duration, 0, perClient)
			for len(local) < perClient {
				_, data, err := conn.Read(ctx)
				if err != nil {
					break
				}
				received := time.Now()

				env, err := envelope.Decode(data)
				if err != nil {
					addErr()
					continue
				}
				v, ok := sentAt.Load(env.ID)
				if !ok {
					addErr()
					continue
				}
				local = append(local, received.Sub(v.(time.Time)))
			}

			mu.Lock()
			durations = append(durations, local...)
			mu.Unlock()
		}(conn)
	}

	var writers sync.WaitGroup
	for i, conn := range conns {
		writers.Add(1)
		go func(clientID int, conn *websocket.Conn) {
			defer writers.Done()

			for j := 0; j < cfg.MessagesPerClient; j++ {
				env, err := envelope.New(envelope.EntityGPS, envelope.ActionCreate, envelope.Payload{
					"id":        fmt.Sprintf("lt-%03d-%05d", clientID, j),
					"projectId": "loadtest",
					"lat":       -6.0 - float64(clientID)/100,
					"lng":       145.0 + float64(j)/100,
				}, envelope.WithSource("loadtest"))
				if err != nil {
					addErr()
					continue
				}
				data, err := envelope.Encode(env)
				if err != nil {
					addErr()
					continue
				}

				sentAt.Store(env.ID, time.Now())
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					addErr()
					return
				}
				mu.Lock()
				sent++
				mu.Unlock()

				if cfg.Interval > 0 {
					select {
					case <-time.After(cfg.Interval):
					case <-ctx.Done():
						return
					}
				}
			}
		}(i, conn)
	}

	writers.Wait()
	readers.Wait()

	report.Duration = time.Since(start)
	report.Sent = sent
	report.Received = len(durations)
	report.Errors = errCount
	report.Latency = computeLatencyStats(durations)

	if report.Received == 0 {
		return report, fmt.Errorf("no envelopes were relayed")
	}
	return report, nil
}

func withVersion(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL %q: %w", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid relay URL %q: scheme must be ws or wss", raw)
	}
	q := u.Query()
	if q.Get("v") == "" {
		q.Set("v", envelope.ProtocolVersion)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(sorted)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Samples:   len(sorted),
		Durations: sorted,
	}
}

// Print writes a human-readable summary of r to w.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Relay Load Test:\n")
	fmt.Fprintf(w, "  Clients:       %d\n", r.Clients)
	fmt.Fprintf(w, "  Sent:          %d\n", r.Sent)
	fmt.Fprintf(w, "  Delivered:     %d/%d\n", r.Received, r.Expected)
	fmt.Fprintf(w, "  Errors:        %d\n", r.Errors)
	fmt.Fprintf(w, "  Duration:      %v\n", r.Duration)
	if r.Latency == nil || r.Latency.Samples == 0 {
		return
	}
	s := r.Latency
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
