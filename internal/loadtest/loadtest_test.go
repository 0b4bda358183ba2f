package loadtest

import (
	"bytes"
	"context"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/connectpng/roadmon/internal/relay"
)

func startRelay(t *testing.T) *relay.Server {
	t.Helper()

	server := relay.NewServer(&relay.Config{
		Host:   "127.0.0.1",
		Port:   0,
		Logger: log.New(io.Discard, "", 0),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start relay: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func TestRunSmall(t *testing.T) {
	server := startRelay(t)

	report, err := Run(context.Background(), Config{
		URL:               "ws://" + server.Addr() + "/ws",
		Clients:           4,
		MessagesPerClient: 5,
		Timeout:           10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Sent != 20 {
		t.Errorf("Expected 20 sent, got %d", report.Sent)
	}
	// Every envelope reaches the three other clients.
	if report.Expected != 60 {
		t.Errorf("Expected 60 deliveries, got %d", report.Expected)
	}
	if report.Lost() != 0 || report.Errors != 0 {
		t.Errorf("Lost %d, errors %d", report.Lost(), report.Errors)
	}
	if report.Latency.Samples != report.Received {
		t.Errorf("Samples %d != received %d", report.Latency.Samples, report.Received)
	}
	if report.Latency.Min > report.Latency.P50 || report.Latency.P50 > report.Latency.Max {
		t.Errorf("Percentiles out of order: %+v", report.Latency)
	}

	var buf bytes.Buffer
	report.Print(&buf)
	if !strings.Contains(buf.String(), "Delivered:     60/60") {
		t.Errorf("Unexpected report output:\n%s", buf.String())
	}
}

func TestRunValidatesConfig(t *testing.T) {
	tests := []Config{
		{URL: "ws://localhost:1/ws", Clients: 1, MessagesPerClient: 1},
		{URL: "ws://localhost:1/ws", Clients: 2, MessagesPerClient: 0},
		{URL: "http://localhost:1/ws", Clients: 2, MessagesPerClient: 1},
	}

	for _, cfg := range tests {
		if _, err := Run(context.Background(), cfg); err == nil {
			t.Errorf("Expected error for %+v", cfg)
		}
	}
}

func TestRunFailsWithoutRelay(t *testing.T) {
	_, err := Run(context.Background(), Config{
		URL:               "ws://127.0.0.1:1/ws",
		Clients:           2,
		MessagesPerClient: 1,
		Timeout:           2 * time.Second,
	})
	if err == nil {
		t.Error("Expected connection error")
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	s := computeLatencyStats(durations)

	if s.Min != time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", s.Min, s.Max)
	}
	if s.P50 != 51*time.Millisecond || s.P95 != 96*time.Millisecond || s.P99 != 100*time.Millisecond {
		t.Errorf("Percentiles = %v/%v/%v", s.P50, s.P95, s.P99)
	}
	if s.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v", s.Mean)
	}
	if s.Samples != 100 {
		t.Errorf("Samples = %d", s.Samples)
	}

	if empty := computeLatencyStats(nil); empty.Samples != 0 {
		t.Errorf("Expected empty stats, got %+v", empty)
	}
}
