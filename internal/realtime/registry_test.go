package realtime

import (
	"io"
	"log"
	"testing"

	"github.com/connectpng/roadmon/internal/envelope"
)

func TestRegistryNotifiesInOrder(t *testing.T) {
	r := NewRegistry(log.New(io.Discard, "", 0))

	var calls []string
	r.Subscribe(func(*envelope.UpdateEnvelope) { calls = append(calls, "a") })
	r.Subscribe(func(*envelope.UpdateEnvelope) { calls = append(calls, "b") })
	r.Subscribe(func(*envelope.UpdateEnvelope) { calls = append(calls, "c") })

	r.Notify(&envelope.UpdateEnvelope{ID: "e1"})

	if len(calls) != 3 || calls[0] != "a" || calls[1] != "b" || calls[2] != "c" {
		t.Errorf("unexpected call order: %v", calls)
	}
}

func TestRegistryIsolatesPanickingSubscriber(t *testing.T) {
	r := NewRegistry(log.New(io.Discard, "", 0))

	r.Subscribe(func(*envelope.UpdateEnvelope) { panic("subscriber A is broken") })

	var got *envelope.UpdateEnvelope
	r.Subscribe(func(env *envelope.UpdateEnvelope) { got = env })

	env := &envelope.UpdateEnvelope{ID: "e1", EntityType: envelope.EntityGPS}
	r.Notify(env)

	if got != env {
		t.Errorf("subscriber B did not receive the envelope")
	}
}

func TestRegistryUnsubscribe(t *testing.T) {
	r := NewRegistry(log.New(io.Discard, "", 0))

	count := 0
	unsubscribe := r.Subscribe(func(*envelope.UpdateEnvelope) { count++ })
	other := r.Subscribe(func(*envelope.UpdateEnvelope) {})

	r.Notify(&envelope.UpdateEnvelope{ID: "e1"})
	unsubscribe()
	unsubscribe()
	r.Notify(&envelope.UpdateEnvelope{ID: "e2"})

	if count != 1 {
		t.Errorf("expected 1 call, got %d", count)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 remaining subscriber, got %d", r.Len())
	}

	other()
	if r.Len() != 0 {
		t.Errorf("expected no subscribers, got %d", r.Len())
	}
}
