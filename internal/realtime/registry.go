package realtime

import (
	"log"
	"sync"

	"github.com/connectpng/roadmon/internal/envelope"
)

// Subscriber is called for every applied update, local or remote.
type Subscriber func(env *envelope.UpdateEnvelope)

type subscription struct {
	id uint64
	fn Subscriber
}

// Registry holds subscriber callbacks in registration order.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscription
	logger *log.Logger
}

// NewRegistry creates an empty registry. Panicking subscribers are reported
// to logger.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{logger: logger}
}

// Subscribe registers fn and returns a function that removes it again.
// Calling the returned function more than once is harmless.
func (r *Registry) Subscribe(fn Subscriber) (unsubscribe func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, subscription{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}

// Notify calls every subscriber synchronously, in registration order.
// A subscriber that panics is logged and skipped; the others still run.
func (r *Registry) Notify(env *envelope.UpdateEnvelope) {
	r.mu.Lock()
	subs := make([]subscription, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	for _, s := range subs {
		r.call(s, env)
	}
}

func (r *Registry) call(s subscription, env *envelope.UpdateEnvelope) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Printf("Subscriber %d failed on %s: %v", s.id, env, p)
		}
	}()
	s.fn(env)
}

// Len returns the number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
