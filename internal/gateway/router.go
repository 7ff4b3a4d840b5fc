package gateway

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// AllEvents subscribes a handler to every published event.
const AllEvents = "*"

// Handler receives an event name and its payload. Wire events carry a
// json.RawMessage payload; derived events carry their own typed payload.
type Handler func(event string, payload any)

type subscription struct {
	id      uint64
	handler Handler
	active  atomic.Bool
}

// Router fans events out to subscribers, independently of request traffic.
type Router struct {
	mu     sync.Mutex
	subs   map[string][]*subscription
	nextID uint64
	logger zerolog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger zerolog.Logger) *Router {
	return &Router{
		subs:   make(map[string][]*subscription),
		logger: logger.With().Str("component", "event-router").Logger(),
	}
}

// Subscribe registers handler for event and returns its unsubscribe func.
// Unsubscribing is idempotent and may be called from inside a handler; a
// removed handler is not invoked again, even later in the current fan-out.
func (r *Router) Subscribe(event string, handler Handler) func() {
	r.mu.Lock()
	r.nextID++
	sub := &subscription{id: r.nextID, handler: handler}
	sub.active.Store(true)
	r.subs[event] = append(r.subs[event], sub)
	r.mu.Unlock()

	return func() { r.remove(event, sub) }
}

func (r *Router) remove(event string, sub *subscription) {
	if !sub.active.CompareAndSwap(true, false) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[event]
	for i, s := range list {
		if s.id == sub.id {
			next := make([]*subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(r.subs, event)
			} else {
				r.subs[event] = next
			}
			return
		}
	}
}

// Publish invokes every handler for event, then every AllEvents handler, in
// registration order. A panicking handler is logged and skipped.
func (r *Router) Publish(event string, payload any) {
	r.mu.Lock()
	snapshot := make([]*subscription, 0, len(r.subs[event])+len(r.subs[AllEvents]))
	snapshot = append(snapshot, r.subs[event]...)
	if event != AllEvents {
		snapshot = append(snapshot, r.subs[AllEvents]...)
	}
	r.mu.Unlock()

	for _, sub := range snapshot {
		if !sub.active.Load() {
			continue
		}
		r.invoke(event, payload, sub)
	}
}

func (r *Router) invoke(event string, payload any, sub *subscription) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("event", event).
				Uint64("subscription", sub.id).
				Interface("panic", rec).
				Msg("event handler panicked")
		}
	}()
	sub.handler(event, payload)
}

// Count returns the number of handlers registered for event.
func (r *Router) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[event])
}
