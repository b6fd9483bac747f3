package hass

import (
	"sync"

	"go.uber.org/zap"

	"github.com/anicoll/homedash/internal/pkg/model"
)

type StateChangeHandler func(model.StateChangedEvent)

type listener struct {
	id uint64
	fn StateChangeHandler
}

// registry keeps handlers in registration order.
type registry struct {
	mu      sync.Mutex
	nextID  uint64
	entries []listener
}

func (r *registry) add(fn StateChangeHandler) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.entries = append(r.entries, listener{id: r.nextID, fn: fn})
	return r.nextID
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.entries {
		if l.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

func (r *registry) snapshot() []listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]listener(nil), r.entries...)
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// emit calls every handler in order. A panicking handler is logged and
// skipped.
func (r *registry) emit(logger *zap.Logger, evt model.StateChangedEvent) {
	for _, l := range r.snapshot() {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("state change listener panicked",
						zap.Uint64("listener", l.id),
						zap.String("entity_id", evt.EntityID),
						zap.Any("panic", rec))
				}
			}()
			l.fn(evt)
		}()
	}
}

// Subscription is returned by OnStateChange. Unsubscribe is idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}
