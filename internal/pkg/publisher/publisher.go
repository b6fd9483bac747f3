package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/anicoll/homedash/internal/pkg/model"
)

var ErrAlreadyRegistered = errors.New("publisher already registered")

const defaultBuffer = 256

type sink interface {
	// Write publishes a batch of changed entity states.
	Write(ctx context.Context, states []model.MirrorState) error
}

// Publisher mirrors state changes into registered sinks. Handle never blocks
// the caller; changes are queued and written by Run.
type Publisher struct {
	mu     sync.RWMutex
	sinks  map[string]sink
	queue  chan model.StateChangedEvent
	states sync.Map
	logger *zap.Logger
}

func New(buffer int) *Publisher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Publisher{
		sinks:  make(map[string]sink),
		queue:  make(chan model.StateChangedEvent, buffer),
		logger: zap.L(),
	}
}

func (p *Publisher) Register(name string, s sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sinks[name]; ok {
		return ErrAlreadyRegistered
	}
	p.sinks[name] = s
	return nil
}

func (p *Publisher) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sinks)
}

// Handle is a hass.StateChangeHandler.
func (p *Publisher) Handle(evt model.StateChangedEvent) {
	if evt.NewState == nil {
		return
	}
	select {
	case p.queue <- evt:
	default:
		p.logger.Warn("publisher queue full, dropping state", zap.String("entity_id", evt.EntityID))
	}
}

// Run drains the queue until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-p.queue:
			batch := []model.StateChangedEvent{evt}
		drain:
			for {
				select {
				case next := <-p.queue:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			p.publish(ctx, batch)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, batch []model.StateChangedEvent) {
	states := make([]model.MirrorState, 0, len(batch))
	for _, evt := range batch {
		e := *evt.NewState
		if !p.shouldUpdate(e) {
			continue
		}
		states = append(states, model.MirrorState{
			EntityID:     e.EntityID,
			FriendlyName: e.FriendlyName(),
			State:        e.State,
			Attributes:   e.Attributes,
			Timestamp:    model.FormatTimestamp(evt.TimeFired),
		})
	}
	if len(states) == 0 {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for name, s := range p.sinks {
		if err := s.Write(ctx, states); err != nil {
			p.logger.Error("failed to publish data", zap.Error(err), zap.String("publisher", name))
			continue
		}
		p.logger.Debug("updated entities", zap.Int("count", len(states)), zap.String("publisher", name))
	}
}

// shouldUpdate is false when state and attributes match what was last
// published for the entity.
func (p *Publisher) shouldUpdate(e model.Entity) bool {
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		attrs = nil
	}
	fingerprint := e.State + "|" + string(attrs)
	old, exists := p.states.Load(e.EntityID)
	if exists && old.(string) == fingerprint {
		return false
	}
	if !exists {
		p.logger.Info("mirroring entity", zap.String("entity_id", e.EntityID), zap.String("state", e.State))
	}
	p.states.Store(e.EntityID, fingerprint)
	return true
}
