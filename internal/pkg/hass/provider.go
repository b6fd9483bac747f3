package hass

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/anicoll/homedash/internal/pkg/config"
)

// Provider hands out the process wide Service, creating and connecting it on
// first use. A closed Service is replaced on the next call to Instance.
type Provider struct {
	mu     sync.Mutex
	cfg    config.HassConfig
	opts   []func(*Service)
	svc    *Service
	logger *zap.Logger
}

func NewProvider(cfg config.HassConfig, opts ...func(*Service)) *Provider {
	return &Provider{
		cfg:    cfg,
		opts:   opts,
		logger: zap.L(),
	}
}

func (p *Provider) Instance(ctx context.Context) *Service {
	p.mu.Lock()
	if p.svc != nil && p.svc.State() != Closed {
		svc := p.svc
		p.mu.Unlock()
		return svc
	}
	svc := New(p.cfg, p.opts...)
	p.svc = svc
	p.mu.Unlock()

	if err := svc.Connect(ctx); err != nil {
		p.logger.Warn("initial hass connect failed, retrying in background", zap.Error(err))
	}
	return svc
}

func (p *Provider) OnStateChange(h StateChangeHandler) *Subscription {
	return p.Instance(context.Background()).OnStateChange(h)
}

func (p *Provider) IsConnected() bool {
	p.mu.Lock()
	svc := p.svc
	p.mu.Unlock()
	return svc != nil && svc.IsConnected()
}

func (p *Provider) Status() Status {
	p.mu.Lock()
	svc := p.svc
	p.mu.Unlock()
	if svc == nil {
		return Status{State: Disconnected}
	}
	return svc.Status()
}

func (p *Provider) Close() error {
	p.mu.Lock()
	svc := p.svc
	p.svc = nil
	p.mu.Unlock()
	if svc == nil {
		return nil
	}
	return svc.Close()
}
