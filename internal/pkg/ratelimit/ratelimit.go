package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/anicoll/homedash/internal/pkg/model"
)

const DefaultSweepSpec = "@every 5m"

type Config struct {
	MaxRequests int
	Window      time.Duration
}

type Result struct {
	Success   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter counts requests per identifier in fixed windows. State lives in
// process memory only.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	cron    *cron.Cron
	logger  *zap.Logger
}

func New() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
		logger:  zap.L(),
	}
}

// Check records one request for identifier and reports whether it is within
// the limit. A limit of zero or less denies everything.
func (l *Limiter) Check(identifier string, cfg Config) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[identifier]
	if !ok || !now.Before(w.resetAt) {
		w = &window{count: 1, resetAt: now.Add(cfg.Window)}
		l.windows[identifier] = w
	} else {
		w.count++
	}

	return Result{
		Success:   w.count <= cfg.MaxRequests,
		Limit:     cfg.MaxRequests,
		Remaining: max(0, cfg.MaxRequests-w.count),
		Reset:     w.resetAt,
	}
}

// Sweep drops every window whose reset time has passed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, id)
			removed++
		}
	}
	return removed
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Start schedules Sweep with the given cron spec, DefaultSweepSpec if empty.
func (l *Limiter) Start(spec string) error {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if n := l.Sweep(); n > 0 {
			l.logger.Debug("swept rate limit windows", zap.Int("removed", n))
		}
	}); err != nil {
		return err
	}

	l.mu.Lock()
	l.cron = c
	l.mu.Unlock()

	c.Start()
	return nil
}

func (l *Limiter) Stop() {
	l.mu.Lock()
	c := l.cron
	l.cron = nil
	l.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Identifier derives the client key for a request: the first X-Forwarded-For
// entry as sent, then X-Real-IP, then "unknown".
func Identifier(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return first
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return "unknown"
}

// WriteHeaders sets the standard rate limit headers and, when denied,
// Retry-After in whole seconds.
func WriteHeaders(w http.ResponseWriter, res Result, now time.Time) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", model.FormatTimestamp(res.Reset))
	if !res.Success {
		secs := int(math.Ceil(res.Reset.Sub(now).Seconds()))
		h.Set("Retry-After", strconv.Itoa(max(0, secs)))
	}
}
