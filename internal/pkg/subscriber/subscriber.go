package subscriber

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/anicoll/homedash/internal/pkg/model"
)

var ErrRealtimeUnavailable = errors.New("failed to establish realtime connection")

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 5
)

// Subscriber consumes the dashboard event stream and keeps a local entity
// list current, reconnecting with exponential backoff.
type Subscriber struct {
	mu          sync.Mutex
	url         string
	client      *http.Client
	header      http.Header
	entities    []model.Entity
	enabled     bool
	connected   bool
	attempts    int
	generation  uint64
	timer       *time.Timer
	cancel      context.CancelFunc
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	onConnect    func()
	onDisconnect func()
	onError      func(error)
	onChange     func([]model.Entity)
	logger       *zap.Logger
}

func New(url string, initial []model.Entity, opts ...func(*Subscriber)) *Subscriber {
	s := &Subscriber{
		url:         url,
		client:      &http.Client{},
		header:      http.Header{},
		entities:    model.NormalizeAll(initial),
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		maxAttempts: DefaultMaxAttempts,
		logger:      zap.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetEnabled starts or stops streaming. Disabling cancels the open stream and
// any scheduled reconnect.
func (s *Subscriber) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled == enabled {
		return
	}
	s.enabled = enabled
	if enabled {
		s.connectLocked()
		return
	}
	s.disconnectLocked()
}

// SetEntities replaces the local list outright, e.g. after a manual refresh.
func (s *Subscriber) SetEntities(entities []model.Entity) {
	s.mu.Lock()
	s.entities = model.NormalizeAll(entities)
	snapshot := slices.Clone(s.entities)
	s.mu.Unlock()
	if s.onChange != nil {
		s.onChange(snapshot)
	}
}

func (s *Subscriber) Entities() []model.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entities)
}

func (s *Subscriber) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Subscriber) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Reconnect opens a stream now if enabled and none is open or pending, with
// a fresh attempt budget.
func (s *Subscriber) Reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || s.cancel != nil {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.attempts = 0
	s.connectLocked()
}

// Disconnect closes the stream and pending reconnect but stays enabled so a
// later Reconnect works.
func (s *Subscriber) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectLocked()
}

func (s *Subscriber) Close() {
	s.SetEnabled(false)
}

func (s *Subscriber) connectLocked() {
	s.generation++
	gen := s.generation
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx, gen)
}

func (s *Subscriber) disconnectLocked() {
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.connected = false
}

func (s *Subscriber) run(ctx context.Context, gen uint64) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		s.fail(gen, err)
		return
	}
	for k, v := range s.header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		s.fail(gen, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.fail(gen, fmt.Errorf("unexpected stream status %d", resp.StatusCode))
		return
	}

	if !s.opened(gen) {
		return
	}
	err = s.read(resp.Body, gen)
	if err == nil {
		err = io.EOF
	}
	s.fail(gen, err)
}

func (s *Subscriber) opened(gen uint64) bool {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return false
	}
	s.connected = true
	s.attempts = 0
	s.mu.Unlock()

	s.logger.Info("connected to realtime updates", zap.String("url", s.url))
	if s.onConnect != nil {
		s.onConnect()
	}
	return true
}

// read parses the event stream: data lines accumulate until a blank line,
// comment lines are skipped.
func (s *Subscriber) read(body io.Reader, gen uint64) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			if data.Len() > 0 {
				s.dispatch(data.Bytes(), gen)
				data.Reset()
			}
		case line[0] == ':':
		case bytes.HasPrefix(line, []byte("data:")):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte(" ")))
		}
	}
	return scanner.Err()
}

func (s *Subscriber) dispatch(data []byte, gen uint64) {
	var msg model.StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("error parsing stream message", zap.Error(err))
		return
	}
	switch msg.Type {
	case model.StreamConnected:
		s.logger.Debug("realtime stream ready")
	case model.StreamStateChanged:
		if msg.EntityID == "" || msg.NewState == nil {
			return
		}
		s.apply(msg.EntityID, *msg.NewState, gen)
	}
}

// apply replaces the whole record for id, or appends it when unseen.
func (s *Subscriber) apply(id string, state model.Entity, gen uint64) {
	state.EntityID = id
	state = state.Normalize()

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	next := slices.Clone(s.entities)
	_, idx, found := lo.FindIndexOf(next, func(e model.Entity) bool {
		return e.EntityID == id
	})
	if found {
		next[idx] = state
	} else {
		next = append(next, state)
	}
	s.entities = next
	snapshot := slices.Clone(next)
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(snapshot)
	}
}

func (s *Subscriber) fail(gen uint64, err error) {
	s.mu.Lock()
	if s.generation != gen || !s.enabled {
		s.mu.Unlock()
		return
	}
	s.connected = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.logger.Warn("realtime connection error", zap.Error(err))

	if s.attempts >= s.maxAttempts {
		s.generation++
		s.mu.Unlock()
		s.logger.Error("max reconnection attempts reached", zap.Int("attempts", s.maxAttempts))
		if s.onDisconnect != nil {
			s.onDisconnect()
		}
		if s.onError != nil {
			s.onError(fmt.Errorf("%w: %v", ErrRealtimeUnavailable, err))
		}
		return
	}

	s.attempts++
	delay := s.backoff(s.attempts)
	s.generation++
	next := s.generation
	s.logger.Info("reconnecting", zap.Duration("delay", delay), zap.Int("attempt", s.attempts), zap.Int("max_attempts", s.maxAttempts))
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.generation != next || !s.enabled {
			return
		}
		s.timer = nil
		s.connectLocked()
	})
	s.mu.Unlock()

	if s.onDisconnect != nil {
		s.onDisconnect()
	}
}

// backoff is min(base * 2^attempt, max).
func (s *Subscriber) backoff(attempt int) time.Duration {
	d := s.baseDelay
	for range attempt {
		d *= 2
		if d >= s.maxDelay {
			return s.maxDelay
		}
	}
	return min(d, s.maxDelay)
}
