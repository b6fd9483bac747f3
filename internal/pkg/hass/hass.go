package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anicoll/homedash/internal/pkg/config"
	"github.com/anicoll/homedash/internal/pkg/model"
	"github.com/anicoll/homedash/pkg/sockets"
)

var (
	ErrTimeout       = errors.New("hass request timed out")
	ErrClosed        = errors.New("hass connection closed")
	ErrDisconnected  = errors.New("hass connection lost")
	ErrNotConnected  = errors.New("hass not connected")
	ErrAuthInvalid   = errors.New("hass rejected access token")
	ErrCommandFailed = errors.New("hass command failed")
)

const (
	// readLimit caps a single inbound frame.
	readLimit = 16 << 20
	userAgent = "homedash"
)

type State int

const (
	Disconnected State = iota
	Connecting
	AuthPending
	Authenticated
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AuthPending:
		return "auth_pending"
	case Authenticated:
		return "authenticated"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type Status struct {
	State     State
	Attempts  int
	Listeners int
}

type response struct {
	msg model.ResultMessage
	err error
}

// Service owns the single websocket connection to the hub, performs the
// auth handshake, reconnects with a linear backoff and fans state_changed
// events out to registered handlers.
type Service struct {
	mu         sync.Mutex
	cfg        config.HassConfig
	conn       sockets.Connection
	state      State
	attempts   int
	generation uint64
	timer      *time.Timer
	nextID     int
	pending    map[int]chan response
	listeners  registry
	logger     *zap.Logger
}

func New(cfg config.HassConfig, opts ...func(*Service)) *Service {
	s := &Service{
		cfg:     cfg,
		pending: make(map[int]chan response),
		logger:  zap.L(), // returns the global logger.
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func WithLogger(l *zap.Logger) func(*Service) {
	return func(s *Service) {
		s.logger = l
	}
}

// Connect dials the hub. It is a no-op while a connection exists or is being
// established. The auth handshake completes asynchronously.
func (s *Service) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Closed:
		s.mu.Unlock()
		return ErrClosed
	case Connecting, AuthPending, Authenticated:
		s.mu.Unlock()
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.state = Connecting
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	wsURL := s.cfg.WebsocketURL()
	opts := []func(*sockets.Conn){
		sockets.OnConnected(func(c sockets.Connection) { s.onConnected(gen, c) }),
		sockets.OnMessage(func(data []byte, c sockets.Connection) { s.onMessage(gen, data, c) }),
		sockets.OnError(func(err error) { s.onError(gen, err) }),
		sockets.WithPingInterval(s.cfg.PingInterval),
		sockets.WithReadLimit(readLimit),
		sockets.WithHeader(http.Header{"User-Agent": {userAgent}}),
	}
	if s.cfg.InsecureSkipVerify {
		opts = append(opts, sockets.InsecureSkipVerify())
	}
	conn := sockets.New(opts...)

	s.logger.Debug("connecting to", zap.String("url", wsURL))
	if err := conn.Dial(ctx, wsURL); err != nil {
		s.logger.Error("failed to connect to", zap.String("url", wsURL), zap.Error(err))
		s.mu.Lock()
		if s.generation == gen && s.state == Connecting {
			s.state = Disconnected
			s.scheduleReconnectLocked()
		}
		s.mu.Unlock()
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}

	s.mu.Lock()
	stale := s.generation != gen
	closed := s.state == Closed
	s.mu.Unlock()
	if stale {
		_ = conn.Close()
	}
	if closed {
		return ErrClosed
	}
	return nil
}

func (s *Service) onConnected(gen uint64, c sockets.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || s.state != Connecting {
		return
	}
	s.conn = c
	s.state = AuthPending
	s.logger.Debug("websocket open, awaiting auth_required")
}

func (s *Service) onMessage(gen uint64, data []byte, c sockets.Connection) {
	var msg model.GenericMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("dropping unparseable hub message", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	state := s.state
	s.mu.Unlock()

	switch msg.Type {
	case model.AuthRequired:
		if state != AuthPending {
			return
		}
		s.sendAuth(c)
	case model.AuthOK:
		s.handleAuthOK(gen)
	case model.AuthInvalid:
		s.logger.Error("hass authentication failed", zap.String("message", msg.Message))
		s.disconnect(gen, ErrAuthInvalid)
	case model.Result:
		s.handleResult(data)
	case model.Event:
		if state != Authenticated {
			return
		}
		s.handleEvent(data)
	default:
		s.logger.Debug("ignoring hub message", zap.String("type", msg.Type.String()))
	}
}

func (s *Service) sendAuth(c sockets.Connection) {
	data, err := json.Marshal(model.AuthRequest{Type: model.Auth, AccessToken: s.cfg.Token})
	if err != nil {
		s.logger.Error("failed to encode auth", zap.Error(err))
		return
	}
	if err := c.Send(sockets.Msg{Body: data}); err != nil {
		s.logger.Error("failed to send auth", zap.Error(err))
		return
	}
	s.logger.Debug("sent msg", zap.String("type", model.Auth.String()))
}

func (s *Service) handleAuthOK(gen uint64) {
	s.mu.Lock()
	if s.generation != gen || s.state != AuthPending {
		s.mu.Unlock()
		return
	}
	s.state = Authenticated
	s.attempts = 0
	s.mu.Unlock()

	s.logger.Info("authenticated with hass")
	// the result arrives on the read loop that is running this call
	go s.subscribeStateChanges()
}

func (s *Service) subscribeStateChanges() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	_, err := s.SendWithResponse(ctx, model.Command{
		Type: model.SubscribeEvents,
		Data: map[string]any{"event_type": model.EventStateChanged},
	})
	if err != nil {
		s.logger.Error("failed to subscribe to state changes", zap.Error(err))
		return
	}
	s.logger.Info("subscribed to state changes")
}

func (s *Service) handleResult(data []byte) {
	var res model.ResultMessage
	if err := json.Unmarshal(data, &res); err != nil {
		s.logger.Warn("dropping unparseable result", zap.Error(err))
		return
	}
	s.mu.Lock()
	ch, ok := s.pending[res.ID]
	delete(s.pending, res.ID)
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("result for unknown request", zap.Int("id", res.ID))
		return
	}
	ch <- response{msg: res}
}

func (s *Service) handleEvent(data []byte) {
	var msg model.EventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("dropping unparseable event", zap.Error(err))
		return
	}
	if msg.Event.EventType != model.EventStateChanged {
		return
	}

	evt := model.StateChangedEvent{
		EntityID:  msg.Event.Data.EntityID,
		TimeFired: time.Now().UTC(),
	}
	if t, err := time.Parse(time.RFC3339Nano, msg.Event.TimeFired); err == nil {
		evt.TimeFired = t
	}
	if msg.Event.Data.NewState != nil {
		n := msg.Event.Data.NewState.Normalize()
		evt.NewState = &n
	}
	if msg.Event.Data.OldState != nil {
		o := msg.Event.Data.OldState.Normalize()
		evt.OldState = &o
	}
	s.listeners.emit(s.logger, evt)
}

func (s *Service) onError(gen uint64, err error) {
	s.logger.Warn("hass websocket error", zap.Error(err))
	s.disconnect(gen, fmt.Errorf("%w: %v", ErrDisconnected, err))
}

// disconnect tears down the connection of generation gen, fails its pending
// requests with cause and schedules a reconnect.
func (s *Service) disconnect(gen uint64, cause error) {
	s.mu.Lock()
	if s.generation != gen || s.state == Closed || s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.state = Disconnected
	pending := s.takePendingLocked()
	s.scheduleReconnectLocked()
	s.mu.Unlock()

	failPending(pending, cause)
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Service) scheduleReconnectLocked() {
	if s.attempts >= s.cfg.MaxReconnectAttempts {
		s.logger.Error("giving up on hass connection", zap.Int("attempts", s.attempts))
		return
	}
	s.attempts++
	delay := s.cfg.ReconnectDelay * time.Duration(s.attempts)
	s.generation++
	gen := s.generation
	s.logger.Info("scheduling hass reconnect", zap.Int("attempt", s.attempts), zap.Duration("delay", delay))
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		ok := s.generation == gen && s.state == Disconnected
		if ok {
			s.timer = nil
		}
		s.mu.Unlock()
		if !ok {
			return
		}
		_ = s.Connect(context.Background())
	})
}

func (s *Service) takePendingLocked() map[int]chan response {
	pending := s.pending
	s.pending = make(map[int]chan response)
	return pending
}

func failPending(pending map[int]chan response, err error) {
	for _, ch := range pending {
		ch <- response{err: err}
	}
}

// SendWithResponse sends cmd with a fresh correlation id and waits for the
// matching result. It fails with ErrTimeout after the configured request
// timeout.
func (s *Service) SendWithResponse(ctx context.Context, cmd model.Command) (json.RawMessage, error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.state != Authenticated || s.conn == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	s.nextID++
	cmd.ID = s.nextID
	ch := make(chan response, 1)
	s.pending[cmd.ID] = ch
	conn := s.conn
	s.mu.Unlock()

	data, err := json.Marshal(cmd)
	if err != nil {
		s.dropPending(cmd.ID)
		return nil, err
	}
	if err := conn.Send(sockets.Msg{Body: data}); err != nil {
		s.dropPending(cmd.ID)
		return nil, fmt.Errorf("send %s: %w", cmd.Type, err)
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if !res.msg.Success {
			if res.msg.Error != nil {
				return nil, fmt.Errorf("%w: %s: %s", ErrCommandFailed, res.msg.Error.Code, res.msg.Error.Message)
			}
			return nil, ErrCommandFailed
		}
		return res.msg.Result, nil
	case <-timer.C:
		s.dropPending(cmd.ID)
		return nil, ErrTimeout
	case <-ctx.Done():
		s.dropPending(cmd.ID)
		return nil, ctx.Err()
	}
}

func (s *Service) dropPending(id int) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// OnStateChange registers h for every state_changed event received after
// this call.
func (s *Service) OnStateChange(h StateChangeHandler) *Subscription {
	id := s.listeners.add(h)
	return NewSubscription(func() { s.listeners.remove(id) })
}

// IsConnected is true only once the socket is open and auth has completed.
func (s *Service) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Authenticated && s.conn != nil && s.conn.IsConnected()
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{State: s.state, Attempts: s.attempts}
	s.mu.Unlock()
	st.Listeners = s.listeners.len()
	return st
}

// Close is terminal. It cancels any scheduled reconnect, drops all
// listeners and fails in-flight requests with ErrClosed.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = Closed
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	conn := s.conn
	s.conn = nil
	pending := s.takePendingLocked()
	s.mu.Unlock()

	s.listeners.clear()
	failPending(pending, ErrClosed)
	s.logger.Info("hass connection closed")
	if conn != nil {
		return conn.Close()
	}
	return nil
}
