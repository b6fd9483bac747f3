package hass

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/anicoll/homedash/internal/pkg/config"
	"github.com/anicoll/homedash/internal/pkg/model"
)

type hubConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *hubConn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// fakeHub speaks enough of the hub websocket protocol for the manager.
type fakeHub struct {
	srv        *httptest.Server
	token      string
	connects   atomic.Int32
	subscribed chan struct{}
	userAgent  atomic.Value

	mu    sync.Mutex
	conns []*hubConn
}

func newFakeHub(t *testing.T, token string) *fakeHub {
	t.Helper()
	h := &fakeHub{token: token, subscribed: make(chan struct{}, 10)}
	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/websocket" {
			http.NotFound(w, r)
			return
		}
		h.userAgent.Store(r.UserAgent())
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.connects.Add(1)
		c := &hubConn{ws: ws}
		defer ws.Close()

		if err := c.write(map[string]any{"type": "auth_required", "ha_version": "2026.1.0"}); err != nil {
			return
		}
		var auth model.AuthRequest
		if err := ws.ReadJSON(&auth); err != nil {
			return
		}
		if auth.Type != model.Auth || auth.AccessToken != h.token {
			_ = c.write(map[string]any{"type": "auth_invalid", "message": "Invalid access token or password"})
			return
		}
		if err := c.write(map[string]any{"type": "auth_ok"}); err != nil {
			return
		}

		h.mu.Lock()
		h.conns = append(h.conns, c)
		h.mu.Unlock()

		for {
			var msg map[string]any
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			if msg["type"] == string(model.SubscribeEvents) {
				_ = c.write(map[string]any{"id": msg["id"], "type": "result", "success": true, "result": nil})
				h.subscribed <- struct{}{}
			}
			if msg["type"] == "fail_me" {
				_ = c.write(map[string]any{"id": msg["id"], "type": "result", "success": false,
					"error": map[string]any{"code": "not_found", "message": "nope"}})
			}
			// anything else is left unanswered
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHub) push(t *testing.T, v any) {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		require.NoError(t, c.write(v))
	}
}

func (h *fakeHub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		_ = c.ws.Close()
	}
	h.conns = nil
}

func (h *fakeHub) waitSubscribed(t *testing.T) {
	t.Helper()
	select {
	case <-h.subscribed:
	case <-time.After(3 * time.Second):
		t.Fatal("service never subscribed to state changes")
	}
}

func (h *fakeHub) config() config.HassConfig {
	return config.HassConfig{
		BaseURL:              h.srv.URL,
		Token:                h.token,
		RequestTimeout:       2 * time.Second,
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 5,
	}
}

func stateChanged(id, oldState, newState string) map[string]any {
	return map[string]any{
		"id":   1,
		"type": "event",
		"event": map[string]any{
			"event_type": "state_changed",
			"time_fired": "2026-01-01T12:00:00.123456+00:00",
			"data": map[string]any{
				"entity_id": id,
				"old_state": map[string]any{"entity_id": id, "state": oldState, "attributes": map[string]any{}},
				"new_state": map[string]any{"entity_id": id, "state": newState, "domain": "bogus",
					"attributes": map[string]any{"friendly_name": "Kitchen"}},
			},
		},
	}
}

func connectedService(t *testing.T, h *fakeHub, cfg config.HassConfig, logger *zap.Logger) *Service {
	t.Helper()
	svc := New(cfg, WithLogger(logger))
	t.Cleanup(func() { _ = svc.Close() })
	require.NoError(t, svc.Connect(context.Background()))
	h.waitSubscribed(t)
	require.Eventually(t, svc.IsConnected, 2*time.Second, 5*time.Millisecond)
	return svc
}

type recorder struct {
	mu   sync.Mutex
	got  []string
	evts []model.StateChangedEvent
}

func (r *recorder) handler(name string) StateChangeHandler {
	return func(evt model.StateChangedEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.got = append(r.got, name)
		r.evts = append(r.evts, evt)
	}
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestService_HandshakeAndOrderedFanOut(t *testing.T) {
	h := newFakeHub(t, "good")
	svc := connectedService(t, h, h.config(), zaptest.NewLogger(t))
	assert.Equal(t, Authenticated, svc.State())

	rec := &recorder{}
	svc.OnStateChange(rec.handler("first"))
	svc.OnStateChange(rec.handler("second"))
	svc.OnStateChange(rec.handler("third"))

	h.push(t, map[string]any{"type": "something_new"})
	h.push(t, stateChanged("light.kitchen", "off", "on"))

	require.Eventually(t, func() bool { return len(rec.names()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "second", "third"}, rec.names())

	evt := rec.evts[0]
	assert.Equal(t, "light.kitchen", evt.EntityID)
	require.NotNil(t, evt.NewState)
	assert.Equal(t, "on", evt.NewState.State)
	assert.Equal(t, "light", evt.NewState.Domain)
	assert.Equal(t, "off", evt.OldState.State)
	assert.Equal(t, 2026, evt.TimeFired.Year())
}

func TestService_DialsWithUserAgent(t *testing.T) {
	h := newFakeHub(t, "tok")
	connectedService(t, h, h.config(), zaptest.NewLogger(t))
	assert.Equal(t, "homedash", h.userAgent.Load())
}

func TestService_Unsubscribe(t *testing.T) {
	h := newFakeHub(t, "good")
	svc := connectedService(t, h, h.config(), zaptest.NewLogger(t))

	rec := &recorder{}
	sub := svc.OnStateChange(rec.handler("gone"))
	svc.OnStateChange(rec.handler("kept"))
	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 1, svc.Status().Listeners)

	h.push(t, stateChanged("switch.pump", "off", "on"))
	require.Eventually(t, func() bool { return len(rec.names()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"kept"}, rec.names())
}

func TestService_PanickingListenerIsolated(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := newFakeHub(t, "good")
	svc := connectedService(t, h, h.config(), zap.New(core))

	rec := &recorder{}
	svc.OnStateChange(func(model.StateChangedEvent) { panic("boom") })
	svc.OnStateChange(rec.handler("after"))

	h.push(t, stateChanged("light.a", "off", "on"))
	h.push(t, stateChanged("light.a", "on", "off"))

	require.Eventually(t, func() bool { return len(rec.names()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, logs.FilterMessage("state change listener panicked").Len())
	assert.True(t, svc.IsConnected())
}

func TestService_AuthInvalid(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := newFakeHub(t, "good")
	cfg := h.config()
	cfg.Token = "bad"
	cfg.MaxReconnectAttempts = 0

	svc := New(cfg, WithLogger(zap.New(core)))
	defer svc.Close()
	require.NoError(t, svc.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return logs.FilterMessage("hass authentication failed").Len() == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return svc.State() == Disconnected }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, svc.IsConnected())
	assert.Equal(t, 1, logs.FilterMessage("giving up on hass connection").Len())
}

func TestService_ReconnectCap(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := newFakeHub(t, "good")
	cfg := h.config()
	cfg.MaxReconnectAttempts = 3
	cfg.ReconnectDelay = time.Millisecond
	h.srv.Close()

	svc := New(cfg, WithLogger(zap.New(core)))
	defer svc.Close()
	assert.Error(t, svc.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return logs.FilterMessage("giving up on hass connection").Len() == 1
	}, 3*time.Second, 5*time.Millisecond)

	attempts := logs.FilterMessage("scheduling hass reconnect").All()
	require.Len(t, attempts, 3)
	for i, entry := range attempts {
		assert.Equal(t, int64(i+1), entry.ContextMap()["attempt"])
		assert.Equal(t, time.Duration(i+1)*time.Millisecond, entry.ContextMap()["delay"])
	}
	assert.Equal(t, Status{State: Disconnected, Attempts: 3}, svc.Status())
}

func TestService_ReconnectResetsAttempts(t *testing.T) {
	h := newFakeHub(t, "good")
	svc := connectedService(t, h, h.config(), zaptest.NewLogger(t))
	rec := &recorder{}
	svc.OnStateChange(rec.handler("survivor"))

	h.dropAll()
	h.waitSubscribed(t)
	require.Eventually(t, svc.IsConnected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), h.connects.Load())
	assert.Equal(t, 0, svc.Status().Attempts)

	// listeners survive a reconnect
	h.push(t, stateChanged("light.a", "off", "on"))
	require.Eventually(t, func() bool { return len(rec.names()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestService_SendWithResponse(t *testing.T) {
	h := newFakeHub(t, "good")
	cfg := h.config()
	cfg.RequestTimeout = 100 * time.Millisecond
	svc := connectedService(t, h, cfg, zaptest.NewLogger(t))

	_, err := svc.SendWithResponse(context.Background(), model.Command{Type: "never_answered"})
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = svc.SendWithResponse(context.Background(), model.Command{Type: "fail_me"})
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.ErrorContains(t, err, "not_found")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.SendWithResponse(ctx, model.Command{Type: "never_answered"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestService_SendWithResponseNotConnected(t *testing.T) {
	svc := New(config.HassConfig{RequestTimeout: time.Second}, WithLogger(zaptest.NewLogger(t)))
	_, err := svc.SendWithResponse(context.Background(), model.Command{Type: "x"})
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, svc.Close())
	_, err = svc.SendWithResponse(context.Background(), model.Command{Type: "x"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestService_CloseFailsPendingAndClearsListeners(t *testing.T) {
	h := newFakeHub(t, "good")
	cfg := h.config()
	cfg.RequestTimeout = 5 * time.Second
	svc := connectedService(t, h, cfg, zaptest.NewLogger(t))
	svc.OnStateChange(func(model.StateChangedEvent) {})

	errs := make(chan error, 1)
	go func() {
		_, err := svc.SendWithResponse(context.Background(), model.Command{Type: "never_answered"})
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, svc.Close())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
		assert.NotErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not failed")
	}
	assert.False(t, svc.IsConnected())
	assert.Equal(t, Status{State: Closed}, svc.Status())
	assert.ErrorIs(t, svc.Connect(context.Background()), ErrClosed)
	assert.NoError(t, svc.Close())
}

func TestService_DisconnectFailsPending(t *testing.T) {
	h := newFakeHub(t, "good")
	cfg := h.config()
	cfg.RequestTimeout = 5 * time.Second
	cfg.MaxReconnectAttempts = 0
	svc := connectedService(t, h, cfg, zaptest.NewLogger(t))

	errs := make(chan error, 1)
	go func() {
		_, err := svc.SendWithResponse(context.Background(), model.Command{Type: "never_answered"})
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)
	h.dropAll()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not failed")
	}
}

func TestService_CloseCancelsScheduledReconnect(t *testing.T) {
	h := newFakeHub(t, "good")
	cfg := h.config()
	cfg.ReconnectDelay = 200 * time.Millisecond
	svc := connectedService(t, h, cfg, zaptest.NewLogger(t))

	h.dropAll()
	require.Eventually(t, func() bool { return svc.State() == Disconnected }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, svc.Close())

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), h.connects.Load())
	assert.Equal(t, Closed, svc.State())
}

func TestProvider_Instance(t *testing.T) {
	h := newFakeHub(t, "good")
	p := NewProvider(h.config(), WithLogger(zaptest.NewLogger(t)))
	defer p.Close()

	first := p.Instance(context.Background())
	second := p.Instance(context.Background())
	assert.Same(t, first, second)
	h.waitSubscribed(t)
	require.Eventually(t, p.IsConnected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), h.connects.Load())

	require.NoError(t, p.Close())
	assert.False(t, p.IsConnected())
	assert.Equal(t, Closed, first.State())

	third := p.Instance(context.Background())
	assert.NotSame(t, first, third)
	h.waitSubscribed(t)
	assert.Equal(t, int32(2), h.connects.Load())
}

func TestProvider_ConcurrentInstance(t *testing.T) {
	h := newFakeHub(t, "good")
	p := NewProvider(h.config(), WithLogger(zaptest.NewLogger(t)))
	defer p.Close()

	var wg sync.WaitGroup
	got := make([]*Service, 8)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = p.Instance(context.Background())
		}()
	}
	wg.Wait()
	for _, s := range got {
		assert.Same(t, got[0], s)
	}
	h.waitSubscribed(t)
	assert.Equal(t, int32(1), h.connects.Load())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "auth_pending", AuthPending.String())
	assert.True(t, strings.HasPrefix(State(42).String(), "unknown"))
}
