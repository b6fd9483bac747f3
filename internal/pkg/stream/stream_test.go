package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/anicoll/homedash/internal/pkg/hass"
	"github.com/anicoll/homedash/internal/pkg/model"
)

type fakeSource struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]hass.StateChangeHandler
	removed  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: make(map[int]hass.StateChangeHandler)}
}

func (f *fakeSource) OnStateChange(h hass.StateChangeHandler) *hass.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.handlers[id] = h
	return hass.NewSubscription(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
		f.removed++
	})
}

func (f *fakeSource) emit(evt model.StateChangedEvent) {
	f.mu.Lock()
	hs := make([]hass.StateChangeHandler, 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(evt)
	}
}

func (f *fakeSource) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeSource) unsubscribed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removed
}

type sseClient struct {
	resp   *http.Response
	reader *bufio.Reader
	cancel context.CancelFunc
}

func dial(t *testing.T, url string) *sseClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		_ = resp.Body.Close()
	})
	return &sseClient{resp: resp, reader: bufio.NewReader(resp.Body), cancel: cancel}
}

// next returns the next frame without its trailing blank line.
func (c *sseClient) next(t *testing.T) string {
	t.Helper()
	line, err := c.reader.ReadString('\n')
	require.NoError(t, err)
	blank, err := c.reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "\n", blank)
	return strings.TrimSuffix(line, "\n")
}

func decode(t *testing.T, frame string) model.StreamMessage {
	t.Helper()
	require.True(t, strings.HasPrefix(frame, "data: "), frame)
	var msg model.StreamMessage
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &msg))
	return msg
}

func TestHandler_ConnectedThenEvents(t *testing.T) {
	src := newFakeSource()
	srv := httptest.NewServer(New(src, WithLogger(zaptest.NewLogger(t)), WithHeartbeat(time.Hour)))
	t.Cleanup(srv.Close)

	c := dial(t, srv.URL)
	assert.Equal(t, "text/event-stream", c.resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache, no-transform", c.resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", c.resp.Header.Get("X-Accel-Buffering"))

	hello := decode(t, c.next(t))
	assert.Equal(t, "connected", hello.Type)
	_, err := time.Parse(time.RFC3339, hello.Timestamp)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return src.active() == 1 }, time.Second, 5*time.Millisecond)

	newState := model.Entity{EntityID: "light.kitchen", State: "on", Domain: "light", Attributes: map[string]any{}}
	src.emit(model.StateChangedEvent{EntityID: "light.kitchen", NewState: &newState})

	frame := c.next(t)
	assert.Contains(t, frame, `"old_state":null`)
	msg := decode(t, frame)
	assert.Equal(t, "state_changed", msg.Type)
	assert.Equal(t, "light.kitchen", msg.EntityID)
	require.NotNil(t, msg.NewState)
	assert.Equal(t, "on", msg.NewState.State)
	assert.Nil(t, msg.OldState)
}

func TestHandler_Heartbeat(t *testing.T) {
	src := newFakeSource()
	srv := httptest.NewServer(New(src, WithLogger(zaptest.NewLogger(t)), WithHeartbeat(20*time.Millisecond)))
	t.Cleanup(srv.Close)

	c := dial(t, srv.URL)
	decode(t, c.next(t))
	assert.Equal(t, ": heartbeat", c.next(t))
	assert.Equal(t, ": heartbeat", c.next(t))
}

func TestHandler_CleanupOnDisconnect(t *testing.T) {
	src := newFakeSource()
	srv := httptest.NewServer(New(src, WithLogger(zaptest.NewLogger(t)), WithHeartbeat(10*time.Millisecond)))
	t.Cleanup(srv.Close)

	c := dial(t, srv.URL)
	decode(t, c.next(t))
	require.Eventually(t, func() bool { return src.active() == 1 }, time.Second, 5*time.Millisecond)

	c.cancel()
	require.Eventually(t, func() bool { return src.active() == 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, src.unsubscribed())
}

type blockingWriter struct {
	header  http.Header
	mu      sync.Mutex
	writes  int
	release chan struct{}
}

func (b *blockingWriter) Header() http.Header { return b.header }
func (b *blockingWriter) WriteHeader(int)     {}
func (b *blockingWriter) Flush()              {}

func (b *blockingWriter) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.writes++
	n := b.writes
	b.mu.Unlock()
	if n > 1 {
		<-b.release
	}
	return len(p), nil
}

func TestHandler_SlowClientDropsWithoutBlockingSource(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	src := newFakeSource()
	h := New(src, WithLogger(zap.New(core)), WithBuffer(1), WithHeartbeat(time.Hour))

	w := &blockingWriter{header: http.Header{}, release: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/ha/stream", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(w, req)
	}()
	require.Eventually(t, func() bool { return src.active() == 1 }, time.Second, 5*time.Millisecond)

	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for range 5 {
			src.emit(model.StateChangedEvent{EntityID: "sensor.temp"})
		}
	}()
	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("emitting to a slow client blocked the source")
	}
	assert.GreaterOrEqual(t, logs.FilterMessage("stream client queue full, dropping event").Len(), 3)

	cancel()
	close(w.release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after cancellation")
	}
	assert.Equal(t, 0, src.active())
}

type failingWriter struct {
	header http.Header
	mu     sync.Mutex
	writes int
}

func (f *failingWriter) Header() http.Header { return f.header }
func (f *failingWriter) WriteHeader(int)     {}
func (f *failingWriter) Flush()              {}

// Write accepts the connected frame and fails everything after it.
func (f *failingWriter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.writes > 1 {
		return 0, errors.New("broken pipe")
	}
	return len(p), nil
}

func TestHandler_WriteFailures(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	src := newFakeSource()
	h := New(src, WithLogger(zap.New(core)), WithHeartbeat(5*time.Millisecond))

	w := &failingWriter{header: http.Header{}}
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/ha/stream", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(w, req)
	}()
	require.Eventually(t, func() bool { return src.active() == 1 }, time.Second, 5*time.Millisecond)

	heartbeatFailures := func() int { return logs.FilterMessage("failed to write heartbeat").Len() }
	eventFailures := func() int { return logs.FilterMessage("failed to write event").Len() }

	require.Eventually(t, func() bool { return heartbeatFailures() == 1 }, time.Second, 5*time.Millisecond)

	src.emit(model.StateChangedEvent{EntityID: "sensor.a"})
	require.Eventually(t, func() bool { return eventFailures() == 1 }, time.Second, 5*time.Millisecond)
	src.emit(model.StateChangedEvent{EntityID: "sensor.b"})
	require.Eventually(t, func() bool { return eventFailures() == 2 }, time.Second, 5*time.Millisecond)

	// several heartbeat intervals pass without another attempt
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, heartbeatFailures())
	assert.Equal(t, 1, src.active())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after cancellation")
	}
	assert.Equal(t, 0, src.active())
	assert.Equal(t, 1, src.unsubscribed())
}
