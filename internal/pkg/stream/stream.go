package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anicoll/homedash/internal/pkg/hass"
	"github.com/anicoll/homedash/internal/pkg/model"
)

const (
	DefaultHeartbeat = 30 * time.Second
	DefaultBuffer    = 64
)

type source interface {
	OnStateChange(h hass.StateChangeHandler) *hass.Subscription
}

// Handler serves state changes as a server-sent event stream. Each client
// gets its own bounded queue so a slow reader only loses its own frames.
type Handler struct {
	source    source
	heartbeat time.Duration
	buffer    int
	now       func() time.Time
	logger    *zap.Logger
}

func New(src source, opts ...func(*Handler)) *Handler {
	h := &Handler{
		source:    src,
		heartbeat: DefaultHeartbeat,
		buffer:    DefaultBuffer,
		now:       time.Now,
		logger:    zap.L(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func WithHeartbeat(d time.Duration) func(*Handler) {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

func WithBuffer(n int) func(*Handler) {
	return func(h *Handler) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithLogger(l *zap.Logger) func(*Handler) {
	return func(h *Handler) {
		h.logger = l
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With(zap.String("client_id", uuid.NewString()))
	rc := http.NewResponseController(w)
	// the stream outlives any server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache, no-transform")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	hello, err := json.Marshal(model.StreamMessage{
		Type:      model.StreamConnected,
		Timestamp: model.FormatTimestamp(h.now()),
	})
	if err != nil {
		logger.Error("failed to encode connected frame", zap.Error(err))
		return
	}
	if err := writeFrame(w, hello); err != nil {
		logger.Warn("failed to write connected frame", zap.Error(err))
		return
	}
	if err := rc.Flush(); err != nil {
		logger.Error("response does not support streaming", zap.Error(err))
		return
	}

	frames := make(chan []byte, h.buffer)
	sub := h.source.OnStateChange(func(evt model.StateChangedEvent) {
		data, err := json.Marshal(model.StateChangedFrame{
			Type:      model.StreamStateChanged,
			EntityID:  evt.EntityID,
			NewState:  evt.NewState,
			OldState:  evt.OldState,
			Timestamp: model.FormatTimestamp(h.now()),
		})
		if err != nil {
			logger.Error("failed to encode state change", zap.String("entity_id", evt.EntityID), zap.Error(err))
			return
		}
		select {
		case frames <- data:
		default:
			logger.Warn("stream client queue full, dropping event", zap.String("entity_id", evt.EntityID))
		}
	})
	logger.Info("stream client connected", zap.String("remote_addr", r.RemoteAddr))

	ticker := time.NewTicker(h.heartbeat)
	cleanup := sync.OnceFunc(func() {
		ticker.Stop()
		sub.Unsubscribe()
		logger.Info("stream client disconnected")
	})
	defer cleanup()

	heartbeat := ticker.C
	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-frames:
			if err := writeFrame(w, data); err != nil {
				logger.Warn("failed to write event", zap.Error(err))
				continue
			}
			_ = rc.Flush()
		case <-heartbeat:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				logger.Warn("failed to write heartbeat", zap.Error(err))
				ticker.Stop()
				heartbeat = nil
				continue
			}
			_ = rc.Flush()
		}
	}
}

func writeFrame(w io.Writer, data []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
