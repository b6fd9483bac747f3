package subscriber

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/anicoll/homedash/internal/pkg/model"
)

func WithHTTPClient(c *http.Client) func(*Subscriber) {
	return func(s *Subscriber) {
		s.client = c
	}
}

// WithHeader adds a request header, e.g. the session cookie or bearer token.
func WithHeader(key, value string) func(*Subscriber) {
	return func(s *Subscriber) {
		s.header.Add(key, value)
	}
}

func WithBackoff(base, maxDelay time.Duration, maxAttempts int) func(*Subscriber) {
	return func(s *Subscriber) {
		s.baseDelay = base
		s.maxDelay = maxDelay
		s.maxAttempts = maxAttempts
	}
}

func WithLogger(l *zap.Logger) func(*Subscriber) {
	return func(s *Subscriber) {
		s.logger = l
	}
}

func OnConnect(f func()) func(*Subscriber) {
	return func(s *Subscriber) {
		s.onConnect = f
	}
}

func OnDisconnect(f func()) func(*Subscriber) {
	return func(s *Subscriber) {
		s.onDisconnect = f
	}
}

// OnError receives ErrRealtimeUnavailable once the attempt budget is spent.
func OnError(f func(error)) func(*Subscriber) {
	return func(s *Subscriber) {
		s.onError = f
	}
}

func OnChange(f func([]model.Entity)) func(*Subscriber) {
	return func(s *Subscriber) {
		s.onChange = f
	}
}
