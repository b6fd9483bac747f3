package hassapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/anicoll/homedash/internal/pkg/config"
	"github.com/anicoll/homedash/internal/pkg/model"
)

var ErrUpstream = errors.New("hass api error")

const pingTimeout = 5 * time.Second

// Client talks to the hub REST API with a long lived access token.
type Client struct {
	cfg    config.HassConfig
	http   *http.Client
	logger *zap.Logger
}

func New(cfg config.HassConfig) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		logger: zap.L(),
	}
}

func (c *Client) withToken(req *http.Request) {
	req.Header.Add("Authorization", "Bearer "+c.cfg.Token)
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL(path), rdr)
	if err != nil {
		return nil, err
	}
	c.withToken(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		c.logger.Error("hass api error", zap.String("path", path), zap.Int("status", res.StatusCode), zap.ByteString("body", data))
		return nil, fmt.Errorf("%w: %s %s returned %d", ErrUpstream, method, path, res.StatusCode)
	}
	return data, nil
}

// States returns every entity with its domain derived from the id.
func (c *Client) States(ctx context.Context) ([]model.Entity, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/states", nil)
	if err != nil {
		return nil, err
	}
	var entities []model.Entity
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, fmt.Errorf("decode states: %w", err)
	}
	return model.NormalizeAll(entities), nil
}

// CallService invokes domain.service with entity_id merged into data.
func (c *Client) CallService(ctx context.Context, call model.ServiceCall) (json.RawMessage, error) {
	body := make(map[string]any, len(call.Data)+1)
	for k, v := range call.Data {
		body[k] = v
	}
	if call.EntityID != "" {
		body["entity_id"] = call.EntityID
	}
	data, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/services/%s/%s", call.Domain, call.Service), body)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 || !json.Valid(data) {
		return json.RawMessage("{}"), nil
	}
	return data, nil
}

// Ping checks the API root and reports the round trip.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	start := time.Now()
	_, err := c.do(ctx, http.MethodGet, "/api/", nil)
	return time.Since(start), err
}
