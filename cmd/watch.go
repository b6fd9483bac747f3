package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/anicoll/homedash/internal/pkg/model"
	"github.com/anicoll/homedash/internal/pkg/subscriber"
)

// WatchCommand prints entity state changes from a running dashboard until
// interrupted or the stream gives up.
func WatchCommand(ctx *cli.Context) error {
	logger, err := newLogger(ctx.String("log-level"))
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(logger)

	base := strings.TrimRight(ctx.String("url"), "/")
	token := ctx.String("token")
	return watch(ctx.Context, base, token, ctx.App.Writer, http.DefaultClient)
}

func watch(ctx context.Context, base, token string, out io.Writer, client *http.Client) error {
	initial, err := fetchEntities(ctx, client, base, token)
	if err != nil {
		return err
	}

	w := &changePrinter{out: out, last: make(map[string]string, len(initial))}
	for _, e := range initial {
		w.last[e.EntityID] = e.State
	}

	failed := make(chan error, 1)
	opts := []func(*subscriber.Subscriber){
		subscriber.WithHTTPClient(client),
		subscriber.OnChange(w.print),
		subscriber.OnConnect(func() { zap.L().Info("stream connected") }),
		subscriber.OnDisconnect(func() { zap.L().Warn("stream disconnected") }),
		subscriber.OnError(func(err error) {
			select {
			case failed <- err:
			default:
			}
		}),
	}
	if token != "" {
		opts = append(opts, subscriber.WithHeader("Authorization", "Bearer "+token))
	}
	sub := subscriber.New(base+"/api/ha/stream", initial, opts...)
	sub.SetEnabled(true)
	defer sub.Close()

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	}
}

func fetchEntities(ctx context.Context, client *http.Client, base, token string) ([]model.Entity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/ha/entities", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch entities: unexpected status %d", res.StatusCode)
	}
	var entities []model.Entity
	if err := json.NewDecoder(res.Body).Decode(&entities); err != nil {
		return nil, fmt.Errorf("fetch entities: %w", err)
	}
	return entities, nil
}

type changePrinter struct {
	mu   sync.Mutex
	out  io.Writer
	last map[string]string
}

func (p *changePrinter) print(entities []model.Entity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entities {
		prev, seen := p.last[e.EntityID]
		if seen && prev == e.State {
			continue
		}
		p.last[e.EntityID] = e.State
		if !seen {
			prev = "-"
		}
		fmt.Fprintf(p.out, "%s\t%s -> %s\n", e.EntityID, prev, e.State)
	}
}
