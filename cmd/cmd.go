package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anicoll/homedash/internal/pkg/auth"
	"github.com/anicoll/homedash/internal/pkg/config"
	"github.com/anicoll/homedash/internal/pkg/hass"
	"github.com/anicoll/homedash/internal/pkg/hassapi"
	"github.com/anicoll/homedash/internal/pkg/model"
	"github.com/anicoll/homedash/internal/pkg/mqtt"
	"github.com/anicoll/homedash/internal/pkg/publisher"
	"github.com/anicoll/homedash/internal/pkg/ratelimit"
	"github.com/anicoll/homedash/internal/pkg/server"
	"github.com/anicoll/homedash/internal/pkg/stream"
)

const shutdownTimeout = 10 * time.Second

// DashboardCommand is the main entry point for the dashboard server. It
// validates configuration and starts all required services.
func DashboardCommand(ctx *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if ctx.IsSet("listen-addr") {
		cfg.ListenAddr = ctx.String("listen-addr")
	}
	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync() // flushes buffer, if any.
	}()
	zap.ReplaceGlobals(logger)

	return run(ctx.Context, cfg, hass.NewProvider(cfg.HassCfg), logger)
}

func newLogger(level string) (*zap.Logger, error) {
	logCfg := zap.NewProductionConfig()
	var err error
	logCfg.Level, err = zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	logCfg.OutputPaths = []string{"stdout"}
	logCfg.ErrorOutputPaths = []string{"stdout"}
	logCfg.Sampling = nil
	return logCfg.Build(zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
}

func run(ctx context.Context, cfg *config.Config, hub HubService, logger *zap.Logger) error {
	defer func() {
		if err := hub.Close(); err != nil {
			logger.Warn("failed to close hass connection", zap.Error(err))
		}
	}()

	limiter := ratelimit.New()
	if err := limiter.Start(cfg.RateLimitCfg.Sweep); err != nil {
		return err
	}
	defer limiter.Stop()

	events := stream.New(hub,
		stream.WithHeartbeat(cfg.StreamCfg.Heartbeat),
		stream.WithBuffer(cfg.StreamCfg.Buffer),
	)
	api := server.New(cfg, hassapi.New(cfg.HassCfg), hub, auth.New(cfg.AuthCfg), events,
		server.WithLimiter(limiter),
	)

	eg, ctx := errgroup.WithContext(ctx)

	srv := newHTTPServer(cfg.ListenAddr, api.Routes())

	eg.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("context done")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
		}
		return ctx.Err()
	})

	if cfg.MqttCfg.Enabled() {
		eg.Go(func() error {
			client := mqtt.New(mqtt.NewClient(cfg.MqttCfg), cfg.MqttCfg.TopicPrefix)
			if err := client.Connect(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			defer client.Disconnect()
			return mirror(ctx, hub, client)
		})
	}

	return eg.Wait()
}

// newHTTPServer returns a server whose request contexts are cancelled as soon
// as Shutdown starts. Event streams never go idle on their own.
func newHTTPServer(addr string, h http.Handler) *http.Server {
	base, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:      h,
		Addr:         addr,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return base },
	}
	srv.RegisterOnShutdown(cancel)
	return srv
}

type sink interface {
	Write(ctx context.Context, states []model.MirrorState) error
}

// mirror forwards state changes from the hub into sink until ctx is done.
func mirror(ctx context.Context, hub HubService, s sink) error {
	pub := publisher.New(0)
	if err := pub.Register("mqtt", s); err != nil {
		return err
	}
	sub := hub.OnStateChange(pub.Handle)
	defer sub.Unsubscribe()
	return pub.Run(ctx)
}
