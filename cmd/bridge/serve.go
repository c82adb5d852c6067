package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/bridge"
	"github.com/Zereker/bridge/internal/config"
	"github.com/Zereker/bridge/telemetry"
)

func newServeCmd() *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger, level := newLogger(os.Stderr, cfg.LogLevel, dev)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, configPath, logger, level)
		},
	}
	cmd.Flags().BoolVar(&dev, "dev", false, "Human-readable log output")
	return cmd
}

// services holds what the connection options are built from, so a config
// reload can rebuild them.
type services struct {
	logger   *slog.Logger
	sink     telemetry.Sink
	metrics  *telemetry.Metrics
	executor bridge.Executor
}

func (r *services) options(cfg *config.Config) []bridge.Option {
	return []bridge.Option{
		bridge.ExecutorOption(r.executor),
		bridge.LoggerOption(r.logger),
		bridge.SinkOption(r.sink),
		bridge.MetricsOption(r.metrics),
		bridge.ReadTimeoutOption(cfg.ReadTimeout()),
		bridge.WriteTimeoutOption(cfg.ReadTimeout()),
		bridge.HandshakeTimeoutOption(cfg.HandshakeTimeout()),
		bridge.HeartbeatOption(cfg.HeartbeatInterval()),
		bridge.IdleTimeoutOption(cfg.IdleTimeout()),
		bridge.CommandTimeoutOption(cfg.CommandTimeout()),
		bridge.LegacyModeOption(cfg.Fallback()),
		bridge.MessageMaxSize(cfg.MaxReceiveBuffer),
		bridge.RateLimitOption(float64(cfg.MaxMessagesPerSecond)),
		bridge.ServerVersionOption(version),
	}
}

// serve runs the server until ctx is canceled.
func serve(ctx context.Context, cfg *config.Config, path string, logger *slog.Logger, level *slog.LevelVar) error {
	rt := &services{
		logger:  logger,
		sink:    telemetry.NopSink{},
		metrics: telemetry.NewMetrics(),
	}

	if cfg.LogFile != "" {
		sink := telemetry.NewFileSink(cfg.LogFile)
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Warn("closing telemetry sink", "error", err)
			}
			if n := sink.Dropped(); n > 0 {
				logger.Warn("telemetry records dropped", "count", n)
			}
		}()
		rt.sink = sink
	}

	diag := newDiagnostics(nil)
	rt.executor = diag

	br, err := bridge.NewBridge(rt.options(cfg)...)
	if err != nil {
		return errors.Wrap(err, "configure bridge")
	}
	diag.bridge = br

	addr, err := net.ResolveTCPAddr("tcp", cfg.Addr())
	if err != nil {
		return errors.Wrapf(err, "resolve %s", cfg.Addr())
	}

	server, err := bridge.New(addr,
		bridge.ServerLoggerOption(logger),
		bridge.ServerMetricsOption(rt.metrics),
		bridge.ServerShutdownTimeoutOption(cfg.ShutdownTimeout()),
		bridge.ServerMaxConnectionsOption(cfg.MaxConnections),
	)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", cfg.Addr())
	}
	defer server.Close()

	if cfg.MetricsAddr != "" {
		stopMetrics := serveMetrics(cfg.MetricsAddr, rt.metrics, logger)
		defer stopMetrics()
	}

	watchDone := make(chan struct{})
	if path != "" {
		go func() {
			defer close(watchDone)
			reload := func(next *config.Config) {
				if next.Addr() != cfg.Addr() || next.MaxConnections != cfg.MaxConnections {
					logger.Warn("listener settings changed, restart to apply",
						"addr", next.Addr(), "max_connections", next.MaxConnections)
				}
				level.Set(parseLevel(next.LogLevel))
				if err := br.Reconfigure(rt.options(next)...); err != nil {
					logger.Error("config reload rejected", "error", err)
					return
				}
				logger.Info("config reloaded", "path", path)
			}
			err := config.Watch(ctx, path, reload, func(err error) {
				logger.Error("config reload failed", "path", path, "error", err)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("config watch stopped", "error", err)
			}
		}()
	} else {
		close(watchDone)
	}

	err = server.Serve(ctx, br)
	<-watchDone

	if errors.Is(err, context.Canceled) || errors.Is(err, bridge.ErrServerClosed) {
		return nil
	}
	return err
}

// serveMetrics exposes the Prometheus registry on addr and returns a
// function that shuts the endpoint down.
func serveMetrics(addr string, metrics *telemetry.Metrics, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics endpoint started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
