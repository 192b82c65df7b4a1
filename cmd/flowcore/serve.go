package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/flowcore/internal/feed"
	"github.com/rendis/flowcore/internal/scheduler"
	"github.com/rendis/flowcore/internal/streaming"
	"github.com/rendis/flowcore/internal/tracing"
	pkgmcp "github.com/rendis/flowcore/pkg/mcp"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	listenAddr   string
	mcp          bool
	tickInterval time.Duration
}

func newServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP event feed, the scheduler and optionally the MCP server",
		Long: `Run flowcore as a long-lived process: the HTTP surface (/healthz, /metrics,
/runs/{id}, /runs/{id}/events, /events), the cron scheduler for stored flows,
the optional RabbitMQ event sink (amqp_url) and, with --mcp, the MCP tool
server on stdin/stdout.

SIGHUP reloads the plugin directories. SIGINT or SIGTERM shuts down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := rootOpts.cfg
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = opts.listenAddr
			}
			return serve(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.listenAddr, "listen", "", "HTTP listen address (overrides listen_addr)")
	cmd.Flags().BoolVar(&opts.mcp, "mcp", false, "serve MCP tools on stdin/stdout")
	cmd.Flags().DurationVar(&opts.tickInterval, "tick", scheduler.DefaultTickInterval, "scheduler tick interval")
	return cmd
}

func serve(parent context.Context, cfg Config, opts *serveOptions) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Logs go to stderr so stdout stays free for the MCP transport.
	a, err := newApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	if cfg.TraceStdout {
		shutdownTracing, err := tracing.Init("flowcore", version, os.Stderr)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				logger.Warn("shutdown tracing", slog.String("error", err.Error()))
			}
		}()
	}

	if cfg.AMQPURL != "" {
		sink, err := streaming.DialAMQPSink(cfg.AMQPURL, streaming.DefaultExchange, logger)
		if err != nil {
			return err
		}
		defer sink.Close()
		go func() {
			if err := sink.Run(ctx, a.hub); err != nil {
				logger.Error("amqp sink stopped", slog.String("error", err.Error()))
			}
		}()
		logger.Info("amqp sink started", slog.String("exchange", streaming.DefaultExchange))
	}

	sched := scheduler.NewScheduler(a.store, a.runs, opts.tickInterval, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("stop scheduler", slog.String("error", err.Error()))
		}
	}()

	go reloadOnHangup(ctx, a)

	if opts.mcp {
		mcpSrv := pkgmcp.NewServer(pkgmcp.ServerDeps{
			Runs:     a.runs,
			Store:    a.store,
			Handlers: a.registry,
			Loaders:  a.loaders(),
			Logger:   logger,
		})
		go func() {
			if err := pkgmcp.NewRunNotifier(mcpSrv).Run(ctx, a.hub); err != nil {
				logger.Error("mcp notifier stopped", slog.String("error", err.Error()))
			}
		}()
		go func() {
			if err := mcpSrv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("mcp server stopped", slog.String("error", err.Error()))
			}
			// stdin closed: the client is gone.
			stop()
		}()
	}

	feedSrv := feed.NewServer(feed.Deps{
		Runs:    a.runs,
		Hub:     a.hub,
		Metrics: a.metrics.Handler(),
		Logger:  logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           feedSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	return nil
}

// reloadOnHangup reloads the handler registry on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, a *app) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			report, err := a.registry.Reload(ctx)
			if err != nil {
				a.logger.Error("registry reload failed", slog.String("error", err.Error()))
				continue
			}
			a.logger.Info("registry reloaded on SIGHUP",
				slog.Int("handlers", len(report.Keys)),
				slog.Int("issues", len(report.Issues)),
			)
		}
	}
}
