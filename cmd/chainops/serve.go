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

	"github.com/rendis/chainops/internal/logging"
	"github.com/rendis/chainops/internal/metrics"
	"github.com/rendis/chainops/pkg/mcp"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the MCP SSE endpoint and the recovery sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides listen_addr)")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runStdio(cmd.Context(), cfg)
		},
	}
}

// start builds the app, applies definitions and starts the sweeper after one
// immediate sweep so executions left Running by a previous process resume.
func start(ctx context.Context, cfg Config, logger *slog.Logger) (*app, func(), error) {
	shutdownTracing, err := metrics.InitTracing(cfg.TraceExporter)
	if err != nil {
		return nil, nil, err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		shutdownTracing(context.Background())
		return nil, nil, err
	}
	stop := func() {
		a.close()
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}
	if err := a.loadDefinitions(ctx); err != nil {
		stop()
		return nil, nil, fmt.Errorf("load definitions: %w", err)
	}
	res := a.sweeper.Sweep(ctx)
	logger.Info("startup sweep", "recovered", res.Recovered, "failed", res.Failed, "gates_expired", res.GatesExpired)
	if err := a.sweeper.Start(ctx); err != nil {
		stop()
		return nil, nil, err
	}
	return a, stop, nil
}

func runServe(parent context.Context, cfg Config) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	a, stop, err := start(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stop()

	notifier := mcp.NewMCPNotifier(a.mcp.MCPServer(), a.mcp.Sessions())
	go func() {
		if err := mcp.WatchGates(ctx, a.hub, a.store, notifier, logger); err != nil {
			logger.Error("gate watcher stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/mcp/", a.mcp.SSEHandler(cfg.BaseURL, "/mcp"))
	mux.Handle("/", a.apiServer().Handler())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("chainops listening", "addr", cfg.ListenAddr, "version", version, "db", cfg.DBPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

func runStdio(parent context.Context, cfg Config) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// stdout carries the protocol; logs go to stderr.
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	a, stop, err := start(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stop()

	return a.mcp.Serve(ctx)
}
