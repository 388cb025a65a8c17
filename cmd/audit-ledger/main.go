package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/upb/llm-audit-ledger/app"
	"github.com/upb/llm-audit-ledger/config"
	"github.com/upb/llm-audit-ledger/internal/observability"
	"github.com/upb/llm-audit-ledger/routes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "audit-ledger: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.New(ctx)
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting audit ledger",
		zap.String("environment", cfg.Environment),
		zap.String("address", cfg.Server.Address()),
		zap.String("database", cfg.Database.LogString()))

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", zap.Error(err))
		return err
	}

	return serve(ctx, cfg, deps, newServer(cfg, routes.SetupRoutes(deps)))
}

// initLogger builds the process logger from the observability settings
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	return observability.NewLogger(cfg.Observability)
}

func newServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
}

// serve runs the HTTP server and, when configured, the fan-out bus until ctx
// is cancelled or either fails, then shuts everything down
func serve(ctx context.Context, cfg *config.Config, deps *app.Dependencies, srv *http.Server) error {
	logger := deps.Logger
	g, gctx := errgroup.WithContext(ctx)

	// Shutdown does not track hijacked stream sockets
	srv.RegisterOnShutdown(func() {
		n := deps.Dispatcher.DisconnectAll(context.Background())
		logger.Info("stream subscribers disconnected", zap.Int("connections", n))
	})

	g.Go(func() error {
		logger.Info("http server listening", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if deps.Bus != nil {
		g.Go(func() error {
			return deps.Bus.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	closeErr := deps.Close(closeCtx)

	if runErr != nil {
		logger.Error("server stopped with error", zap.Error(runErr))
	} else {
		logger.Info("server stopped")
	}
	return errors.Join(runErr, closeErr)
}
