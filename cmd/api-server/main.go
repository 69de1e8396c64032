package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/upb/timefly-control-plane/app"
	"github.com/upb/timefly-control-plane/config"
	"github.com/upb/timefly-control-plane/internal/observability"
	"github.com/upb/timefly-control-plane/routes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "api-server: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.New(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return err
	}

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", zap.Error(err))
		_ = logger.Sync()
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := deps.Close(closeCtx); err != nil {
			logger.Error("failed to close dependencies", zap.Error(err))
		}
	}()

	logger.Info("starting api server",
		zap.String("environment", cfg.Environment),
		zap.String("address", cfg.Server.Address()),
		zap.String("database", cfg.Database.Driver))

	g, ctx := errgroup.WithContext(ctx)

	api := newAPIServer(cfg, routes.SetupRoutes(deps))
	g.Go(func() error {
		ln, err := net.Listen("tcp", api.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", api.Addr, err)
		}
		return serve(ctx, api, ln, tlsFiles(cfg), cfg.Server.ShutdownTimeout, logger.Named("api"))
	})

	if cfg.Observability.MetricsEnabled {
		metrics := newMetricsServer(cfg, routes.MetricsRouter(deps))
		g.Go(func() error {
			ln, err := net.Listen("tcp", metrics.Addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", metrics.Addr, err)
			}
			return serve(ctx, metrics, ln, nil, cfg.Server.ShutdownTimeout, logger.Named("metrics"))
		})
	}

	if deps.Sweeper != nil {
		g.Go(func() error {
			return deps.Sweeper.Run(ctx)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, cfg.IsDevelopment())
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger.With(zap.String("service", "timefly-control-plane")), nil
}

func newAPIServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
}

func newMetricsServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Observability.MetricsPort),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type certPair struct {
	certFile string
	keyFile  string
}

func tlsFiles(cfg *config.Config) *certPair {
	if !cfg.Server.TLS.Enabled {
		return nil
	}
	return &certPair{certFile: cfg.Server.TLS.CertFile, keyFile: cfg.Server.TLS.KeyFile}
}

// serve runs srv on ln until ctx is done, then drains in-flight requests for
// at most shutdownTimeout.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, tls *certPair, shutdownTimeout time.Duration, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("address", ln.Addr().String()), zap.Bool("tls", tls != nil))
		var err error
		if tls != nil {
			err = srv.ServeTLS(ln, tls.certFile, tls.keyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
