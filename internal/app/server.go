package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/faultline-labs/faultline/internal/config"
	"github.com/faultline-labs/faultline/internal/observability"
)

// Bootstrap loads the service configuration and installs the process-wide
// observability stack: the default logger, the metric collectors and the
// tracer provider. The returned cleanup flushes the tracer on exit.
func Bootstrap(service string, defaultPort int) (config.Config, func(), error) {
	cfg, err := config.Load(service)
	if err != nil {
		return config.Config{}, nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	slog.SetDefault(observability.SetupLogger(cfg))
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	cleanup := func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}
	return cfg, cleanup, nil
}

// Serve runs the HTTP server until ctx is cancelled or the listener fails,
// then drains in-flight requests within the shutdown timeout. Mains derive
// ctx from signal.NotifyContext so SIGINT/SIGTERM stop workers and server
// together.
func Serve(ctx context.Context, cfg config.Config, handler http.Handler) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting",
			slog.String("service", cfg.ServiceName),
			slog.Int("port", cfg.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received", slog.String("service", cfg.ServiceName))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("op=app.Serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("op=app.Serve shutdown: %w", err)
	}
	return nil
}
