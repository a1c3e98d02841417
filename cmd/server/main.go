package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"orderflow/cmd/server/config"
	"orderflow/internal/adapters/httpapi"
	"orderflow/internal/events"
	"orderflow/internal/idempotency"
	"orderflow/internal/observability"
	"orderflow/internal/realtime"
)

const version = "1.0.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger()
	if err := run(ctx, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		_ = level.UnmarshalText([]byte(raw))
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// sweepCache drops expired idempotency records periodically. Redis does
// this server side; the in-memory cache needs the janitor.
func sweepCache(ctx context.Context, cache *idempotency.MemoryCache, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := cache.Sweep(); dropped > 0 {
				logger.Debug("idempotency cache swept", "dropped", dropped)
			}
		}
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()

	cache, cacheCleanup := buildCache(ctx, cfg, logger)
	defer cacheCleanup()
	if mem, ok := cache.(*idempotency.MemoryCache); ok {
		go sweepCache(ctx, mem, time.Hour, logger)
	}

	sink, eventLog, sinkCleanup := buildEventSink(ctx, cfg, logger)
	defer sinkCleanup()

	hub := realtime.NewHub()
	go hub.Run(ctx)

	service := buildOrderService(cfg, events.NewFanoutSink(sink, hub), cache, metrics, logger)

	var lister httpapi.EventLister
	if eventLog != nil {
		lister = eventLog
	}
	server := httpapi.NewServer(httpapi.ServerConfig{
		Orders:  service,
		Events:  lister,
		Metrics: metrics,
		Stream:  hub,
		Logger:  logger,
		Version: version,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.HTTPAddr, "version", version)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
