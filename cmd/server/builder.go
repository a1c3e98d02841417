package main

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"orderflow/cmd/server/config"
	ordersdb "orderflow/internal/db/orders"
	"orderflow/internal/events"
	"orderflow/internal/idempotency"
	"orderflow/internal/inventory"
	"orderflow/internal/observability"
	"orderflow/internal/orders"
	"orderflow/internal/payment"
	"orderflow/internal/resilience"
	"orderflow/internal/shipping"
)

// buildCache wires the idempotency cache. With REDIS_URL set it connects
// to Redis, otherwise responses are cached in memory. A dead Redis falls
// back to memory with a warning rather than failing startup.
func buildCache(ctx context.Context, cfg config.Config, logger *slog.Logger) (idempotency.Cache, func()) {
	cleanup := func() {}
	if cfg.RedisURL == "" {
		return idempotency.NewMemoryCache(cfg.IdempotencyTTL), cleanup
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("invalid REDIS_URL, falling back to in-memory idempotency cache", "error", err)
		return idempotency.NewMemoryCache(cfg.IdempotencyTTL), cleanup
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, falling back to in-memory idempotency cache", "error", err)
		_ = client.Close()
		return idempotency.NewMemoryCache(cfg.IdempotencyTTL), cleanup
	}

	logger.Info("redis idempotency cache enabled")
	cleanup = func() {
		if err := client.Close(); err != nil {
			logger.Error("close redis", "error", err)
		}
	}
	return idempotency.NewRedisCache(client, cfg.IdempotencyTTL), cleanup
}

// buildEventSink wires the saga event sink. DATABASE_URL selects the
// Postgres store, EVENT_JOURNAL an append-only JSONL file; otherwise
// events live in memory. The returned log is nil when the in-memory
// stream is not available.
func buildEventSink(ctx context.Context, cfg config.Config, logger *slog.Logger) (events.Sink, *events.Log, func()) {
	cleanup := func() {}

	if cfg.DatabaseURL != "" {
		sqlDB, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Warn("postgres open failed, falling back to in-memory events", "error", err)
		} else {
			setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			store, err := ordersdb.NewEventStoreWithSchema(setupCtx, sqlDB)
			if err != nil {
				logger.Warn("postgres init failed, falling back to in-memory events", "error", err)
				_ = sqlDB.Close()
			} else {
				logger.Info("postgres event store enabled")
				cleanup = func() {
					if err := sqlDB.Close(); err != nil {
						logger.Error("close postgres", "error", err)
					}
				}
				return store, nil, cleanup
			}
		}
	}

	if cfg.EventJournal != "" {
		journal, err := events.NewJournal(cfg.EventJournal)
		if err != nil {
			logger.Warn("event journal unavailable, falling back to in-memory events", "error", err)
		} else {
			logger.Info("event journal enabled", "path", cfg.EventJournal)
			log := events.NewJournaledLog(journal)
			cleanup = func() {
				if err := journal.Close(); err != nil {
					logger.Error("close event journal", "error", err)
				}
			}
			return log, log, cleanup
		}
	}

	log := events.NewLog()
	return log, log, cleanup
}

// buildOrderService wires the simulated backends behind their breakers
// and retry policy into the saga orchestrator.
func buildOrderService(cfg config.Config, sink events.Sink, cache idempotency.Cache, metrics *observability.Metrics, logger *slog.Logger) *orders.Service {
	inventorySvc := inventory.NewService(inventory.Options{
		FailureRate: cfg.Chaos.FailureRate,
		Latency:     cfg.Chaos.Latency,
	})
	paymentSvc := payment.NewService(payment.Options{
		FailureRate: cfg.Chaos.FailureRate,
		DeclineRate: cfg.Chaos.DeclineRate,
		Latency:     cfg.Chaos.Latency,
	})
	shippingSvc := shipping.NewService(shipping.Options{
		FailureRate: cfg.Chaos.FailureRate,
		Latency:     cfg.Chaos.Latency,
	})

	onStateChange := func(name string, from, to resilience.State) {
		logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		if hook := metrics.BreakerHook(); hook != nil {
			hook(name, from, to)
		}
	}

	newBreaker := func(name string, bc config.BreakerConfig) *resilience.CircuitBreaker {
		return resilience.NewCircuitBreaker(resilience.BreakerConfig{
			Name:              name,
			CallTimeout:       bc.CallTimeout,
			ErrorThresholdPct: bc.ErrorThresholdPct,
			WindowSize:        bc.WindowSize,
			MinCalls:          bc.MinCalls,
			ResetTimeout:      bc.ResetTimeout,
			OnStateChange:     onStateChange,
		})
	}

	newRetry := func(service string) resilience.RetryPolicy {
		return resilience.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			OnRetry:     metrics.RetryHook(service),
		}
	}

	inventoryClient := orders.NewReliableInventoryClient(
		inventorySvc,
		newBreaker("inventory", cfg.InventoryBreaker),
		newBreaker("inventory-reserve", cfg.InventoryBreaker),
		newRetry("inventory"),
	)
	paymentClient := orders.NewReliablePaymentClient(
		paymentSvc,
		newBreaker("payment", cfg.PaymentBreaker),
		newRetry("payment"),
	)
	shippingClient := orders.NewReliableShippingClient(
		shippingSvc,
		newBreaker("shipping", cfg.ShippingBreaker),
		newRetry("shipping"),
	)

	return orders.NewService(orders.Config{
		Events:    sink,
		Cache:     cache,
		Inventory: inventoryClient,
		Payments:  paymentClient,
		Shipping:  shippingClient,
		Logger:    logger,
	})
}
