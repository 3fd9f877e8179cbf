package config

import (
	"context"
	"fmt"

	"github.com/xraph/credits"
	"github.com/xraph/credits/audit"
	"github.com/xraph/credits/idempotency"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/store/mongo"
	"github.com/xraph/credits/store/postgres"
	"github.com/xraph/credits/store/redis"
	"github.com/xraph/credits/store/sqlite"
	"github.com/xraph/credits/types"
)

// OpenStore connects the store selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg Store) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.Driver {
	case DriverMemory, "":
		return memory.New(), nil
	case DriverSQLite:
		s, err = sqlite.Open(cfg.DSN)
	case DriverPostgres:
		s, err = postgres.Connect(ctx, cfg.DSN)
	case DriverMongo:
		s, err = mongo.Connect(ctx, cfg.DSN, cfg.Database)
	default:
		return nil, fmt.Errorf("config: unsupported store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Build opens the configured store and creates an engine over it, logging
// through NewLogger(cfg.Logging). Extra options are applied after the ones
// derived from cfg. The caller must call Start and Stop on the engine.
func Build(ctx context.Context, cfg *Config, opts ...credits.Option) (*credits.Engine, error) {
	s, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("config: open store: %w", err)
	}

	opts = append([]credits.Option{credits.WithLogger(NewLogger(cfg.Logging))}, opts...)
	eng, err := NewEngine(ctx, s, cfg, opts...)
	if err != nil {
		_ = s.Close() //nolint:errcheck // best-effort cleanup on failed build
		return nil, err
	}
	return eng, nil
}

// NewEngine creates an engine over s with the idempotency, audit and retry
// settings of cfg. cfg.Store and cfg.Logging are not consulted. On error
// any Redis client or cache it opened is released; s is left to the caller.
func NewEngine(ctx context.Context, s store.Store, cfg *Config, extra ...credits.Option) (*credits.Engine, error) {
	opts := []credits.Option{
		credits.WithIdempotencyTTL(cfg.Idempotency.TTL),
		credits.WithAudit(cfg.Audit.Enabled, auditOptions(cfg.Audit)...),
	}
	if cfg.Retry.Enabled {
		opts = append(opts, credits.WithRetry(cfg.Retry.Policy()))
	}

	var closers []func()
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Idempotency.RedisAddr != "" {
		var redisOpts []redis.Option
		if cfg.Idempotency.RedisPrefix != "" {
			redisOpts = append(redisOpts, redis.WithPrefix(cfg.Idempotency.RedisPrefix))
		}
		rs, err := redis.Connect(ctx, cfg.Idempotency.RedisAddr, redisOpts...)
		if err != nil {
			return nil, fmt.Errorf("config: connect idempotency redis: %w", err)
		}
		closers = append(closers, func() { _ = rs.Close() }) //nolint:errcheck // best-effort cleanup
		opts = append(opts, credits.WithIdempotencyStore(rs))
	}

	if cfg.Idempotency.CacheMaxMB > 0 {
		cache, err := idempotency.NewRistrettoCache(cfg.Idempotency.CacheMaxMB << 20)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("config: idempotency cache: %w", err)
		}
		closers = append(closers, cache.Close)
		opts = append(opts, credits.WithIdempotencyCache(cache))
	}

	eng, err := credits.New(s, cfg.Pricing, append(opts, extra...)...)
	if err != nil {
		cleanup()
		return nil, err
	}
	return eng, nil
}

func auditOptions(cfg Audit) []audit.Option {
	if len(cfg.Operations) == 0 {
		return nil
	}
	ops := make([]types.Operation, 0, len(cfg.Operations))
	for _, op := range cfg.Operations {
		ops = append(ops, types.Operation(op))
	}
	return []audit.Option{audit.WithEnabledOperations(ops...)}
}
