package commands

import (
	"context"
	"fmt"

	"github.com/Sternrassler/bitrix24-client/pkg/cache"
	"github.com/Sternrassler/bitrix24-client/pkg/client"
	"github.com/Sternrassler/bitrix24-client/pkg/logging"
	"github.com/Sternrassler/bitrix24-client/pkg/retry"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// clientConfig assembles a client configuration from flags, environment
// and config file. The returned cleanup releases the cache backend.
func clientConfig(ctx context.Context, v *viper.Viper) (client.Config, func(), error) {
	cfg := client.DefaultConfig(v.GetString("url"), v.GetString("token"))
	cfg.UserID = v.GetInt64("user-id")
	cfg.Timeout = v.GetDuration("timeout")
	cfg.MaxRetries = v.GetInt("max-retries")
	cfg.RateLimitPause = v.GetDuration("rate-limit-pause")
	cfg.MaxDelay = v.GetDuration("max-delay")
	cfg.MaxConcurrentRequests = v.GetInt("max-concurrent")
	cfg.RequestsPerSecond = v.GetFloat64("rps")
	cfg.Burst = v.GetInt("burst")
	cfg.CacheTTL = v.GetDuration("cache-ttl")

	logger := logging.NewLogger("client")
	cfg.Logger = &logger

	strategy, err := retry.Parse(v.GetString("retry-strategy"))
	if err != nil {
		return client.Config{}, nil, fmt.Errorf("%w: %w", client.ErrInvalidConfiguration, err)
	}
	cfg.RetryStrategy = strategy

	cleanup := func() {}
	addr := v.GetString("redis")
	if addr == "" && !v.GetBool("cache") {
		return cfg, cleanup, nil
	}

	var rdb *redis.Client
	if addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return client.Config{}, nil, fmt.Errorf("connect redis %s: %w", addr, err)
		}
		cleanup = func() { _ = rdb.Close() }
	}

	manager, err := cache.NewManager(rdb, cache.Config{})
	if err != nil {
		cleanup()
		return client.Config{}, nil, err
	}
	cfg.Cache = manager

	return cfg, cleanup, nil
}
