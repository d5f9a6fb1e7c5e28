package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vango-go/vai-toy/pkg/gateway/config"
	"github.com/vango-go/vai-toy/pkg/gateway/handlers"
	gatewayserver "github.com/vango-go/vai-toy/pkg/gateway/server"
	"github.com/vango-go/vai-toy/pkg/store/children"
	"github.com/vango-go/vai-toy/pkg/store/replay"
)

const nonceKeyPrefix = "vai-toy:"

// openStores connects the nonce and child stores named by cfg, falling back
// to in-memory stores when no URL is configured. The returned cleanup closes
// every opened connection.
func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (gatewayserver.Dependencies, func(), error) {
	deps := gatewayserver.Dependencies{ReadyChecks: map[string]handlers.ReadyCheck{}}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownGracePeriod)
	defer cancel()

	if cfg.RedisURL != "" {
		client, err := replay.OpenRedis(dialCtx, cfg.RedisURL)
		if err != nil {
			return deps, cleanup, err
		}
		closers = append(closers, func() { _ = client.Close() })
		deps.Nonces = replay.NewRedis(client, nonceKeyPrefix)
		deps.ReadyChecks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		logger.Info("nonce store", "backend", "redis")
	} else {
		deps.Nonces = replay.NewMemory()
		logger.Warn("nonce store is in-memory; replay protection is per instance")
	}

	if cfg.DatabaseURL != "" {
		pool, err := children.OpenPostgres(dialCtx, cfg.DatabaseURL)
		if err != nil {
			return deps, cleanup, err
		}
		closers = append(closers, pool.Close)
		if cfg.DatabaseMigrate {
			n, err := children.Migrate(dialCtx, pool)
			if err != nil {
				return deps, cleanup, fmt.Errorf("migrate child store: %w", err)
			}
			logger.Info("child store migrated", "applied", n)
		}
		deps.Children = children.NewPostgres(pool)
		deps.ReadyChecks["postgres"] = pool.Ping
		logger.Info("child store", "backend", "postgres")
	} else {
		deps.Children = children.NewMemory()
		logger.Warn("child store is in-memory; profiles are lost on restart")
	}
	return deps, cleanup, nil
}
