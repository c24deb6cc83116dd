// Package bootstrap wires the configured store, index and engine together.
package bootstrap

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/alamin-khalid/planet-orchestrator/internal/clock"
	"github.com/alamin-khalid/planet-orchestrator/internal/config"
	"github.com/alamin-khalid/planet-orchestrator/internal/registry"
	"github.com/alamin-khalid/planet-orchestrator/internal/scheduler"
	"github.com/alamin-khalid/planet-orchestrator/internal/state"
)

func NewStore(cfg config.Config) (state.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return state.NewMemoryStore(), nil
	case "postgres":
		if cfg.Store.DSN == "" {
			return nil, fmt.Errorf("store.dsn is required when store.driver=postgres")
		}
		return state.NewPostgresStore(cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("unsupported store.driver value %q", cfg.Store.Driver)
	}
}

func NewIndex(cfg config.Config) (state.PendingIndex, error) {
	switch cfg.Index.Backend {
	case "", "memory":
		return state.NewMemoryIndex(), nil
	case "redis":
		return state.NewRedisIndex(state.RedisIndexConfig{
			Addr:     cfg.Index.RedisAddr,
			Password: cfg.Index.RedisPassword,
			DB:       cfg.Index.RedisDB,
			Key:      cfg.Index.Key,
			Timeout:  2 * time.Second,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported index.backend value %q", cfg.Index.Backend)
	}
}

func NewEngine(cfg config.Config, store state.Store, index state.PendingIndex, reg *registry.Registry, clk clock.Clock, log *slog.Logger) *scheduler.Engine {
	return scheduler.NewEngine(store, index, reg, clk, log, scheduler.Options{
		TickInterval:   cfg.Scheduler.Tick(),
		HealthInterval: cfg.Scheduler.Health(),
		HeartbeatStale: cfg.Scheduler.Stale(),
		HeartbeatDead:  cfg.Scheduler.Dead(),
		MaxRetries:     cfg.Scheduler.MaxRetries,
		RetryCooldown:  cfg.Scheduler.RetryCooldown(),
		DispatchLimit:  cfg.Scheduler.DispatchLimit,
	})
}
