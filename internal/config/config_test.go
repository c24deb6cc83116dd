package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0", cfg.Server.Host)
	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "memory", cfg.Store.Driver)
	require.Equal(t, "memory", cfg.Index.Backend)
	require.Equal(t, "planet_round_queue", cfg.Index.Key)
	require.Equal(t, 5*time.Second, cfg.Scheduler.Tick())
	require.Equal(t, 30*time.Second, cfg.Scheduler.Stale())
	require.Equal(t, 60*time.Second, cfg.Scheduler.Dead())
	require.Equal(t, 5, cfg.Scheduler.MaxRetries)
	require.Equal(t, 30*time.Second, cfg.Scheduler.RetryCooldown())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ORCH_SERVER_PORT", "9000")
	t.Setenv("ORCH_STORE_DRIVER", "postgres")
	t.Setenv("ORCH_SCHEDULER_TICK_SECONDS", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Server.Port)
	require.Equal(t, "postgres", cfg.Store.Driver)
	require.Equal(t, 2*time.Second, cfg.Scheduler.Tick())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	content := []byte("server:\n  port: 8443\nindex:\n  backend: redis\n  redis_addr: 10.0.0.5:6379\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8443, cfg.Server.Port)
	require.Equal(t, "redis", cfg.Index.Backend)
	require.Equal(t, "10.0.0.5:6379", cfg.Index.RedisAddr)
	// Untouched keys keep their defaults.
	require.Equal(t, "memory", cfg.Store.Driver)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
