// Package config loads the orchestrator configuration: defaults, an
// optional YAML file, and ORCH_-prefixed environment overrides
// (ORCH_STORE_DRIVER, ORCH_INDEX_REDIS_ADDR, ...).
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Server struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	EnableCORS bool   `mapstructure:"enable_cors"`
	Debug      bool   `mapstructure:"debug"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory | postgres
	DSN    string `mapstructure:"dsn"`
}

type IndexConfig struct {
	Backend       string `mapstructure:"backend"` // memory | redis
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Key           string `mapstructure:"key"`
}

type SchedulerConfig struct {
	TickSeconds           int `mapstructure:"tick_seconds"`
	HealthSeconds         int `mapstructure:"health_seconds"`
	HeartbeatStaleSeconds int `mapstructure:"heartbeat_stale_seconds"`
	HeartbeatDeadSeconds  int `mapstructure:"heartbeat_dead_seconds"`
	MaxRetries            int `mapstructure:"max_retries"`
	RetryCooldownSeconds  int `mapstructure:"retry_cooldown_seconds"`
	DispatchLimit         int `mapstructure:"dispatch_limit"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server    Server          `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Index     IndexConfig     `mapstructure:"index"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
}

func (c SchedulerConfig) Tick() time.Duration          { return seconds(c.TickSeconds) }
func (c SchedulerConfig) Health() time.Duration        { return seconds(c.HealthSeconds) }
func (c SchedulerConfig) Stale() time.Duration         { return seconds(c.HeartbeatStaleSeconds) }
func (c SchedulerConfig) Dead() time.Duration          { return seconds(c.HeartbeatDeadSeconds) }
func (c SchedulerConfig) RetryCooldown() time.Duration { return seconds(c.RetryCooldownSeconds) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Load reads configuration. path may be empty: defaults plus environment
// only. A named file that does not exist is an error; the default search
// simply falls through.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.enable_cors", true)
	v.SetDefault("server.debug", false)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("index.backend", "memory")
	v.SetDefault("index.redis_addr", "127.0.0.1:6379")
	v.SetDefault("index.redis_password", "")
	v.SetDefault("index.redis_db", 0)
	v.SetDefault("index.key", "planet_round_queue")
	v.SetDefault("scheduler.tick_seconds", 5)
	v.SetDefault("scheduler.health_seconds", 5)
	v.SetDefault("scheduler.heartbeat_stale_seconds", 30)
	v.SetDefault("scheduler.heartbeat_dead_seconds", 60)
	v.SetDefault("scheduler.max_retries", 5)
	v.SetDefault("scheduler.retry_cooldown_seconds", 30)
	v.SetDefault("scheduler.dispatch_limit", 20)
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	} else {
		v.SetConfigName("orchestrator")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/planet-orchestrator")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
