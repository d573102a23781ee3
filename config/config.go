// Package config loads tabsync settings from the environment and opens the
// shared store and bus they describe.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/m1ndvortex/tabsync/bus"
	"github.com/m1ndvortex/tabsync/bus/memorybus"
	"github.com/m1ndvortex/tabsync/bus/redisbus"
	"github.com/m1ndvortex/tabsync/bus/storebus"
	"github.com/m1ndvortex/tabsync/kv"
	"github.com/m1ndvortex/tabsync/kv/filekv"
	"github.com/m1ndvortex/tabsync/kv/memorykv"
	"github.com/m1ndvortex/tabsync/kv/postgreskv"
	"github.com/m1ndvortex/tabsync/kv/rediskv"
	"github.com/m1ndvortex/tabsync/netretry"
	"github.com/redis/go-redis/v9"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config holds every tunable. Defaults are provided via struct tags.
type Config struct {
	HeartbeatInterval time.Duration `env:"TABSYNC_HEARTBEAT_INTERVAL,default=2m"`
	LivenessTimeout   time.Duration `env:"TABSYNC_LIVENESS_TIMEOUT,default=2m"`
	SweepInterval     time.Duration `env:"TABSYNC_SWEEP_INTERVAL,default=60s"`
	LockTTL           time.Duration `env:"TABSYNC_LOCK_TTL,default=30s"`
	ConflictTimeout   time.Duration `env:"TABSYNC_CONFLICT_TIMEOUT,default=30s"`
	ConsistencyCheck  time.Duration `env:"TABSYNC_CONSISTENCY_INTERVAL,default=30s"`

	RetryMax        int           `env:"TABSYNC_RETRY_MAX,default=3"`
	RetryBaseDelay  time.Duration `env:"TABSYNC_RETRY_BASE_DELAY,default=1s"`
	RetryMaxDelay   time.Duration `env:"TABSYNC_RETRY_MAX_DELAY,default=30s"`
	RetryMultiplier float64       `env:"TABSYNC_RETRY_MULTIPLIER,default=2"`
	RetryJitter     time.Duration `env:"TABSYNC_RETRY_JITTER,default=1s"`

	CacheScanInterval time.Duration `env:"TABSYNC_CACHE_SCAN_INTERVAL,default=5m"`

	SyncPollInterval    time.Duration `env:"TABSYNC_SYNC_POLL_INTERVAL,default=30s"`
	SyncCriticalRetries int           `env:"TABSYNC_SYNC_CRITICAL_RETRIES,default=5"`
	SyncNormalRetries   int           `env:"TABSYNC_SYNC_NORMAL_RETRIES,default=3"`
	SyncLowRetries      int           `env:"TABSYNC_SYNC_LOW_RETRIES,default=1"`

	Store         string `env:"TABSYNC_STORE,default=memory"`
	StoreDir      string `env:"TABSYNC_STORE_DIR,default=.tabsync"`
	StoreMaxBytes int64  `env:"TABSYNC_STORE_MAX_BYTES,default=5242880"`
	RedisAddr     string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisStream   string `env:"TABSYNC_REDIS_STREAM,default=tabsync:bus"`
	PostgresDSN   string `env:"TABSYNC_POSTGRES_DSN"`

	AuthBaseURL   string        `env:"TABSYNC_AUTH_BASE_URL"`
	ProbeURL      string        `env:"TABSYNC_PROBE_URL"`
	ProbeInterval time.Duration `env:"TABSYNC_PROBE_INTERVAL,default=30s"`

	MetricsAddr string `env:"TABSYNC_METRICS_ADDR"`
	LogLevel    string `env:"TABSYNC_LOG_LEVEL,default=info"`
}

// ErrInvalid is wrapped by Validate failures.
var ErrInvalid = errors.New("config: invalid")

// Load decodes the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: decode env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"TABSYNC_HEARTBEAT_INTERVAL":   c.HeartbeatInterval,
		"TABSYNC_LIVENESS_TIMEOUT":     c.LivenessTimeout,
		"TABSYNC_SWEEP_INTERVAL":       c.SweepInterval,
		"TABSYNC_LOCK_TTL":             c.LockTTL,
		"TABSYNC_CONFLICT_TIMEOUT":     c.ConflictTimeout,
		"TABSYNC_CONSISTENCY_INTERVAL": c.ConsistencyCheck,
		"TABSYNC_RETRY_BASE_DELAY":     c.RetryBaseDelay,
		"TABSYNC_RETRY_MAX_DELAY":      c.RetryMaxDelay,
		"TABSYNC_CACHE_SCAN_INTERVAL":  c.CacheScanInterval,
		"TABSYNC_SYNC_POLL_INTERVAL":   c.SyncPollInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive", ErrInvalid, name))
		}
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, fmt.Errorf("%w: TABSYNC_RETRY_MAX_DELAY below base delay", ErrInvalid))
	}
	if c.RetryMultiplier < 1 {
		errs = append(errs, fmt.Errorf("%w: TABSYNC_RETRY_MULTIPLIER must be >= 1", ErrInvalid))
	}
	if c.RetryMax < 0 || c.SyncCriticalRetries < 1 || c.SyncNormalRetries < 1 || c.SyncLowRetries < 1 {
		errs = append(errs, fmt.Errorf("%w: retry limits out of range", ErrInvalid))
	}
	switch c.Store {
	case StoreMemory, StoreFile, StoreRedis:
	case StorePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("%w: TABSYNC_POSTGRES_DSN required for postgres store", ErrInvalid))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown TABSYNC_STORE %q", ErrInvalid, c.Store))
	}
	return errors.Join(errs...)
}

// RetryPolicy builds the shared backoff policy.
func (c Config) RetryPolicy() netretry.Policy {
	p := netretry.DefaultPolicy()
	p.MaxRetries = c.RetryMax
	p.BaseDelay = c.RetryBaseDelay
	p.MaxDelay = c.RetryMaxDelay
	p.Multiplier = c.RetryMultiplier
	p.Jitter = c.RetryJitter
	return p
}

// SlogLevel parses LogLevel, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// OpenStore opens the configured shared store.
func (c Config) OpenStore(ctx context.Context) (kv.Store, error) {
	switch c.Store {
	case StoreFile:
		return filekv.New(filekv.Config{Dir: c.StoreDir, MaxBytes: c.StoreMaxBytes})
	case StoreRedis:
		cl := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		if err := cl.Ping(ctx).Err(); err != nil {
			_ = cl.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return rediskv.New(rediskv.Config{Client: cl, MaxBytes: c.StoreMaxBytes})
	case StorePostgres:
		s, err := postgreskv.New(postgreskv.Config{DSN: c.PostgresDSN, MaxBytes: c.StoreMaxBytes})
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return memorykv.New(memorykv.Config{MaxBytes: c.StoreMaxBytes})
	}
}

// OpenBus opens the broadcast transport for store. Every backend falls
// back to polling the store when its primary transport fails.
func (c Config) OpenBus(store kv.Store, log *slog.Logger) bus.Bus {
	fallback := storebus.New(store, storebus.Config{Logger: log})
	var primary bus.Bus
	switch c.Store {
	case StoreRedis:
		primary = redisbus.New(redisbus.Config{
			Client: redis.NewClient(&redis.Options{Addr: c.RedisAddr}),
			Stream: c.RedisStream,
			Logger: log,
		})
	case StoreMemory:
		primary = memorybus.New()
	default:
		// Files and Postgres have no push channel of their own.
		return fallback
	}
	return bus.NewFailover(primary, fallback, log)
}
