// Package rediskv provides a Redis-based implementation of kv.Store for
// execution contexts that run on different hosts but share one Redis.
package rediskv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/m1ndvortex/tabsync/kv"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance.
	Client redis.UniversalClient

	// KeyPrefix is the prefix for all Redis keys.
	// Default: "tabsync:kv:"
	KeyPrefix string

	// MaxBytes is an advisory quota enforced on Set. Zero = unbounded.
	MaxBytes int64
}

// Store implements kv.Store using Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	maxBytes  int64
}

// storedItem represents the structure stored in Redis
type storedItem struct {
	Value     []byte     `json:"value"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a new Redis-based store.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "tabsync:kv:"
	}
	return &Store{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
		maxBytes:  config.MaxBytes,
	}, nil
}

func (s *Store) Get(ctx context.Context, key string) (*kv.Item, error) {
	redisKey := s.buildKey(key)

	result := s.client.Get(ctx, redisKey)
	if err := result.Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", redisKey, err)
	}

	var item storedItem
	if err := json.Unmarshal([]byte(result.Val()), &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored data: %w", err)
	}

	out := &kv.Item{Value: item.Value, CreatedAt: item.CreatedAt, ExpiresAt: item.ExpiresAt}
	if out.IsExpired(time.Now()) {
		s.client.Del(ctx, redisKey)
		return nil, nil
	}
	return out, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, opts ...kv.Option) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	data, ttl, err := s.encode(value, kv.ApplyOptions(opts...))
	if err != nil {
		return err
	}
	if err := s.checkQuota(ctx, key, int64(len(data))); err != nil {
		return err
	}

	redisKey := s.buildKey(key)
	if err := s.client.Set(ctx, redisKey, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", redisKey, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	redisKey := s.buildKey(key)
	if err := s.client.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", redisKey, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	redisKeys, err := s.scanKeys(ctx, s.buildKey(escapeGlob(prefix))+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to scan keys for prefix %s: %w", prefix, err)
	}
	out := make([]string, 0, len(redisKeys))
	for _, k := range redisKeys {
		out = append(out, strings.TrimPrefix(k, s.keyPrefix))
	}
	sort.Strings(out)
	return out, nil
}

// casScript swaps the envelope stored at KEYS[1] when its value matches.
// ARGV: expected base64 value, new envelope, ttl millis, "1" if the key must be absent.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[4] == '1' then
  if cur then return 0 end
else
  if not cur then return 0 end
  local ok, env = pcall(cjson.decode, cur)
  if not ok or env['value'] ~= ARGV[1] then return 0 end
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// CompareAndSwap implements kv.CompareAndSwapper atomically via Lua.
func (s *Store) CompareAndSwap(ctx context.Context, key string, old, new []byte, opts ...kv.Option) (bool, error) {
	if err := kv.ValidateKey(key); err != nil {
		return false, err
	}
	data, ttl, err := s.encode(new, kv.ApplyOptions(opts...))
	if err != nil {
		return false, err
	}
	mustBeAbsent := "0"
	if old == nil {
		mustBeAbsent = "1"
	}
	res, err := casScript.Run(ctx, s.client, []string{s.buildKey(key)},
		base64.StdEncoding.EncodeToString(old), data, ttl.Milliseconds(), mustBeAbsent).Int()
	if err != nil {
		return false, fmt.Errorf("compare-and-swap %s: %w", key, err)
	}
	return res == 1, nil
}

// Usage implements kv.Sizer by summing value lengths under the prefix.
func (s *Store) Usage(ctx context.Context) (kv.Usage, error) {
	keys, err := s.scanKeys(ctx, s.keyPrefix+"*")
	if err != nil {
		return kv.Usage{}, err
	}
	u := kv.Usage{CapacityBytes: s.maxBytes, Keys: len(keys)}
	if len(keys) == 0 {
		return u, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.StrLen(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return kv.Usage{}, fmt.Errorf("usage: %w", err)
	}
	for _, c := range cmds {
		u.UsedBytes += c.Val()
	}
	return u, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) encode(value []byte, o kv.Options) ([]byte, time.Duration, error) {
	now := time.Now()
	item := storedItem{Value: value, CreatedAt: now}
	if item.Value == nil {
		item.Value = []byte{}
	}
	var ttl time.Duration
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		item.ExpiresAt = &exp
		ttl = *o.TTL
	}
	data, err := json.Marshal(item)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal item: %w", err)
	}
	return data, ttl, nil
}

func (s *Store) checkQuota(ctx context.Context, key string, size int64) error {
	if s.maxBytes <= 0 {
		return nil
	}
	u, err := s.Usage(ctx)
	if err != nil {
		return err
	}
	if prev, err := s.client.StrLen(ctx, s.buildKey(key)).Result(); err == nil {
		u.UsedBytes -= prev
	}
	if u.UsedBytes+size > s.maxBytes {
		return kv.ErrQuotaExceeded
	}
	return nil
}

func (s *Store) buildKey(key string) string {
	return s.keyPrefix + key
}

// scanKeys uses Redis SCAN to find all keys matching a pattern
func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string { return globEscaper.Replace(s) }

// Compile-time interface checks
var (
	_ kv.Store             = (*Store)(nil)
	_ kv.Sizer             = (*Store)(nil)
	_ kv.CompareAndSwapper = (*Store)(nil)
)
