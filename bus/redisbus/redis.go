// Package redisbus is a Redis Streams-based implementation of bus.Bus. One
// stream carries every message for a broadcast group; each subscriber reads
// it independently from the position it joined at, which gives fan-out to
// all live contexts without consumer groups.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/m1ndvortex/tabsync/bus"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis bus.
type Config struct {
	// Client is the Redis client to use. If nil, a default client will be created.
	Client redis.UniversalClient
	// Stream names the broadcast group. Default: "tabsync:bus".
	Stream string
	// MaxLen caps the stream length (approximate trimming). Default: 1000.
	MaxLen int64
	// Block is how long one XREAD waits before re-checking cancellation.
	// Default: 1s.
	Block time.Duration
	// Logger receives subscription errors. Discarded if nil.
	Logger *slog.Logger
}

// Bus implements bus.Bus over a Redis stream.
type Bus struct {
	client redis.UniversalClient
	stream string
	maxLen int64
	block  time.Duration
	log    *slog.Logger
}

// New creates a new Redis-based bus instance.
func New(config Config) *Bus {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}
	b := &Bus{
		client: client,
		stream: config.Stream,
		maxLen: config.MaxLen,
		block:  config.Block,
		log:    config.Logger,
	}
	if b.stream == "" {
		b.stream = "tabsync:bus"
	}
	if b.maxLen <= 0 {
		b.maxLen = 1000
	}
	if b.block <= 0 {
		b.block = time.Second
	}
	if b.log == nil {
		b.log = slog.New(slog.DiscardHandler)
	}
	return b
}

// Publish appends msg to the stream.
func (b *Bus) Publish(ctx context.Context, msg bus.Message) error {
	data, err := bus.Encode(msg)
	if err != nil {
		return err
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"m": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: publish to stream %s: %v", bus.ErrUnavailable, b.stream, err)
	}
	return nil
}

// Subscribe reads the stream from its current end in a background goroutine.
func (b *Bus) Subscribe(ctx context.Context, handler bus.Handler) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	// Resolve "$" to a concrete id now so messages published between
	// Subscribe returning and the first XREAD are not missed.
	start := "0-0"
	last, err := b.client.XRevRangeN(subCtx, b.stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		cancel()
		return nil, fmt.Errorf("%w: read stream tail: %v", bus.ErrUnavailable, err)
	}
	if len(last) > 0 {
		start = last[0].ID
	}

	go b.readLoop(subCtx, start, handler)
	return cancel, nil
}

func (b *Bus) readLoop(ctx context.Context, start string, handler bus.Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{b.stream, start},
			Count:   16,
			Block:   b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			b.log.WarnContext(ctx, "redisbus.read.failed", slog.String("err", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.block):
			}
			continue
		}
		for _, stream := range streams {
			for _, m := range stream.Messages {
				start = m.ID
				var payload []byte
				switch v := m.Values["m"].(type) {
				case string:
					payload = []byte(v)
				case []byte:
					payload = v
				default:
					continue
				}
				msg, err := bus.Decode(payload)
				if err != nil {
					b.log.DebugContext(ctx, "redisbus.decode.failed", slog.String("err", err.Error()))
					continue
				}
				handler(ctx, msg)
			}
		}
	}
}

// Close closes the Redis connection.
func (b *Bus) Close() error {
	return b.client.Close()
}

// Compile-time interface checks
var _ bus.Bus = (*Bus)(nil)
