package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"zen-engine/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultLatestTTL = 24 * time.Hour
	signalMaxLen     = 1000
	barStreamMaxLen  = 20000
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr      string // Redis address, e.g. "localhost:6379"
	Password  string
	DB        int
	BarPrefix string
}

// Writer publishes snapshots and divergence records to Redis, and appends
// bars to bar streams for replay tooling.
type Writer struct {
	client *goredis.Client
	prefix string
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.BarPrefix
	if prefix == "" {
		prefix = DefaultBarPrefix
	}
	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client, prefix: prefix}, nil
}

// PublishSnapshot stores snap as the stream's latest value and publishes it.
func (w *Writer) PublishSnapshot(ctx context.Context, snap model.StreamSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	key := snap.Key()

	pipe := w.client.Pipeline()
	pipe.Set(ctx, LatestKey(key), data, defaultLatestTTL)
	pipe.Publish(ctx, SnapshotChannel(key), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("snapshot pipeline %s: %w", key, err)
	}
	return nil
}

// PublishDivergence appends d to the stream's signal log and publishes it.
func (w *Writer) PublishDivergence(ctx context.Context, key model.StreamKey, d model.DivergenceView) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal divergence: %w", err)
	}

	pipe := w.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: SignalStream(key),
		MaxLen: signalMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	})
	pipe.Publish(ctx, SignalChannel(key), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("divergence pipeline %s: %w", key, err)
	}
	return nil
}

// AppendBars XADDs bars to their bar streams in one pipeline.
func (w *Writer) AppendBars(ctx context.Context, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	pipe := w.client.Pipeline()
	for i := range bars {
		b := &bars[i]
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: BarStream(w.prefix, b.Key()),
			MaxLen: barStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": string(b.JSON())},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bar pipeline (%d bars): %w", len(bars), err)
	}
	return nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
