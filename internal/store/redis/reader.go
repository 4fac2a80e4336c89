package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"zen-engine/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr      string
	Password  string
	DB        int
	BarPrefix string // bar stream prefix, default "bar"
}

// Reader reads bars from Redis Streams: history via XREVRANGE and the live
// feed via blocking XREAD.
type Reader struct {
	client *goredis.Client
	prefix string
}

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig) (*Reader, error) {
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

	log.Printf("[redis-reader] connected to %s (prefix=%s)", cfg.Addr, cfg.BarPrefix)
	return NewReaderFromClient(client, cfg.BarPrefix), nil
}

// NewReaderFromClient wraps an existing client.
func NewReaderFromClient(client *goredis.Client, prefix string) *Reader {
	if prefix == "" {
		prefix = DefaultBarPrefix
	}
	return &Reader{client: client, prefix: prefix}
}

// Client returns the underlying Redis client for health checks.
func (r *Reader) Client() *goredis.Client { return r.client }

// ReadBars returns up to limit of the newest bars on the stream with TS at
// or after since, oldest first. limit <= 0 reads the whole stream.
func (r *Reader) ReadBars(ctx context.Context, key model.StreamKey, since time.Time, limit int) ([]model.Bar, error) {
	stream := BarStream(r.prefix, key)

	var (
		msgs []goredis.XMessage
		err  error
	)
	if limit > 0 {
		msgs, err = r.client.XRevRangeN(ctx, stream, "+", "-", int64(limit)).Result()
	} else {
		msgs, err = r.client.XRevRange(ctx, stream, "+", "-").Result()
	}
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xrevrange %s: %w", stream, err)
	}

	bars := make([]model.Bar, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		b, ok := decodeBar(msgs[i])
		if !ok {
			continue
		}
		if !since.IsZero() && b.TS.Before(since) {
			continue
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// Cursor returns the ID of the newest message on the bar stream, or "0"
// when the stream is empty. Pass it to Follow to resume without a gap.
func (r *Reader) Cursor(ctx context.Context, key model.StreamKey) (string, error) {
	stream := BarStream(r.prefix, key)
	msgs, err := r.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return "", fmt.Errorf("xrevrange %s: %w", stream, err)
	}
	if len(msgs) == 0 {
		return "0", nil
	}
	return msgs[0].ID, nil
}

// Follow blocks on XREAD after cursor and sends each decoded bar to out.
// Returns ctx.Err() when ctx is cancelled, or the read error after
// maxConsecutiveErrors failed reads so the caller can resubscribe.
func (r *Reader) Follow(ctx context.Context, key model.StreamKey, cursor string, out chan<- model.Bar) error {
	const maxConsecutiveErrors = 5

	stream := BarStream(r.prefix, key)
	if cursor == "" {
		cursor = "$"
	}
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := r.client.XRead(ctx, &goredis.XReadArgs{
			Streams: []string{stream, cursor},
			Count:   100,
			Block:   2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				failures = 0
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if failures >= maxConsecutiveErrors {
				return fmt.Errorf("xread %s: %w", stream, err)
			}
			log.Printf("[redis-reader] xread error on %s: %v", stream, err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		failures = 0

		for _, res := range results {
			for _, msg := range res.Messages {
				cursor = msg.ID
				b, ok := decodeBar(msg)
				if !ok {
					log.Printf("[redis-reader] skipping malformed bar %s on %s", msg.ID, stream)
					continue
				}
				select {
				case out <- b:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// ReadSnapshot loads the latest published snapshot for key.
// Returns nil, nil when none exists.
func (r *Reader) ReadSnapshot(ctx context.Context, key model.StreamKey) (*model.StreamSnapshot, error) {
	data, err := r.client.Get(ctx, LatestKey(key)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get snapshot %s: %w", key, err)
	}

	var snap model.StreamSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}

func decodeBar(msg goredis.XMessage) (model.Bar, bool) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return model.Bar{}, false
	}
	var b model.Bar
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return model.Bar{}, false
	}
	return b, true
}
