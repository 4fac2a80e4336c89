package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the analysis service from concrete storage
// implementations (Redis, SQLite, broker APIs).

// BarWriter persists bars for later backfill and replay.
type BarWriter interface {
	// Run reads bars from barCh and writes them in batches.
	// Blocks until ctx is cancelled or barCh is closed.
	Run(ctx context.Context, barCh <-chan Bar)

	// WriteBars writes bars synchronously (upsert by symbol, freq, ts).
	WriteBars(ctx context.Context, bars []Bar) error

	Close() error
}

// BarReader reads stored bars for one stream.
type BarReader interface {
	// ReadBars returns up to limit bars at or after since, oldest first.
	// limit <= 0 means no limit.
	ReadBars(ctx context.Context, key StreamKey, since time.Time, limit int) ([]Bar, error)

	Close() error
}

// SignalPublisher publishes analysis output to downstream consumers.
type SignalPublisher interface {
	// PublishSnapshot stores the latest snapshot and notifies subscribers.
	PublishSnapshot(ctx context.Context, snap StreamSnapshot) error

	// PublishDivergence appends a divergence record to the stream's signal log.
	PublishDivergence(ctx context.Context, key StreamKey, d DivergenceView) error
}

// DivergenceStore keeps an audit trail of divergence records.
type DivergenceStore interface {
	SaveDivergence(ctx context.Context, key StreamKey, d DivergenceView) error
	ReadDivergences(ctx context.Context, key StreamKey, limit int) ([]DivergenceView, error)
}
