// Package stream owns one analysis pipeline per (symbol, freq) and guards it
// for concurrent readers.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zen-engine/internal/indicator"
	"zen-engine/internal/model"
	"zen-engine/internal/zen"
)

// Options configures every container created by a Registry.
type Options struct {
	Settings   zen.Settings
	SMAPeriods []int
	Logger     *slog.Logger
}

// Container wraps a zen.Engine with a read-write lock. Ingest, Replay and
// Reset take the write lock; every query takes the read lock and returns
// copies.
type Container struct {
	key    model.StreamKey
	logger *slog.Logger

	mu       sync.RWMutex
	engine   *zen.Engine
	tracker  *indicator.Tracker
	updated  time.Time
	ingested int64

	staleReason string // non-empty while a resubscription is needed
}

// NewContainer creates a container. Invalid settings fail here.
func NewContainer(key model.StreamKey, opts Options) (*Container, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("stream", key.String())
	engine, err := zen.NewEngine(opts.Settings, logger)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", key, err)
	}
	return &Container{
		key:     key,
		logger:  logger,
		engine:  engine,
		tracker: indicator.NewTracker(opts.SMAPeriods),
	}, nil
}

// Key returns the stream key.
func (c *Container) Key() model.StreamKey { return c.key }

func toZenBar(b model.Bar) zen.Bar {
	return zen.Bar{
		DT:     b.TS.UTC(),
		Open:   b.Open,
		High:   b.High,
		Low:    b.Low,
		Close:  b.Close,
		Vol:    b.Volume,
		Amount: b.Amount,
	}
}

// Ingest applies one bar. See zen.Engine.Ingest for error semantics.
func (c *Container) Ingest(b model.Bar) (zen.IngestResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ingestLocked(b)
}

func (c *Container) ingestLocked(b model.Bar) (zen.IngestResult, error) {
	res, err := c.engine.Ingest(toZenBar(b))
	var inv *zen.InvariantError
	if err != nil && !errors.As(err, &inv) {
		return res, err
	}
	c.tracker.Update(b.Close, res.NewPeriod)
	c.updated = time.Now()
	c.ingested++
	return res, err
}

// Replay resets the container and ingests bars in order under one write
// lock, checking ctx before every bar. Rejected bars are logged and
// skipped. It returns the number of bars applied.
func (c *Container) Replay(ctx context.Context, bars []model.Bar) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetLocked()
	applied := 0
	for _, b := range bars {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if _, err := c.ingestLocked(b); err != nil {
			var inv *zen.InvariantError
			if !errors.As(err, &inv) {
				c.logger.Warn("replay skipped bar", "ts", b.TS, "err", err)
				continue
			}
		}
		applied++
	}
	c.staleReason = ""
	return applied, nil
}

// Reset discards all analysis state.
func (c *Container) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Container) resetLocked() {
	c.engine.Reset()
	c.tracker.Reset()
	c.ingested = 0
	c.updated = time.Time{}
}

// MarkNeedsResubscribe flags the container after an upstream failure. The
// analysis state is kept until a Replay succeeds.
func (c *Container) MarkNeedsResubscribe(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reason := "upstream error"
	if cause != nil {
		reason = cause.Error()
	}
	c.staleReason = reason
	c.logger.Warn("stream needs resubscribe", "reason", reason)
}

// NeedsResubscribe reports whether an upstream failure is pending and why.
func (c *Container) NeedsResubscribe() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.staleReason != "", c.staleReason
}

// Strokes returns the confirmed strokes, oldest first.
func (c *Container) Strokes() []zen.Stroke {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine.Strokes()
}

// Pivots returns the pivot windows ending offset strokes back.
func (c *Container) Pivots(offset int) []zen.Window {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine.Windows(offset)
}

// Divergences scans for divergences at offset without logging them.
func (c *Container) Divergences(offset int) []zen.Divergence {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine.Scan(offset)
}

// DivergenceLog returns the logged divergence records, oldest first.
func (c *Container) DivergenceLog() []zen.Divergence {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine.DivergenceLog()
}

// Ingested returns the number of bars applied since the last reset.
func (c *Container) Ingested() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ingested
}

// LastBar returns the most recent bar.
func (c *Container) LastBar() (zen.Bar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine.LastBar()
}

// Snapshot builds the published JSON view.
func (c *Container) Snapshot() model.StreamSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := model.StreamSnapshot{
		Symbol:      c.key.Symbol,
		Freq:        c.key.Freq,
		UpdatedAt:   c.updated,
		Finished:    []model.StrokeView{},
		Unfinished:  []model.StrokeView{},
		Pivots:      []model.PivotView{},
		Divergences: []model.DivergenceView{},
		Stale:       c.staleReason != "",
		StaleReason: c.staleReason,
	}

	strokes := c.engine.Strokes()
	for _, s := range strokes {
		snap.Finished = append(snap.Finished, StrokeView(s))
	}
	if p, ok := c.engine.Provisional(); ok {
		snap.Unfinished = append(snap.Unfinished, ProvisionalView(p))
	}
	for _, w := range c.engine.Windows(0) {
		snap.Pivots = append(snap.Pivots, PivotView(w.Pivot.Info()))
	}
	for _, d := range c.engine.DivergenceLog() {
		snap.Divergences = append(snap.Divergences, DivergenceView(d))
	}
	if n := len(strokes); n >= 2 && strokes[n-1].Power() > 0 {
		snap.StrokeRatio = strokes[n-2].Power() / strokes[n-1].Power()
	}

	if last, ok := c.engine.LastBar(); ok {
		snap.LastBarTS = last.DT
		for _, r := range c.tracker.Readings() {
			if !r.Ready {
				continue
			}
			snap.MA = append(snap.MA, model.MADistance{
				Period:   r.Period,
				MA:       r.Value,
				Distance: c.tracker.Distance(r.Period, last.Close),
			})
		}
	}
	return snap
}
