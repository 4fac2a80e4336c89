// Package history fetches past bars for a stream so a container can be
// rebuilt on subscribe or resync.
package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"zen-engine/internal/model"
)

// Fetcher returns up to limit of the most recent bars for key, oldest first.
type Fetcher interface {
	Fetch(ctx context.Context, key model.StreamKey, limit int) ([]model.Bar, error)
	Name() string
}

// StoreFetcher serves history from a bar store (SQLite, Redis streams).
type StoreFetcher struct {
	reader model.BarReader
	name   string
}

// NewStoreFetcher wraps reader. name labels the source in logs.
func NewStoreFetcher(name string, reader model.BarReader) *StoreFetcher {
	return &StoreFetcher{reader: reader, name: name}
}

func (f *StoreFetcher) Fetch(ctx context.Context, key model.StreamKey, limit int) ([]model.Bar, error) {
	bars, err := f.reader.ReadBars(ctx, key, time.Time{}, limit)
	if err != nil {
		return nil, fmt.Errorf("%s history %s: %w", f.name, key, err)
	}
	return bars, nil
}

func (f *StoreFetcher) Name() string { return f.name }

// Recording fetches from a remote source and writes what it got to a
// BarWriter, so later resyncs can fall back on the local copy.
type Recording struct {
	source Fetcher
	sink   model.BarWriter
}

// NewRecording wraps source, persisting fetched bars to sink.
func NewRecording(source Fetcher, sink model.BarWriter) *Recording {
	return &Recording{source: source, sink: sink}
}

// Fetch returns the source's bars. When only the write to the sink fails,
// the bars are still returned together with the error.
func (r *Recording) Fetch(ctx context.Context, key model.StreamKey, limit int) ([]model.Bar, error) {
	bars, err := r.source.Fetch(ctx, key, limit)
	if err != nil {
		return nil, err
	}
	if err := r.sink.WriteBars(ctx, bars); err != nil {
		return bars, fmt.Errorf("record %d bars for %s: %w", len(bars), key, err)
	}
	return bars, nil
}

func (r *Recording) Name() string { return r.source.Name() }

// normalize sorts bars by TS, drops invalid bars and duplicates (last
// occurrence wins) and keeps the newest limit bars.
func normalize(bars []model.Bar, limit int) []model.Bar {
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].TS.Before(bars[j].TS) })
	out := bars[:0]
	for _, b := range bars {
		if !b.Valid() {
			continue
		}
		if n := len(out); n > 0 && out[n-1].TS.Equal(b.TS) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
