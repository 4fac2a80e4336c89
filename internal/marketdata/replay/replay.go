// Package replay reads stored bars and emits them at a configurable speed,
// interleaving several streams by timestamp.
package replay

import (
	"context"
	"log"
	"sort"
	"time"

	"zen-engine/internal/model"
)

// Replayer reads historical bars from a BarReader and replays them.
type Replayer struct {
	reader model.BarReader

	// MaxGap caps the sleep between two bars at any speed.
	MaxGap time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Replayer backed by reader.
func New(reader model.BarReader) *Replayer {
	return &Replayer{reader: reader, MaxGap: 5 * time.Second, sleep: sleepCtx}
}

// Run replays the bars of every key at or after since, oldest first, into
// outCh. speed controls the playback rate: 1.0 = real-time, 10.0 = 10x,
// 0 = as fast as possible. It returns the number of bars emitted.
func (r *Replayer) Run(ctx context.Context, keys []model.StreamKey, since time.Time, speed float64, outCh chan<- model.Bar) (int, error) {
	var all []model.Bar
	for _, k := range keys {
		bars, err := r.reader.ReadBars(ctx, k, since, 0)
		if err != nil {
			return 0, err
		}
		all = append(all, bars...)
	}
	if len(all) == 0 {
		log.Println("[replay] no bars found")
		return 0, nil
	}

	// Streams interleave; equal timestamps keep per-stream order.
	sort.SliceStable(all, func(i, j int) bool { return all[i].TS.Before(all[j].TS) })
	log.Printf("[replay] loaded %d bars across %d streams, speed=%.1fx", len(all), len(keys), speed)

	var prevTS time.Time
	emitted := 0
	for _, b := range all {
		if speed > 0 && !prevTS.IsZero() {
			if gap := b.TS.Sub(prevTS); gap > 0 {
				scaled := time.Duration(float64(gap) / speed)
				if r.MaxGap > 0 && scaled > r.MaxGap {
					scaled = r.MaxGap
				}
				if err := r.sleep(ctx, scaled); err != nil {
					return emitted, err
				}
			}
		}
		prevTS = b.TS

		select {
		case <-ctx.Done():
			log.Printf("[replay] cancelled after %d bars", emitted)
			return emitted, ctx.Err()
		case outCh <- b:
			emitted++
		}
	}

	log.Printf("[replay] completed: %d bars replayed", emitted)
	return emitted, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
