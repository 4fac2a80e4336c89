// Package resample aggregates bars into coarser frequencies. Each
// (symbol, target freq) keeps one forming bar that is updated in O(1) per
// input bar and finalized when a bar of a later bucket arrives.
package resample

import (
	"sort"
	"time"

	"zen-engine/internal/model"
)

type stateKey struct {
	symbol string
	to     model.Freq
}

// Builder resamples bars into several target frequencies.
// Not goroutine-safe; use from a single goroutine.
type Builder struct {
	targets []model.Freq
	states  map[stateKey]*model.Bar

	// OnStale is called when an input bar belongs to a bucket that has
	// already been finalized; the bar is skipped for that target.
	OnStale func(b model.Bar, to model.Freq)
}

// New creates a builder for the given target frequencies.
func New(targets []model.Freq) *Builder {
	return &Builder{targets: targets, states: make(map[stateKey]*model.Bar)}
}

// Bucket returns the start of the target period containing ts (UTC).
// Weeks start on Monday; months on the 1st.
func Bucket(ts time.Time, f model.Freq) time.Time {
	ts = ts.UTC()
	switch f {
	case model.Freq1d:
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	case model.Freq1w:
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case model.Freq1mo:
		return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return ts.Truncate(f.Duration())
}

// Add merges b into every coarser target and returns the bars finalized
// by it, in target order.
func (r *Builder) Add(b model.Bar) []model.Bar {
	var done []model.Bar
	for _, to := range r.targets {
		if to.Duration() <= b.Freq.Duration() {
			continue
		}
		bucket := Bucket(b.TS, to)
		k := stateKey{symbol: b.Symbol, to: to}
		st, ok := r.states[k]

		if ok && bucket.Before(st.TS) {
			if r.OnStale != nil {
				r.OnStale(b, to)
			}
			continue
		}
		if ok && bucket.After(st.TS) {
			done = append(done, *st)
			ok = false
		}
		if !ok {
			nb := b
			nb.Freq = to
			nb.TS = bucket
			r.states[k] = &nb
			continue
		}

		if b.High > st.High {
			st.High = b.High
		}
		if b.Low < st.Low {
			st.Low = b.Low
		}
		st.Close = b.Close
		st.Volume += b.Volume
		st.Amount += b.Amount
	}
	return done
}

// Forming returns the in-progress bar for symbol at freq.
func (r *Builder) Forming(symbol string, to model.Freq) (model.Bar, bool) {
	st, ok := r.states[stateKey{symbol: symbol, to: to}]
	if !ok {
		return model.Bar{}, false
	}
	return *st, true
}

// Flush returns every forming bar, ordered by time then symbol, and clears
// the builder.
func (r *Builder) Flush() []model.Bar {
	out := make([]model.Bar, 0, len(r.states))
	for k, st := range r.states {
		out = append(out, *st)
		delete(r.states, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TS.Equal(out[j].TS) {
			return out[i].TS.Before(out[j].TS)
		}
		if out[i].Freq != out[j].Freq {
			return out[i].Freq.Duration() < out[j].Freq.Duration()
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Resample aggregates sorted bars of one stream into freq to. The last
// bucket is included even if it is still incomplete.
func Resample(bars []model.Bar, to model.Freq) []model.Bar {
	r := New([]model.Freq{to})
	var out []model.Bar
	for _, b := range bars {
		out = append(out, r.Add(b)...)
	}
	return append(out, r.Flush()...)
}
