package zen

import (
	"math"
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

func at(i int) time.Time { return t0.Add(time.Duration(i) * time.Minute) }

// rawBar builds a raw bar at minute i.
func rawBar(i int, high, low float64) Bar {
	return Bar{DT: at(i), Open: low, Close: high, High: high, Low: low, Vol: 1, Amount: high}
}

// midBars builds one bar per mid price with range mid±1.
func midBars(start int, mids ...float64) []Bar {
	out := make([]Bar, len(mids))
	for i, m := range mids {
		out[i] = rawBar(start+i, m+1, m-1)
	}
	return out
}

// ramp returns mids from a to b inclusive in steps of step (sign inferred).
func ramp(a, b, step float64) []float64 {
	var out []float64
	if b >= a {
		for v := a; v <= b+1e-9; v += step {
			out = append(out, v)
		}
	} else {
		for v := a; v >= b-1e-9; v -= step {
			out = append(out, v)
		}
	}
	return out
}

func merged(i int, high, low float64) MergedBar {
	return MergedBar{DT: at(i), Open: low, Close: high, High: high, Low: low, Raw: []int64{int64(i)}}
}

func newTestEngine(t *testing.T, mutate func(*Settings)) *Engine {
	t.Helper()
	s := DefaultSettings()
	if mutate != nil {
		mutate(&s)
	}
	e, err := NewEngine(s, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func ingestAll(t *testing.T, e *Engine, bars []Bar) []IngestResult {
	t.Helper()
	out := make([]IngestResult, 0, len(bars))
	for _, b := range bars {
		res, err := e.Ingest(b)
		if err != nil {
			t.Fatalf("Ingest %s: %v", b.DT.Format(time.Kitchen), err)
		}
		out = append(out, res)
	}
	return out
}

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f", label, got, want)
	}
}

// mapSource is a RawSource backed by a map.
type mapSource map[int64]Bar

func (m mapSource) Raw(id int64) (Bar, bool) {
	b, ok := m[id]
	return b, ok
}
