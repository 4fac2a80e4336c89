package zen

import (
	"reflect"
	"testing"
)

// strokeSeries: bottom at 100 (mid 101), top at 130 (mid 129), one bar after.
func strokeSeries() []Bar {
	mids := append(ramp(113, 101, 4), ramp(105, 129, 4)...)
	mids = append(mids, 125)
	return midBars(0, mids...)
}

func TestStroke_ConfirmedOnFractalCompletion(t *testing.T) {
	e := newTestEngine(t, nil)
	bars := strokeSeries()
	results := ingestAll(t, e, bars)

	for i, r := range results[:len(results)-1] {
		if r.Kind() != NoChange {
			t.Fatalf("bar %d: unexpected event %s", i, r.Kind())
		}
	}
	last := results[len(results)-1]
	if last.Kind() != Confirmed {
		t.Fatalf("last bar: kind=%s, want confirmed", last.Kind())
	}
	s := last.Events[0].Stroke
	if s.Direction != Up || s.FxA.Price != 100 || s.FxB.Price != 130 {
		t.Errorf("stroke=%s %v->%v, want up 100->130", s.Direction, s.FxA.Price, s.FxB.Price)
	}
	assertClose(t, "power", s.Power(), 30, 1e-9)
	if s.High() != 130 || s.Low() != 100 {
		t.Errorf("high/low=%v/%v", s.High(), s.Low())
	}
	if !s.StartDT().Before(s.FxA.DT) {
		t.Errorf("start dt %v should precede fx_a %v", s.StartDT(), s.FxA.DT)
	}
	if got := len(e.Strokes()); got != 1 {
		t.Errorf("strokes=%d, want 1", got)
	}
}

func TestStroke_RetractedWhenExtremeExceeded(t *testing.T) {
	e := newTestEngine(t, nil)
	bars := strokeSeries()
	ingestAll(t, e, bars)
	n := len(bars)

	// a bar reaching 135 before any down stroke confirms
	res, err := e.Ingest(rawBar(n, 135, 133))
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind() != Retracted {
		t.Fatalf("kind=%s, want retracted", res.Kind())
	}
	if got := res.Events[len(res.Events)-1].Stroke.FxB.Price; got != 130 {
		t.Errorf("retracted stroke end=%v, want 130", got)
	}
	if len(e.Strokes()) != 0 {
		t.Fatalf("strokes after retraction=%d, want 0", len(e.Strokes()))
	}
	wb := e.WorkingBars()
	if !wb[0].DT.Equal(bars[2].DT) {
		t.Errorf("working buffer should restart at the stroke's first bar, got %v", wb[0].DT)
	}

	// once the 135 top completes the stroke extends to it
	res, err = e.Ingest(rawBar(n+1, 131, 129))
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind() != Confirmed {
		t.Fatalf("kind=%s, want confirmed", res.Kind())
	}
	strokes := e.Strokes()
	if len(strokes) != 1 || strokes[0].FxA.Price != 100 || strokes[0].FxB.Price != 135 {
		t.Fatalf("want single up stroke 100->135, got %+v", strokes)
	}
}

func TestStroke_RetractionRestoresUnconfirmedState(t *testing.T) {
	bars := strokeSeries()
	n := len(bars)
	spike := rawBar(n, 135, 133)
	all := append(append([]Bar(nil), bars...), spike)

	e := newTestEngine(t, nil)
	ingestAll(t, e, all)

	// a fresh engine fed the same bars lands in the same state
	fresh := newTestEngine(t, nil)
	ingestAll(t, fresh, all)
	if !reflect.DeepEqual(e.Strokes(), fresh.Strokes()) {
		t.Errorf("strokes differ from a fresh replay: %+v vs %+v", e.Strokes(), fresh.Strokes())
	}
	if !reflect.DeepEqual(e.WorkingBars(), fresh.WorkingBars()) {
		t.Errorf("working buffer differs from a fresh replay")
	}

	// an engine that stopped before the confirming bar never had a stroke;
	// the retracted engine must look like it plus the two later bars
	unconfirmed := newTestEngine(t, nil)
	ingestAll(t, unconfirmed, bars[:n-1])
	if len(unconfirmed.Strokes()) != 0 || len(e.Strokes()) != 0 {
		t.Fatalf("strokes: retracted=%d unconfirmed=%d, want 0/0", len(e.Strokes()), len(unconfirmed.Strokes()))
	}
	want := unconfirmed.WorkingBars()
	got := e.WorkingBars()
	if len(got) != len(want)+2 {
		t.Fatalf("working bars=%d, want %d", len(got), len(want)+2)
	}
	if !reflect.DeepEqual(got[:len(want)], want) {
		t.Errorf("working buffer prefix differs from the never-confirmed engine:\n got %+v\nwant %+v", got[:len(want)], want)
	}
	if !got[len(got)-2].DT.Equal(bars[n-1].DT) || !got[len(got)-1].DT.Equal(spike.DT) {
		t.Errorf("buffer tail should be the confirming bar then the spike, got %v %v", got[len(got)-2].DT, got[len(got)-1].DT)
	}
}

func policySeries(withInside bool) []Bar {
	bars := midBars(0, 105, 101, 105)
	if withInside {
		inside := rawBar(3, 105.5, 104.5)
		bars = append(bars, inside)
	}
	return append(bars, midBars(len(bars), 109, 113, 109)...)
}

func TestStroke_LengthPolicies(t *testing.T) {
	tests := []struct {
		name       string
		policy     BiPolicy
		withInside bool
		want       int
	}{
		{"legacy needs 7", PolicyLegacy, false, 0},
		{"four_k accepts 6", PolicyFourK, false, 1},
		{"modern rejects 6 with 4 raw", PolicyModern, false, 0},
		{"modern accepts 6 with 5 raw", PolicyModern, true, 1},
		{"legacy ignores raw count", PolicyLegacy, true, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t, func(s *Settings) { s.Policy = tc.policy })
			ingestAll(t, e, policySeries(tc.withInside))
			if got := len(e.Strokes()); got != tc.want {
				t.Errorf("strokes=%d, want %d", got, tc.want)
			}
		})
	}
}

func TestStroke_Benchmark(t *testing.T) {
	mk := func(p float64) Stroke {
		return Stroke{Direction: Up, FxA: Fractal{Price: 0}, FxB: Fractal{Price: p}}
	}
	strokes := []Stroke{mk(10), mk(20), mk(30), mk(40), mk(5)}

	e := newTestEngine(t, func(s *Settings) { s.StrokePowerThreshold = 1.5 })
	e.strokes = strokes
	assertClose(t, "benchmark", e.benchmark(), 5, 1e-9)

	e.strokes = strokes[:4]
	if b := e.benchmark(); b != 0 {
		t.Errorf("benchmark with 4 strokes=%v, want 0", b)
	}

	off := newTestEngine(t, func(s *Settings) { s.StrokePowerThreshold = 0.5 })
	off.strokes = strokes
	if b := off.benchmark(); b != 0 {
		t.Errorf("benchmark with threshold 0.5=%v, want 0", b)
	}
}

// zigzag alternates up legs to 130 and down legs to 100.
func zigzag(legs int) []Bar {
	mids := ramp(113, 101, 4)
	for i := 0; i < legs; i++ {
		if i%2 == 0 {
			mids = append(mids, ramp(105, 129, 4)...)
		} else {
			mids = append(mids, ramp(125, 101, 4)...)
		}
	}
	return midBars(0, mids...)
}

func TestStroke_AlternationAndOrdering(t *testing.T) {
	e := newTestEngine(t, nil)
	ingestAll(t, e, zigzag(12))

	strokes := e.Strokes()
	if len(strokes) != 11 {
		t.Fatalf("strokes=%d, want 11", len(strokes))
	}
	for i, s := range strokes {
		if !s.FxA.DT.Before(s.FxB.DT) {
			t.Errorf("stroke %d: fx_a %v not before fx_b %v", i, s.FxA.DT, s.FxB.DT)
		}
		if i == 0 {
			continue
		}
		prev := strokes[i-1]
		if s.Direction == prev.Direction {
			t.Errorf("strokes %d and %d share direction %s", i-1, i, s.Direction)
		}
		if s.FxA.DT.Before(prev.FxB.DT) {
			t.Errorf("stroke %d starts %v before previous end %v", i, s.FxA.DT, prev.FxB.DT)
		}
	}
}

func TestStroke_Retention(t *testing.T) {
	e := newTestEngine(t, func(s *Settings) { s.MaxRetainedStrokes = MinRetainedStrokes })
	bars := zigzag(40)
	ingestAll(t, e, bars)

	strokes := e.Strokes()
	if len(strokes) != MinRetainedStrokes {
		t.Fatalf("strokes=%d, want %d", len(strokes), MinRetainedStrokes)
	}
	if e.rawLen() >= len(bars) {
		t.Errorf("raw bars not truncated: %d of %d retained", e.rawLen(), len(bars))
	}
	// every bar referenced by a retained stroke must still resolve
	for _, s := range strokes {
		for _, m := range s.Bars {
			for _, id := range m.Raw {
				if _, ok := e.Raw(id); !ok {
					t.Fatalf("raw bar %d of a retained stroke was dropped", id)
				}
			}
		}
	}
}
