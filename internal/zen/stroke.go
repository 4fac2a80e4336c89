package zen

import (
	"math"
	"time"
)

// Stroke is a confirmed move between two opposite fractals.
type Stroke struct {
	Direction Direction
	FxA       Fractal // start
	FxB       Fractal // end
	Fractals  []Fractal
	Bars      []MergedBar // FxA.Bars[0] through FxB.Bars[2]
}

// High returns the higher extreme of the two bounding fractals.
func (s Stroke) High() float64 { return max(s.FxA.High, s.FxB.High) }

// Low returns the lower extreme of the two bounding fractals.
func (s Stroke) Low() float64 { return min(s.FxA.Low, s.FxB.Low) }

// Power is the absolute price span.
func (s Stroke) Power() float64 { return math.Abs(s.FxB.Price - s.FxA.Price) }

// StartDT is the timestamp of the stroke's first merged bar.
func (s Stroke) StartDT() time.Time { return s.FxA.Bars[0].DT }

// key identifies a stroke by its bounds.
func (s Stroke) key() strokeKey {
	return strokeKey{dir: s.Direction, a: s.FxA.DT.UnixNano(), b: s.FxB.DT.UnixNano()}
}

type strokeKey struct {
	dir  Direction
	a, b int64
}

func filterBars(bars []MergedBar, keep func(MergedBar) bool) []MergedBar {
	out := make([]MergedBar, 0, len(bars))
	for _, b := range bars {
		if keep(b) {
			out = append(out, b)
		}
	}
	return out
}

func (e *Engine) lengthOK(span []MergedBar, fxA, fxB Fractal) bool {
	switch e.settings.Policy {
	case PolicyFourK:
		return len(span) >= 6
	case PolicyModern:
		if len(span) >= 7 {
			return true
		}
		if len(span) != 6 {
			return false
		}
		raw := 0
		for _, b := range span {
			if !b.DT.Before(fxA.DT) && !b.DT.After(fxB.DT) {
				raw += b.RawCount()
			}
		}
		return raw >= 5
	default:
		return len(span) >= 7
	}
}

// checkStroke looks for a stroke starting at the first fractal of bars.
// On success it returns the stroke and the bars that remain after it.
func (e *Engine) checkStroke(bars []MergedBar, benchmark float64) (Stroke, []MergedBar, bool) {
	fxs, violations := detectFractals(bars)
	e.noteViolations(violations)
	if len(fxs) < 2 {
		return Stroke{}, bars, false
	}

	fxA := fxs[0]
	var (
		dir   Direction
		fxB   Fractal
		found bool
	)
	switch fxA.Mark {
	case Bottom:
		dir = Up
		for _, fx := range fxs {
			if fx.Mark == Top && fx.DT.After(fxA.DT) && fx.Price > fxA.Price {
				if !found || fx.High >= fxB.High {
					fxB, found = fx, true
				}
			}
		}
	case Top:
		dir = Down
		for _, fx := range fxs {
			if fx.Mark == Bottom && fx.DT.After(fxA.DT) && fx.Price < fxA.Price {
				if !found || fx.Low <= fxB.Low {
					fxB, found = fx, true
				}
			}
		}
	}
	if !found {
		return Stroke{}, bars, false
	}

	from, to := fxA.Bars[0].DT, fxB.Bars[2].DT
	span := filterBars(bars, func(b MergedBar) bool { return !b.DT.Before(from) && !b.DT.After(to) })
	rest := filterBars(bars, func(b MergedBar) bool { return !b.DT.Before(fxB.Bars[0].DT) })

	abInclude := (fxA.High > fxB.High && fxA.Low < fxB.Low) || (fxA.High < fxB.High && fxA.Low > fxB.Low)
	powerEnough := benchmark > 0 && math.Abs(fxA.Price-fxB.Price) > benchmark*e.settings.StrokePowerThreshold

	if abInclude || !(e.lengthOK(span, fxA, fxB) || powerEnough) {
		return Stroke{}, bars, false
	}

	var inner []Fractal
	for _, fx := range fxs {
		if !fx.DT.Before(fxA.DT) && !fx.DT.After(fxB.DT) {
			inner = append(inner, fx)
		}
	}
	return Stroke{Direction: dir, FxA: fxA, FxB: fxB, Fractals: inner, Bars: span}, rest, true
}

// benchmark returns the power reference for the shortcut rule, or 0 when
// the shortcut is disabled.
func (e *Engine) benchmark() float64 {
	n := len(e.strokes)
	if !e.settings.powerShortcut() || n < 5 {
		return 0
	}
	var sum float64
	for _, s := range e.strokes[n-5:] {
		sum += s.Power()
	}
	return min(e.strokes[n-1].Power(), sum/5)
}

// updateStrokes advances the stroke state machine over the working buffer.
func (e *Engine) updateStrokes() []StrokeEvent {
	if len(e.ubi) < 3 {
		return nil
	}

	if len(e.strokes) == 0 {
		return e.seed()
	}

	var events []StrokeEvent
	if s, rest, ok := e.checkStroke(e.ubi, e.benchmark()); ok {
		e.strokes = append(e.strokes, s)
		e.ubi = rest
		events = append(events, StrokeEvent{Kind: Confirmed, Stroke: s})
	}

	last := e.strokes[len(e.strokes)-1]
	tail := e.ubi[len(e.ubi)-1]
	if (last.Direction == Up && tail.High > last.High()) || (last.Direction == Down && tail.Low < last.Low()) {
		cut := last.Bars[len(last.Bars)-2].DT
		rebuilt := make([]MergedBar, 0, len(last.Bars)+len(e.ubi))
		rebuilt = append(rebuilt, last.Bars[:len(last.Bars)-2]...)
		for _, b := range e.ubi {
			if !b.DT.Before(cut) {
				rebuilt = append(rebuilt, b)
			}
		}
		e.ubi = rebuilt
		e.strokes = e.strokes[:len(e.strokes)-1]
		events = append(events, StrokeEvent{Kind: Retracted, Stroke: last})
	}

	if n := len(e.strokes); n > e.settings.MaxRetainedStrokes {
		e.strokes = append([]Stroke(nil), e.strokes[n-e.settings.MaxRetainedStrokes:]...)
	}
	return events
}

// seed finds the first stroke: the buffer is trimmed to the most extreme
// fractal of the first fractal's mark.
func (e *Engine) seed() []StrokeEvent {
	fxs, violations := detectFractals(e.ubi)
	e.noteViolations(violations)
	if len(fxs) == 0 {
		return nil
	}
	fxA := fxs[0]
	for _, fx := range fxs {
		if fx.Mark != fxA.Mark {
			continue
		}
		if (fx.Mark == Bottom && fx.Low <= fxA.Low) || (fx.Mark == Top && fx.High >= fxA.High) {
			fxA = fx
		}
	}
	from := fxA.Bars[0].DT
	e.ubi = filterBars(e.ubi, func(b MergedBar) bool { return !b.DT.Before(from) })

	s, rest, ok := e.checkStroke(e.ubi, 0)
	e.ubi = rest
	if !ok {
		return nil
	}
	e.strokes = append(e.strokes, s)
	return []StrokeEvent{{Kind: Confirmed, Stroke: s}}
}
