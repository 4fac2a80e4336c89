package zen

import (
	"math"
	"time"
)

// extremeEpsilon is the tolerance for "the tail sits at its extreme".
const extremeEpsilon = 1e-6

// Provisional is the unconfirmed stroke implied by the working buffer after
// the last confirmed stroke. It runs opposite to that stroke.
type Provisional struct {
	Direction  Direction
	Bars       []MergedBar // working buffer minus its first bar
	StartDT    time.Time
	StartPrice float64
	EndDT      time.Time // time of the extreme so far
	EndPrice   float64
	LastDT     time.Time
	LastPrice  float64 // last bar's high (Up) or low (Down)
}

// AtExtreme reports whether the last bar is the provisional extreme.
func (p Provisional) AtExtreme() bool {
	return math.Abs(p.LastPrice-p.EndPrice) <= extremeEpsilon
}

func provisionalOf(strokes []Stroke, ubi []MergedBar) (Provisional, bool) {
	if len(strokes) == 0 || len(ubi) < 2 {
		return Provisional{}, false
	}
	last := strokes[len(strokes)-1]
	bars := ubi[1:]
	p := Provisional{
		Direction: last.Direction.Opposite(),
		Bars:      bars,
		StartDT:   bars[0].DT,
		LastDT:    bars[len(bars)-1].DT,
	}
	if p.Direction == Down {
		p.StartPrice = bars[0].High
		p.EndPrice, p.EndDT = bars[0].Low, bars[0].DT
		for _, b := range bars[1:] {
			if b.Low < p.EndPrice {
				p.EndPrice, p.EndDT = b.Low, b.DT
			}
		}
		p.LastPrice = bars[len(bars)-1].Low
	} else {
		p.StartPrice = bars[0].Low
		p.EndPrice, p.EndDT = bars[0].High, bars[0].DT
		for _, b := range bars[1:] {
			if b.High > p.EndPrice {
				p.EndPrice, p.EndDT = b.High, b.DT
			}
		}
		p.LastPrice = bars[len(bars)-1].High
	}
	return p, true
}
