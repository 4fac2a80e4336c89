package zen

import (
	"math"
	"time"
)

// Pivot is a view over consecutive strokes whose ranges overlap.
// It does not own the strokes.
type Pivot struct {
	Strokes []Stroke
}

func (p Pivot) head() []Stroke {
	if len(p.Strokes) > 3 {
		return p.Strokes[:3]
	}
	return p.Strokes
}

// ZG is the lowest high among the first three strokes.
func (p Pivot) ZG() float64 {
	zg := math.Inf(1)
	for _, s := range p.head() {
		zg = min(zg, s.High())
	}
	return zg
}

// ZD is the highest low among the first three strokes.
func (p Pivot) ZD() float64 {
	zd := math.Inf(-1)
	for _, s := range p.head() {
		zd = max(zd, s.Low())
	}
	return zd
}

// GG is the highest high of all strokes.
func (p Pivot) GG() float64 {
	gg := math.Inf(-1)
	for _, s := range p.Strokes {
		gg = max(gg, s.High())
	}
	return gg
}

// DD is the lowest low of all strokes.
func (p Pivot) DD() float64 {
	dd := math.Inf(1)
	for _, s := range p.Strokes {
		dd = min(dd, s.Low())
	}
	return dd
}

// IsValid reports whether ZG >= ZD and every stroke touches [ZD, ZG].
func (p Pivot) IsValid() bool {
	if len(p.Strokes) == 0 {
		return false
	}
	zg, zd := p.ZG(), p.ZD()
	if zg < zd {
		return false
	}
	for _, s := range p.Strokes {
		h, l := s.High(), s.Low()
		touches := (zg >= h && h >= zd) || (zg >= l && l >= zd) || (h >= zg && l <= zd)
		if !touches {
			return false
		}
	}
	return true
}

// Start is the first stroke's start fractal time.
func (p Pivot) Start() time.Time { return p.Strokes[0].FxA.DT }

// End is the last stroke's end fractal time.
func (p Pivot) End() time.Time { return p.Strokes[len(p.Strokes)-1].FxB.DT }

// DiffRange returns the minimum and maximum MACD diff over the pivot's raw
// bars.
func (p Pivot) DiffRange(src RawSource) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, s := range p.Strokes {
		forEachRaw(s.Bars, src, func(b Bar) {
			lo = min(lo, b.MACD.Diff)
			hi = max(hi, b.MACD.Diff)
		})
	}
	if math.IsInf(lo, 1) {
		return 0, 0
	}
	return lo, hi
}

// PivotInfo summarises a pivot for records and snapshots.
type PivotInfo struct {
	Left    time.Time
	Right   time.Time
	High    float64 // ZG
	Low     float64 // ZD
	GG      float64
	DD      float64
	Strokes int
}

// Info summarises the pivot.
func (p Pivot) Info() PivotInfo {
	return PivotInfo{
		Left:    p.Start(),
		Right:   p.End(),
		High:    p.ZG(),
		Low:     p.ZD(),
		GG:      p.GG(),
		DD:      p.DD(),
		Strokes: len(p.Strokes),
	}
}
