package zen

import (
	"math"
	"time"

	"zen-engine/internal/indicator"
)

// Bar is a raw input bar. ID and MACD are assigned by the Engine.
type Bar struct {
	ID     int64
	DT     time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Vol    float64
	Amount float64
	MACD   indicator.MACDValue
}

func (b Bar) valid() bool {
	for _, v := range [...]float64{b.Open, b.High, b.Low, b.Close, b.Vol, b.Amount} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return !b.DT.IsZero() && b.High >= b.Low
}

// RawSource resolves raw-bar ids referenced by merged bars.
type RawSource interface {
	Raw(id int64) (Bar, bool)
}

// arena stores raw bars under stable, monotonically increasing ids.
// bars[i].ID == base+i.
type arena struct {
	base int64
	bars []Bar
}

func (a *arena) push(b Bar) Bar {
	b.ID = a.base + int64(len(a.bars))
	a.bars = append(a.bars, b)
	return b
}

func (a *arena) last() (*Bar, bool) {
	if len(a.bars) == 0 {
		return nil, false
	}
	return &a.bars[len(a.bars)-1], true
}

func (a *arena) Raw(id int64) (Bar, bool) {
	i := id - a.base
	if i < 0 || i >= int64(len(a.bars)) {
		return Bar{}, false
	}
	return a.bars[i], true
}

// truncateBefore drops every bar with an id below id.
func (a *arena) truncateBefore(id int64) {
	n := id - a.base
	if n <= 0 {
		return
	}
	if n >= int64(len(a.bars)) {
		a.base += int64(len(a.bars))
		a.bars = nil
		return
	}
	a.bars = append([]Bar(nil), a.bars[n:]...)
	a.base = id
}

func (a *arena) len() int { return len(a.bars) }

func (a *arena) reset() {
	a.base = 0
	a.bars = nil
}
