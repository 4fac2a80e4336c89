package zen

import (
	"math"
	"sort"
	"time"
)

// PointType classifies a divergence by the structure preceding its pivot.
type PointType int

const (
	// Consolidation: no qualifying earlier pivot.
	Consolidation PointType = iota
	FirstBuy
	FirstSell
)

func (t PointType) String() string {
	switch t {
	case FirstBuy:
		return "first_buy"
	case FirstSell:
		return "first_sell"
	}
	return "none"
}

// Kind is one piece of divergence evidence.
type Kind int

const (
	KindArea Kind = iota
	KindPivotToPivot
	KindSingleStrokePivot
	KindDiff
)

func (k Kind) String() string {
	switch k {
	case KindArea:
		return "area"
	case KindPivotToPivot:
		return "zs_zs"
	case KindSingleStrokePivot:
		return "zs_lzs"
	case KindDiff:
		return "diff"
	}
	return "unknown"
}

// HistPoint locates an extreme MACD histogram bar.
type HistPoint struct {
	DT    time.Time
	Value float64
}

// Divergence is one buy/sell point candidate.
type Divergence struct {
	Direction   Direction // direction of the entering and exiting moves
	Type        PointType
	Kinds       []Kind
	Confidence  int // 80, or 100 with diff evidence
	Provisional bool
	Pivot       PivotInfo
	PrevPivot   *PivotInfo
	MACDA       HistPoint
	MACDB       HistPoint // zero for provisional records
	DT          time.Time
	Price       float64
}

// Has reports whether k is among the record's kinds.
func (d Divergence) Has(k Kind) bool {
	for _, x := range d.Kinds {
		if x == k {
			return true
		}
	}
	return false
}

func (d Divergence) rank() int {
	r := 0
	if d.Provisional {
		r += 2
	}
	if d.Type == Consolidation {
		r++
	}
	return r
}

// Window is an entering stroke, a pivot and an exit. Exit is nil when the
// exit is the provisional tail.
type Window struct {
	Entering    Stroke
	Pivot       Pivot
	Exit        *Stroke
	Tail        Provisional
	Provisional bool
}

// Analyzer finds pivot windows and divergences. It holds configuration only.
type Analyzer struct {
	Sizes         []int   // confirmed window sizes, largest first
	ZeroBandRatio float64 // pivot diff must stay within ±|entering diff × ratio|
	// Confirmed windows are scanned only while the working buffer holds at
	// most ConfirmedMaxBars bars; provisional ones once it holds at least
	// ProvisionalMinBars.
	ConfirmedMaxBars   int
	ProvisionalMinBars int
}

// NewAnalyzer returns an Analyzer with the standard parameters.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		Sizes:              []int{9, 7, 5, 3},
		ZeroBandRatio:      0.7,
		ConfirmedMaxBars:   5,
		ProvisionalMinBars: 5,
	}
}

// FindWindow returns the largest valid window ending offset strokes before
// the last one. In provisional mode the exit is the tail implied by ubi and
// offset must be 0.
func (a *Analyzer) FindWindow(strokes []Stroke, ubi []MergedBar, offset int, provisional bool) (Window, bool) {
	var tail Provisional
	if provisional {
		var ok bool
		if tail, ok = provisionalOf(strokes, ubi); !ok || offset != 0 {
			return Window{}, false
		}
	}
	for _, size := range a.Sizes {
		n := size
		if provisional {
			n--
		}
		if n < 2 || len(strokes) < offset+n {
			continue
		}
		win := strokes[len(strokes)-offset-n : len(strokes)-offset]
		w := Window{Entering: win[0], Provisional: provisional, Tail: tail}
		var exitHigh, exitLow float64
		if provisional {
			w.Pivot = Pivot{Strokes: win[1:]}
			if !tail.AtExtreme() {
				continue
			}
			exitHigh, exitLow = tail.LastPrice, tail.LastPrice
		} else {
			w.Pivot = Pivot{Strokes: win[1 : n-1]}
			exit := win[n-1]
			w.Exit = &exit
			exitHigh, exitLow = exit.High(), exit.Low()
		}
		if !w.Pivot.IsValid() {
			continue
		}
		if w.Entering.Direction == Up {
			if w.Entering.Low() >= w.Pivot.DD() || exitHigh <= w.Pivot.GG() {
				continue
			}
		} else {
			if w.Entering.High() <= w.Pivot.GG() || exitLow >= w.Pivot.DD() {
				continue
			}
		}
		return w, true
	}
	return Window{}, false
}

// Scan evaluates confirmed and (for offset 0) provisional windows and
// returns the divergences found, best first: confirmed typed, confirmed
// consolidation, provisional typed, provisional consolidation.
func (a *Analyzer) Scan(strokes []Stroke, ubi []MergedBar, src RawSource, offset int) []Divergence {
	var out []Divergence
	modes := []bool{false}
	if offset == 0 {
		modes = append(modes, true)
	}
	for _, provisional := range modes {
		if offset == 0 {
			if !provisional && len(ubi) > a.ConfirmedMaxBars {
				continue
			}
			if provisional && len(ubi) < a.ProvisionalMinBars {
				continue
			}
		}
		w, ok := a.FindWindow(strokes, ubi, offset, provisional)
		if !ok {
			continue
		}
		if d, ok := a.evaluate(strokes, ubi, src, offset, w); ok {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].rank() < out[j].rank() })
	return out
}

func (a *Analyzer) evaluate(strokes []Stroke, ubi []MergedBar, src RawSource, offset int, w Window) (Divergence, bool) {
	dir := w.Entering.Direction

	exitBars := w.Tail.Bars
	if w.Exit != nil {
		exitBars = w.Exit.Bars
	}
	areaA := histArea(w.Entering.Bars, dir, src)
	areaB := histArea(exitBars, dir, src)
	if math.Abs(areaA) <= math.Abs(areaB) {
		return Divergence{}, false
	}

	diffA := lastDiff(w.Entering.Bars, src)
	diffB := lastDiff(exitBars, src)
	lo, hi := w.Pivot.DiffRange(src)
	band := math.Abs(diffA * a.ZeroBandRatio)
	if dir == Up && lo > band {
		return Divergence{}, false
	}
	if dir == Down && hi < -band {
		return Divergence{}, false
	}

	d := Divergence{
		Direction:   dir,
		Type:        Consolidation,
		Kinds:       []Kind{KindArea, KindPivotToPivot},
		Confidence:  80,
		Provisional: w.Provisional,
		Pivot:       w.Pivot.Info(),
	}
	if len(w.Pivot.Strokes) == 1 {
		d.Kinds[1] = KindSingleStrokePivot
	}
	if (dir == Up && diffA > diffB && diffB > 0) || (dir == Down && diffA < diffB && diffB < 0) {
		d.Kinds = append(d.Kinds, KindDiff)
		d.Confidence = 100
	}

	// the preceding window ends with our entering stroke
	prevOffset := offset + len(w.Pivot.Strokes) + 1
	if w.Provisional {
		prevOffset = offset + len(w.Pivot.Strokes)
	}
	if prev, ok := a.FindWindow(strokes, ubi, prevOffset, false); ok {
		info := prev.Pivot.Info()
		d.PrevPivot = &info
		if len(prev.Pivot.Strokes) >= 3 {
			if dir == Up && info.High < d.Pivot.Low {
				d.Type = FirstSell
			}
			if dir == Down && info.Low > d.Pivot.High {
				d.Type = FirstBuy
			}
		}
	}

	d.MACDA, _ = extremeHist(w.Entering.Bars, dir, src)
	if w.Exit != nil {
		d.MACDB, _ = extremeHist(w.Exit.Bars, dir, src)
		d.DT = w.Exit.FxB.DT
		if dir == Up {
			d.Price = w.Exit.High()
		} else {
			d.Price = w.Exit.Low()
		}
	} else {
		last := ubi[len(ubi)-1]
		d.DT = last.DT
		if dir == Up {
			d.Price = last.High
		} else {
			d.Price = last.Low
		}
	}
	return d, true
}

func forEachRaw(bars []MergedBar, src RawSource, fn func(Bar)) {
	for _, m := range bars {
		for _, id := range m.Raw {
			if b, ok := src.Raw(id); ok {
				fn(b)
			}
		}
	}
}

// histArea sums the positive (Up) or negative (Down) MACD histogram.
func histArea(bars []MergedBar, dir Direction, src RawSource) float64 {
	var area float64
	forEachRaw(bars, src, func(b Bar) {
		if dir == Up && b.MACD.Hist > 0 {
			area += b.MACD.Hist
		}
		if dir == Down && b.MACD.Hist < 0 {
			area += b.MACD.Hist
		}
	})
	return area
}

// lastDiff is the MACD diff of the last resolvable raw bar.
func lastDiff(bars []MergedBar, src RawSource) float64 {
	for i := len(bars) - 1; i >= 0; i-- {
		raw := bars[i].Raw
		for j := len(raw) - 1; j >= 0; j-- {
			if b, ok := src.Raw(raw[j]); ok {
				return b.MACD.Diff
			}
		}
	}
	return 0
}

// extremeHist finds the bar with the largest (Up) or smallest (Down)
// histogram value.
func extremeHist(bars []MergedBar, dir Direction, src RawSource) (HistPoint, bool) {
	var (
		best  HistPoint
		found bool
	)
	forEachRaw(bars, src, func(b Bar) {
		if !found || (dir == Up && b.MACD.Hist > best.Value) || (dir == Down && b.MACD.Hist < best.Value) {
			best = HistPoint{DT: b.DT, Value: b.MACD.Hist}
			found = true
		}
	})
	return best, found
}
