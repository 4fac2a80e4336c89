package zen

import (
	"errors"
	"time"
)

// Fractal is a local extreme over three consecutive merged bars.
type Fractal struct {
	Mark  Mark
	DT    time.Time // middle bar's timestamp
	Price float64   // high for tops, low for bottoms
	High  float64
	Low   float64
	Bars  [3]MergedBar
}

// checkFractal classifies the middle bar of k1, k2, k3.
func checkFractal(k1, k2, k3 MergedBar) (Fractal, bool) {
	fx := Fractal{DT: k2.DT, High: k2.High, Low: k2.Low, Bars: [3]MergedBar{k1, k2, k3}}
	switch {
	case k1.High < k2.High && k2.High > k3.High && k1.Low < k2.Low && k2.Low > k3.Low:
		fx.Mark = Top
		fx.Price = k2.High
	case k1.Low > k2.Low && k2.Low < k3.Low && k1.High > k2.High && k2.High < k3.High:
		fx.Mark = Bottom
		fx.Price = k2.Low
	default:
		return Fractal{}, false
	}
	return fx, true
}

// detectFractals scans every interior bar. A fractal repeating the previous
// mark is skipped and reported.
func detectFractals(bars []MergedBar) ([]Fractal, []*InvariantError) {
	var (
		fxs        []Fractal
		violations []*InvariantError
	)
	for i := 1; i+1 < len(bars); i++ {
		fx, ok := checkFractal(bars[i-1], bars[i], bars[i+1])
		if !ok {
			continue
		}
		if n := len(fxs); n > 0 && fxs[n-1].Mark == fx.Mark {
			violations = append(violations, &InvariantError{
				Err:    ErrFractalAlternation,
				DT:     fx.DT,
				Mark:   fx.Mark,
				PrevDT: fxs[n-1].DT,
				Bars:   fx.Bars,
			})
			continue
		}
		fxs = append(fxs, fx)
	}
	return fxs, violations
}

// DetectFractals returns the alternating fractals of a merged-bar series.
// Alternation violations are joined into the returned error; the fractals
// returned are still valid and alternate.
func DetectFractals(bars []MergedBar) ([]Fractal, error) {
	fxs, violations := detectFractals(bars)
	if len(violations) == 0 {
		return fxs, nil
	}
	errs := make([]error, len(violations))
	for i, v := range violations {
		errs[i] = v
	}
	return fxs, errors.Join(errs...)
}
