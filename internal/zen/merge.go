package zen

import "time"

// maxMergedRaw caps the raw-bar ids a merged bar carries, the absorbed bar
// included.
const maxMergedRaw = 100

// MergedBar is an inclusion-free bar built from one or more raw bars.
type MergedBar struct {
	DT     time.Time
	Open   float64
	Close  float64
	High   float64
	Low    float64
	Vol    float64
	Amount float64
	Raw    []int64 // absorbed raw-bar ids, oldest first
}

func standalone(b Bar) MergedBar {
	return MergedBar{
		DT:     b.DT,
		Open:   b.Open,
		Close:  b.Close,
		High:   b.High,
		Low:    b.Low,
		Vol:    b.Vol,
		Amount: b.Amount,
		Raw:    []int64{b.ID},
	}
}

// RawCount returns the number of raw bars absorbed.
func (m MergedBar) RawCount() int { return len(m.Raw) }

// contains reports whether either bar's range contains the other's.
func contains(h1, l1, h2, l2 float64) bool {
	return (h1 <= h2 && l1 >= l2) || (h1 >= h2 && l1 <= l2)
}

// mergeBar applies the inclusion rule to raw bar k3 given the two trailing
// merged bars k1 and k2. It returns the bar that replaces k2 when k3 was
// absorbed, or a standalone bar for k3 otherwise.
func mergeBar(k1, k2 MergedBar, k3 Bar) (MergedBar, bool) {
	var dir Direction
	switch {
	case k1.High < k2.High:
		dir = Up
	case k1.High > k2.High:
		dir = Down
	default:
		// equal highs leave the direction undetermined
		return standalone(k3), false
	}

	if !contains(k2.High, k2.Low, k3.High, k3.Low) {
		return standalone(k3), false
	}

	var high, low float64
	var dt time.Time
	if dir == Up {
		high = max(k2.High, k3.High)
		low = max(k2.Low, k3.Low)
		dt = k3.DT
		if k2.High > k3.High {
			dt = k2.DT
		}
	} else {
		high = min(k2.High, k3.High)
		low = min(k2.Low, k3.Low)
		dt = k3.DT
		if k2.Low < k3.Low {
			dt = k2.DT
		}
	}

	open, close := low, high
	if k3.Open > k3.Close {
		open, close = high, low
	}

	raw := make([]int64, 0, min(len(k2.Raw)+1, maxMergedRaw))
	for _, id := range k2.Raw {
		if len(raw) == maxMergedRaw-1 {
			break
		}
		if id != k3.ID {
			raw = append(raw, id)
		}
	}
	raw = append(raw, k3.ID)

	return MergedBar{
		DT:     dt,
		Open:   open,
		Close:  close,
		High:   high,
		Low:    low,
		Vol:    k2.Vol + k3.Vol,
		Amount: k2.Amount + k3.Amount,
		Raw:    raw,
	}, true
}

// mergeInto folds a batch of raw bars into the working series and returns
// the updated series.
func mergeInto(series []MergedBar, batch ...Bar) []MergedBar {
	for _, b := range batch {
		if len(series) < 2 {
			series = append(series, standalone(b))
			continue
		}
		k, merged := mergeBar(series[len(series)-2], series[len(series)-1], b)
		if merged {
			series[len(series)-1] = k
		} else {
			series = append(series, k)
		}
	}
	return series
}
