package indicator

// DefaultSMAPeriods are the moving averages tracked per stream.
var DefaultSMAPeriods = []int{15, 30, 60, 120, 200}

// Reading is one tracked moving-average value.
type Reading struct {
	Period int
	Value  float64
	Ready  bool
}

// Tracker keeps a group of SMAs over the same close series.
// Not safe for concurrent use; callers serialize access.
type Tracker struct {
	smas []*SMA
}

// NewTracker creates a tracker over the given periods.
// An empty list selects DefaultSMAPeriods.
func NewTracker(periods []int) *Tracker {
	if len(periods) == 0 {
		periods = DefaultSMAPeriods
	}
	t := &Tracker{smas: make([]*SMA, 0, len(periods))}
	for _, p := range periods {
		t.smas = append(t.smas, NewSMA(p))
	}
	return t
}

// Update feeds a close; newPeriod selects Extend over Revise.
func (t *Tracker) Update(close float64, newPeriod bool) {
	for _, s := range t.smas {
		if newPeriod {
			s.Extend(close)
		} else {
			s.Revise(close)
		}
	}
}

// Readings returns the current value of every tracked SMA.
func (t *Tracker) Readings() []Reading {
	out := make([]Reading, 0, len(t.smas))
	for _, s := range t.smas {
		out = append(out, Reading{Period: s.Period(), Value: s.Value(), Ready: s.Ready()})
	}
	return out
}

// Distance returns close / SMA(period), or 0 when that SMA is not ready.
func (t *Tracker) Distance(period int, close float64) float64 {
	for _, s := range t.smas {
		if s.Period() == period && s.Ready() && s.Value() != 0 {
			return close / s.Value()
		}
	}
	return 0
}

// Reset clears every tracked SMA.
func (t *Tracker) Reset() {
	for _, s := range t.smas {
		s.Reset()
	}
}
