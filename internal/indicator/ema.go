package indicator

// EMA calculates Exponential Moving Average.
// The first period values are averaged to seed the series; afterwards
// value = (v - prev) * multiplier + prev. O(1) per update apart from the
// seed window.
type EMA struct {
	period     int
	multiplier float64
	seed       []float64
	sum        float64
	count      int
	current    float64
	prev       float64 // value before the latest advance
}

// NewEMA creates a new EMA kernel with the given period.
func NewEMA(period int) *EMA {
	if period < 1 {
		period = 1
	}
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
		seed:       make([]float64, 0, period),
	}
}

func (e *EMA) Name() string { return "EMA_" + itoa(e.period) }

func (e *EMA) Extend(v float64) {
	e.count++
	if e.count <= e.period {
		e.seed = append(e.seed, v)
		e.sum += v
		e.prev = e.current
		e.current = e.sum / float64(len(e.seed))
		return
	}
	e.prev = e.current
	e.current = (v-e.prev)*e.multiplier + e.prev
}

func (e *EMA) Revise(v float64) {
	if e.count == 0 {
		e.Extend(v)
		return
	}
	if e.count <= e.period {
		e.seed[len(e.seed)-1] = v
		e.sum = 0
		for _, x := range e.seed {
			e.sum += x
		}
		e.current = e.sum / float64(len(e.seed))
		return
	}
	e.current = (v-e.prev)*e.multiplier + e.prev
}

func (e *EMA) Value() float64 { return e.current }
func (e *EMA) Ready() bool    { return e.count >= e.period }

// Reset clears the EMA state for reuse.
func (e *EMA) Reset() {
	e.seed = e.seed[:0]
	e.sum = 0
	e.count = 0
	e.current = 0
	e.prev = 0
}
