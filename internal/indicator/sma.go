package indicator

// SMA calculates Simple Moving Average over a rolling window.
// Uses a preallocated circular buffer for zero-allocation hot path.
type SMA struct {
	period  int
	buf     []float64 // preallocated circular buffer
	idx     int       // next write position
	count   int       // total values received
	sum     float64
	current float64
}

// NewSMA creates a new SMA kernel with the given period.
func NewSMA(period int) *SMA {
	if period < 1 {
		period = 1
	}
	return &SMA{
		period: period,
		buf:    make([]float64, period),
	}
}

func (s *SMA) Name() string { return "SMA_" + itoa(s.period) }

func (s *SMA) Extend(v float64) {
	if s.count >= s.period {
		// Subtract the oldest value being overwritten
		s.sum -= s.buf[s.idx]
	}
	s.buf[s.idx] = v
	s.sum += v
	s.idx = (s.idx + 1) % s.period
	s.count++
	s.refresh()
}

func (s *SMA) Revise(v float64) {
	if s.count == 0 {
		s.Extend(v)
		return
	}
	last := (s.idx - 1 + s.period) % s.period
	s.sum += v - s.buf[last]
	s.buf[last] = v
	s.refresh()
}

func (s *SMA) refresh() {
	if s.count >= s.period {
		s.current = s.sum / float64(s.period)
	}
}

func (s *SMA) Value() float64 { return s.current }
func (s *SMA) Ready() bool    { return s.count >= s.period }
func (s *SMA) Period() int    { return s.period }

// Reset clears the SMA state for reuse.
func (s *SMA) Reset() {
	s.idx = 0
	s.count = 0
	s.sum = 0
	s.current = 0
	for i := range s.buf {
		s.buf[i] = 0
	}
}
