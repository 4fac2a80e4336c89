package indicator

// MACDValue is one MACD reading. Hist = Diff - DEA.
type MACDValue struct {
	Diff float64 `json:"diff"`
	DEA  float64 `json:"dea"`
	Hist float64 `json:"hist"`
}

// MACD composes a fast and a slow EMA over closes and a signal EMA over
// their difference.
type MACD struct {
	fast, slow, signal *EMA
	value              MACDValue
}

// Default MACD periods used by the stroke analysis.
const (
	DefaultMACDFast   = 4
	DefaultMACDSlow   = 9
	DefaultMACDSignal = 9
)

// NewMACD creates a MACD kernel.
func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{
		fast:   NewEMA(fast),
		slow:   NewEMA(slow),
		signal: NewEMA(signal),
	}
}

func (m *MACD) Name() string {
	return "MACD_" + itoa(m.fast.period) + "_" + itoa(m.slow.period) + "_" + itoa(m.signal.period)
}

// Extend advances all three EMAs with a new close.
func (m *MACD) Extend(close float64) {
	m.fast.Extend(close)
	m.slow.Extend(close)
	diff := m.fast.Value() - m.slow.Value()
	m.signal.Extend(diff)
	m.set(diff)
}

// Revise replaces the close of the open period.
func (m *MACD) Revise(close float64) {
	m.fast.Revise(close)
	m.slow.Revise(close)
	diff := m.fast.Value() - m.slow.Value()
	m.signal.Revise(diff)
	m.set(diff)
}

func (m *MACD) set(diff float64) {
	dea := m.signal.Value()
	m.value = MACDValue{Diff: diff, DEA: dea, Hist: diff - dea}
}

// Value returns the histogram, satisfying Kernel.
func (m *MACD) Value() float64 { return m.value.Hist }

// Reading returns the full (diff, dea, hist) triple.
func (m *MACD) Reading() MACDValue { return m.value }

func (m *MACD) Ready() bool { return m.slow.Ready() && m.signal.Ready() }

// Reset clears all state.
func (m *MACD) Reset() {
	m.fast.Reset()
	m.slow.Reset()
	m.signal.Reset()
	m.value = MACDValue{}
}
