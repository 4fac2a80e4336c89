// Package indicator provides incremental indicator kernels over bar closes.
//
// Every kernel supports two operations: Extend feeds the value of a newly
// opened period, Revise replaces the value of the still-open period. A
// sequence Extend(a), Revise(b) leaves a kernel in exactly the state that
// Extend(b) alone would have produced.
package indicator

// Kernel is the interface for all incremental indicators.
type Kernel interface {
	// Name returns the kernel name (e.g., "SMA_20", "EMA_9").
	Name() string

	// Extend advances the kernel by one period.
	Extend(v float64)

	// Revise replaces the most recent value. Before the first Extend it
	// behaves like Extend.
	Revise(v float64)

	// Value returns the current value. Returns 0 if no data was fed.
	Value() float64

	// Ready returns true once a full period has been accumulated.
	Ready() bool
}

// itoa converts int to string without importing strconv.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
