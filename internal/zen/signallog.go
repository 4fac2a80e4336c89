package zen

// DefaultLogLimit is the number of divergence records kept per stream.
const DefaultLogLimit = 100

// SignalLog is a bounded, de-duplicated history of divergence records.
// Records are keyed by their pivot window.
type SignalLog struct {
	limit   int
	entries []Divergence
}

// NewSignalLog creates a log keeping at most limit records.
func NewSignalLog(limit int) *SignalLog {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return &SignalLog{limit: limit}
}

func sameWindow(a, b Divergence) bool {
	return a.Pivot.Left.Equal(b.Pivot.Left) && a.Pivot.Right.Equal(b.Pivot.Right)
}

func sameRecord(a, b Divergence) bool {
	return sameWindow(a, b) && a.Provisional == b.Provisional && a.Type == b.Type &&
		a.Confidence == b.Confidence && a.DT.Equal(b.DT) && a.Price == b.Price
}

// Record adds d. A record for an already logged window replaces the old
// one, except that a provisional record never replaces a confirmed one.
// It returns false when the log did not change.
func (l *SignalLog) Record(d Divergence) bool {
	for i := len(l.entries) - 1; i >= 0; i-- {
		old := l.entries[i]
		if !sameWindow(old, d) {
			continue
		}
		if sameRecord(old, d) || (!old.Provisional && d.Provisional) {
			return false
		}
		l.entries[i] = d
		return true
	}
	l.entries = append(l.entries, d)
	if n := len(l.entries); n > l.limit {
		l.entries = append([]Divergence(nil), l.entries[n-l.limit:]...)
	}
	return true
}

// Retract drops records whose pivot window ended where s began (their exit
// was s) and provisional records whose pivot ended with s. It returns the
// number of records removed.
func (l *SignalLog) Retract(s Stroke) int {
	kept := l.entries[:0]
	removed := 0
	for _, d := range l.entries {
		if (!d.Provisional && d.Pivot.Right.Equal(s.FxA.DT)) || (d.Provisional && d.Pivot.Right.Equal(s.FxB.DT)) {
			removed++
			continue
		}
		kept = append(kept, d)
	}
	l.entries = kept
	return removed
}

// Entries returns a copy of the records, oldest first.
func (l *SignalLog) Entries() []Divergence {
	return append([]Divergence(nil), l.entries...)
}

func (l *SignalLog) clone() *SignalLog {
	return &SignalLog{limit: l.limit, entries: l.Entries()}
}

// Reset drops every record.
func (l *SignalLog) Reset() { l.entries = nil }
