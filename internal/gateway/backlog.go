package gateway

import "sync"

// defaultBacklog is the number of envelopes kept per channel for /api/missed.
const defaultBacklog = 500

// backlog keeps the most recent envelopes of one channel. Channel sequence
// numbers are contiguous, so entry i always carries seq first+i.
type backlog struct {
	mu    sync.RWMutex
	max   int
	first int64 // seq of data[0]
	data  [][]byte
}

func newBacklog(max int) *backlog {
	if max <= 0 {
		max = defaultBacklog
	}
	return &backlog{max: max, data: make([][]byte, 0, max)}
}

// add records the envelope for seq. A seq that does not follow the last one
// restarts the backlog.
func (b *backlog) add(seq int64, envelope []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.data) == 0 || seq != b.first+int64(len(b.data)) {
		b.first = seq
		b.data = b.data[:0]
	}
	if len(b.data) == b.max {
		copy(b.data, b.data[1:])
		b.data = b.data[:len(b.data)-1]
		b.first++
	}
	b.data = append(b.data, envelope)
}

// between returns the envelopes with seq in [from, to]. truncated is true
// when part of the range has already been evicted, in which case the
// caller should resync from the latest snapshot instead.
func (b *backlog) between(from, to int64) (out [][]byte, truncated bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.data) == 0 {
		return nil, from <= to && from > 0
	}
	last := b.first + int64(len(b.data)) - 1
	truncated = from < b.first
	if from < b.first {
		from = b.first
	}
	if to > last {
		to = last
	}
	if from > to {
		return nil, truncated
	}
	out = make([][]byte, 0, to-from+1)
	for seq := from; seq <= to; seq++ {
		out = append(out, b.data[seq-b.first])
	}
	return out, truncated
}

func (b *backlog) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}
