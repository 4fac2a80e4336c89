package notification

import (
	"strconv"
	"sync"
	"time"

	"zen-engine/internal/ringbuf"
)

// DefaultDedupSize bounds how many recent alerts are remembered.
const DefaultDedupSize = 1000

// Policy decides whether an alert goes out. It drops tentative records
// unless IncludeProvisional is set, records older than RealtimeWindow
// (zero disables the check) and alerts already sent among the last
// DedupSize distinct alerts.
type Policy struct {
	RealtimeWindow     time.Duration
	IncludeProvisional bool

	// Now defaults to time.Now.
	Now func() time.Time
	// OnSuppressed is called for each dropped alert (for metrics).
	OnSuppressed func()

	mu    sync.Mutex
	seen  map[string]struct{}
	order *ringbuf.Ring[string]
	size  int
}

// NewPolicy creates a policy remembering up to dedupSize alerts
// (DefaultDedupSize when <= 0).
func NewPolicy(window time.Duration, includeProvisional bool, dedupSize int) *Policy {
	if dedupSize <= 0 {
		dedupSize = DefaultDedupSize
	}
	return &Policy{
		RealtimeWindow:     window,
		IncludeProvisional: includeProvisional,
		seen:               make(map[string]struct{}, dedupSize),
		order:              ringbuf.New[string](dedupSize),
		size:               dedupSize,
	}
}

// Allow reports whether a should be sent and remembers it.
func (p *Policy) Allow(a Alert, provisional bool) bool {
	if !p.allow(a, provisional) {
		if p.OnSuppressed != nil {
			p.OnSuppressed()
		}
		return false
	}
	return true
}

func (p *Policy) allow(a Alert, provisional bool) bool {
	if provisional && !p.IncludeProvisional {
		return false
	}

	key := dedupKey(a)
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.seen[key]; dup {
		return false
	}
	if p.order.Len() >= p.size {
		if oldest, ok := p.order.Pop(); ok {
			delete(p.seen, oldest)
		}
	}
	p.seen[key] = struct{}{}
	p.order.Push(key)

	if p.RealtimeWindow > 0 {
		now := time.Now
		if p.Now != nil {
			now = p.Now
		}
		if !a.TS.After(now().Add(-p.RealtimeWindow)) {
			return false
		}
	}
	return true
}

func dedupKey(a Alert) string {
	return a.Stream + "\x00" + a.Title + "\x00" + a.Subtitle + "\x00" + a.Message + "\x00" + strconv.FormatInt(a.TS.Unix(), 10)
}
