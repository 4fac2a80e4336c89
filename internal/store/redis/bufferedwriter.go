package redis

import (
	"context"
	"errors"
	"log"
	"sync"

	"zen-engine/internal/model"
)

type pendingDivergence struct {
	key model.StreamKey
	d   model.DivergenceView
}

// BufferedWriter wraps a SignalPublisher with a circuit breaker.
// While the circuit is open, publishes are held locally and flushed when
// the circuit closes again. Snapshots coalesce to the latest per stream;
// divergence records queue in order, dropping the oldest past maxBuf.
type BufferedWriter struct {
	inner model.SignalPublisher
	cb    *CircuitBreaker
	ctx   context.Context

	mu          sync.Mutex
	snapshots   map[model.StreamKey]model.StreamSnapshot
	divergences []pendingDivergence
	maxBuf      int

	// Callbacks
	OnBuffer func()          // called when a write is buffered (for metrics)
	OnFlush  func(count int) // called after flushing buffered writes
}

// NewBufferedWriter creates a BufferedWriter wrapping inner.
func NewBufferedWriter(ctx context.Context, inner model.SignalPublisher, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		inner:     inner,
		cb:        cb,
		ctx:       ctx,
		snapshots: make(map[model.StreamKey]model.StreamSnapshot),
		maxBuf:    maxBufferSize,
	}

	prevCallback := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prevCallback != nil {
			prevCallback(from, to)
		}
		if to == StateClosed {
			go bw.flush()
		}
	}

	return bw
}

// PublishSnapshot publishes through the circuit breaker, buffering on open.
func (bw *BufferedWriter) PublishSnapshot(ctx context.Context, snap model.StreamSnapshot) error {
	err := bw.cb.Execute(func() error {
		return bw.inner.PublishSnapshot(ctx, snap)
	})
	if errors.Is(err, ErrCircuitOpen) {
		bw.mu.Lock()
		bw.snapshots[snap.Key()] = snap
		bw.mu.Unlock()
		bw.buffered()
		return nil
	}
	return err
}

// PublishDivergence publishes through the circuit breaker, buffering on open.
func (bw *BufferedWriter) PublishDivergence(ctx context.Context, key model.StreamKey, d model.DivergenceView) error {
	err := bw.cb.Execute(func() error {
		return bw.inner.PublishDivergence(ctx, key, d)
	})
	if errors.Is(err, ErrCircuitOpen) {
		bw.mu.Lock()
		if len(bw.divergences) >= bw.maxBuf {
			bw.divergences = bw.divergences[1:]
		}
		bw.divergences = append(bw.divergences, pendingDivergence{key: key, d: d})
		bw.mu.Unlock()
		bw.buffered()
		return nil
	}
	return err
}

func (bw *BufferedWriter) buffered() {
	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// flush replays buffered writes through the underlying publisher.
// Writes that fail again are put back in front of anything buffered since.
func (bw *BufferedWriter) flush() {
	bw.mu.Lock()
	snaps := bw.snapshots
	divs := bw.divergences
	bw.snapshots = make(map[model.StreamKey]model.StreamSnapshot)
	bw.divergences = nil
	bw.mu.Unlock()

	if len(snaps) == 0 && len(divs) == 0 {
		return
	}

	flushed := 0
	var failedDivs []pendingDivergence
	for _, pd := range divs {
		if err := bw.inner.PublishDivergence(bw.ctx, pd.key, pd.d); err != nil {
			failedDivs = append(failedDivs, pd)
			continue
		}
		flushed++
	}
	failedSnaps := make(map[model.StreamKey]model.StreamSnapshot)
	for key, snap := range snaps {
		if err := bw.inner.PublishSnapshot(bw.ctx, snap); err != nil {
			failedSnaps[key] = snap
			continue
		}
		flushed++
	}

	if len(failedDivs) > 0 || len(failedSnaps) > 0 {
		bw.mu.Lock()
		bw.divergences = append(failedDivs, bw.divergences...)
		for key, snap := range failedSnaps {
			if _, newer := bw.snapshots[key]; !newer {
				bw.snapshots[key] = snap
			}
		}
		bw.mu.Unlock()
		log.Printf("[buffered-writer] %d writes failed during flush, re-buffered", len(failedDivs)+len(failedSnaps))
	}

	log.Printf("[buffered-writer] flushed %d buffered writes", flushed)
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.snapshots) + len(bw.divergences)
}
