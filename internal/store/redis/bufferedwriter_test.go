package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"zen-engine/internal/model"
)

type fakePublisher struct {
	mu          sync.Mutex
	fail        bool
	snapshots   []model.StreamSnapshot
	divergences []model.DivergenceView
}

func (f *fakePublisher) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakePublisher) PublishSnapshot(_ context.Context, snap model.StreamSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection refused")
	}
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakePublisher) PublishDivergence(_ context.Context, _ model.StreamKey, d model.DivergenceView) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection refused")
	}
	f.divergences = append(f.divergences, d)
	return nil
}

func (f *fakePublisher) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snapshots), len(f.divergences)
}

func TestBufferedWriter_BuffersWhileOpenAndFlushesOnClose(t *testing.T) {
	ctx := context.Background()
	inner := &fakePublisher{fail: true}
	cb := NewCircuitBreaker(2, 50*time.Millisecond)
	bw := NewBufferedWriter(ctx, inner, cb, 0)

	buffered := 0
	bw.OnBuffer = func() { buffered++ }

	key := model.StreamKey{Symbol: "AAPL", Freq: model.Freq1m}
	snap := func(n int) model.StreamSnapshot {
		return model.StreamSnapshot{Symbol: key.Symbol, Freq: key.Freq, StrokeRatio: float64(n)}
	}

	// Two failures trip the breaker; the errors surface to the caller.
	for i := 0; i < 2; i++ {
		if err := bw.PublishSnapshot(ctx, snap(i)); err == nil {
			t.Fatalf("publish %d: expected error while inner fails", i)
		}
	}
	if cb.CurrentState() != StateOpen {
		t.Fatalf("expected Open, got %v", cb.CurrentState())
	}

	// While open, snapshots coalesce per stream and divergences queue.
	for i := 2; i < 5; i++ {
		if err := bw.PublishSnapshot(ctx, snap(i)); err != nil {
			t.Fatalf("buffered publish returned %v", err)
		}
	}
	bw.PublishDivergence(ctx, key, model.DivergenceView{Direction: "up"})
	bw.PublishDivergence(ctx, key, model.DivergenceView{Direction: "down"})
	if got := bw.PendingCount(); got != 3 {
		t.Fatalf("pending=%d, want 3 (1 snapshot + 2 divergences)", got)
	}
	if buffered != 5 {
		t.Errorf("OnBuffer calls=%d, want 5", buffered)
	}

	inner.setFail(false)
	time.Sleep(60 * time.Millisecond)
	if err := bw.PublishSnapshot(ctx, snap(5)); err != nil {
		t.Fatalf("trial publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for bw.PendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if bw.PendingCount() != 0 {
		t.Fatalf("buffer not flushed: %d pending", bw.PendingCount())
	}
	// Wait for the flush goroutine to finish publishing.
	for time.Now().Before(deadline) {
		if s, d := inner.counts(); s == 2 && d == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, d := inner.counts()
	if s != 2 || d != 2 {
		t.Fatalf("published snapshots=%d divergences=%d, want 2/2", s, d)
	}
	inner.mu.Lock()
	defer inner.mu.Unlock()
	if inner.divergences[0].Direction != "up" || inner.divergences[1].Direction != "down" {
		t.Errorf("divergence order not preserved: %+v", inner.divergences)
	}
}

func TestBufferedWriter_DropsOldestDivergence(t *testing.T) {
	ctx := context.Background()
	inner := &fakePublisher{fail: true}
	cb := NewCircuitBreaker(1, time.Hour)
	bw := NewBufferedWriter(ctx, inner, cb, 2)
	key := model.StreamKey{Symbol: "MSFT", Freq: model.Freq1d}

	bw.PublishDivergence(ctx, key, model.DivergenceView{Price: 0}) // trips
	for i := 1; i <= 3; i++ {
		bw.PublishDivergence(ctx, key, model.DivergenceView{Price: float64(i)})
	}
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if len(bw.divergences) != 2 || bw.divergences[0].d.Price != 2 || bw.divergences[1].d.Price != 3 {
		t.Errorf("buffer=%+v, want prices [2 3]", bw.divergences)
	}
}

func TestKeys(t *testing.T) {
	key := model.StreamKey{Symbol: "700.HK", Freq: model.Freq5m}
	tests := map[string]string{
		BarStream("", key):      "bar:5m:700.HK",
		BarStream("kline", key): "kline:5m:700.HK",
		LatestKey(key):          "zen:latest:5m:700.HK",
		SignalStream(key):       "zen:signal:5m:700.HK",
		SnapshotChannel(key):    "pub:zen:5m:700.HK",
		SignalChannel(key):      "pub:signal:5m:700.HK",
	}
	for got, want := range tests {
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}
