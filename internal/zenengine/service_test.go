package zenengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"zen-engine/internal/history"
	"zen-engine/internal/metrics"
	"zen-engine/internal/model"
	"zen-engine/internal/notification"
	"zen-engine/internal/stream"
	"zen-engine/internal/zen"
)

var (
	key = model.StreamKey{Symbol: "AAPL", Freq: model.Freq1m}
	t0  = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
)

// zigzag alternates legs between 100 and 130; legs=4 gives three strokes.
func zigzag(legs int) []model.Bar {
	var mids []float64
	for v := 113.0; v >= 101; v -= 4 {
		mids = append(mids, v)
	}
	for l := 0; l < legs; l++ {
		if l%2 == 0 {
			for v := 105.0; v <= 129; v += 4 {
				mids = append(mids, v)
			}
		} else {
			for v := 125.0; v >= 101; v -= 4 {
				mids = append(mids, v)
			}
		}
	}
	out := make([]model.Bar, len(mids))
	for i, m := range mids {
		out[i] = model.Bar{
			Symbol: key.Symbol, Freq: key.Freq, TS: t0.Add(time.Duration(i) * time.Minute),
			Open: m - 0.5, High: m + 1, Low: m - 1, Close: m + 0.5, Volume: 10,
		}
	}
	return out
}

type fakeHistory struct {
	mu    sync.Mutex
	bars  []model.Bar
	err   error
	calls int
}

func (f *fakeHistory) Fetch(_ context.Context, _ model.StreamKey, limit int) ([]model.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.bars) {
		return f.bars[len(f.bars)-limit:], nil
	}
	return f.bars, nil
}

func (f *fakeHistory) Name() string { return "fake" }

func (f *fakeHistory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeFeed sends its bars, then blocks, or fails when err is set.
type fakeFeed struct {
	bars []model.Bar
	err  error

	mu      sync.Mutex
	cursors []string
}

func (f *fakeFeed) Cursor(context.Context, model.StreamKey) (string, error) {
	return "1700000000000-0", nil
}

func (f *fakeFeed) Follow(ctx context.Context, _ model.StreamKey, cursor string, out chan<- model.Bar) error {
	f.mu.Lock()
	f.cursors = append(f.cursors, cursor)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, b := range f.bars {
		select {
		case out <- b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

type fakePublisher struct {
	mu          sync.Mutex
	snapshots   int
	divergences []model.DivergenceView
	err         error
}

func (f *fakePublisher) PublishSnapshot(context.Context, model.StreamSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	return f.err
}

func (f *fakePublisher) PublishDivergence(_ context.Context, _ model.StreamKey, d model.DivergenceView) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.divergences = append(f.divergences, d)
	return f.err
}

func (f *fakePublisher) Snapshots() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots
}

type fakeStore struct {
	mu   sync.Mutex
	rows []model.DivergenceView
}

func (f *fakeStore) SaveDivergence(_ context.Context, _ model.StreamKey, d model.DivergenceView) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, d)
	return nil
}

func (f *fakeStore) ReadDivergences(context.Context, model.StreamKey, int) ([]model.DivergenceView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification.Alert
}

func (f *fakeNotifier) Send(_ context.Context, a notification.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, a)
	return nil
}

func (f *fakeNotifier) Name() string { return "fake" }

func newRegistry(t *testing.T) *stream.Registry {
	t.Helper()
	reg, err := stream.NewRegistry(stream.Options{Settings: zen.DefaultSettings(), SMAPeriods: []int{3}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func runService(t *testing.T, svc *Service) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	return cancel, done
}

func stop(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_RequiresRegistry(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatal("expected error without registry")
	}
}

func TestService_BackfillThenLive(t *testing.T) {
	bars := zigzag(4)
	split := len(bars) / 2
	hist := &fakeHistory{bars: bars[:split]}
	feed := &fakeFeed{bars: bars[split:]}
	pub := &fakePublisher{}
	sink := make(chan model.Bar, len(bars))
	m := metrics.NewMetrics(prometheus.NewRegistry())
	health := metrics.NewHealthStatus()
	reg := newRegistry(t)

	svc, err := New(Config{Streams: []model.StreamKey{key}, BackfillBars: 1000}, Deps{
		Registry:  reg,
		Feed:      feed,
		History:   hist,
		Publisher: pub,
		BarSink:   sink,
		Metrics:   m,
		Health:    health,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cancel, done := runService(t, svc)

	waitFor(t, "all bars ingested", func() bool {
		c, ok := reg.Get(key)
		return ok && c.Ingested() == int64(len(bars))
	})
	stop(t, cancel, done)

	c, _ := reg.Get(key)
	if got := len(c.Strokes()); got != 3 {
		t.Errorf("strokes=%d, want 3", got)
	}
	if stale, _ := c.NeedsResubscribe(); stale {
		t.Error("healthy stream marked stale")
	}
	// one snapshot after backfill plus one per live bar
	if got, want := pub.Snapshots(), 1+len(bars)-split; got != want {
		t.Errorf("snapshots=%d, want %d", got, want)
	}
	if len(sink) != len(bars)-split {
		t.Errorf("sink got %d bars, want %d live bars", len(sink), len(bars)-split)
	}
	if len(feed.cursors) != 1 || feed.cursors[0] != "1700000000000-0" {
		t.Errorf("Follow cursors = %v", feed.cursors)
	}
	if got := testutil.ToFloat64(m.BarsTotal.WithLabelValues("1m")); got != float64(len(bars)-split) {
		t.Errorf("zen_bars_total=%v, want %d", got, len(bars)-split)
	}
	if got := testutil.ToFloat64(m.BackfillBars); got != float64(split) {
		t.Errorf("zen_backfill_bars_total=%v, want %d", got, split)
	}
	if got := testutil.ToFloat64(m.Resubscriptions.WithLabelValues("startup")); got != 1 {
		t.Errorf("startup resubscriptions=%v, want 1", got)
	}
}

func TestService_FeedErrorMarksStaleAndKeepsState(t *testing.T) {
	hist := &fakeHistory{bars: zigzag(4)}
	feed := &fakeFeed{err: errors.New("connection reset")}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	reg := newRegistry(t)

	svc, err := New(Config{
		Streams:         []model.StreamKey{key},
		BackfillBars:    1000,
		RetryBackoff:    10 * time.Millisecond,
		MaxRetryBackoff: 20 * time.Millisecond,
	}, Deps{Registry: reg, Feed: feed, History: hist, Metrics: m})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cancel, done := runService(t, svc)

	waitFor(t, "retries", func() bool { return hist.Calls() >= 3 })
	c, _ := reg.Get(key)
	waitFor(t, "stale flag", func() bool {
		stale, _ := c.NeedsResubscribe()
		return stale
	})
	if got := len(c.Strokes()); got != 3 {
		t.Errorf("strokes=%d, want last good state of 3", got)
	}
	stop(t, cancel, done)

	if _, reason := c.NeedsResubscribe(); reason == "" {
		t.Error("stale reason is empty")
	}
	if got := testutil.ToFloat64(m.FeedErrors); got < 2 {
		t.Errorf("feed errors=%v, want >= 2", got)
	}
}

func TestService_BackfillErrorRetainsState(t *testing.T) {
	reg := newRegistry(t)
	c, _ := reg.GetOrCreate(key)
	for _, b := range zigzag(4) {
		c.Ingest(b)
	}

	hist := &fakeHistory{err: context.DeadlineExceeded}
	svc, _ := New(Config{
		Streams:      []model.StreamKey{key},
		BackfillBars: 100,
		RetryBackoff: 10 * time.Millisecond,
	}, Deps{Registry: reg, History: hist})
	cancel, done := runService(t, svc)
	waitFor(t, "stale flag", func() bool {
		stale, _ := c.NeedsResubscribe()
		return stale
	})
	stop(t, cancel, done)

	if got := len(c.Strokes()); got != 3 {
		t.Errorf("strokes=%d, want 3 after failed backfill", got)
	}
}

func TestService_Resubscribe(t *testing.T) {
	hist := &fakeHistory{bars: zigzag(4)}
	reg := newRegistry(t)
	svc, _ := New(Config{Streams: []model.StreamKey{key}, BackfillBars: 1000}, Deps{
		Registry: reg, Feed: &fakeFeed{}, History: hist,
	})

	if err := svc.Resubscribe(context.Background(), key, "api"); err == nil {
		t.Error("Resubscribe before Run should fail")
	}

	cancel, done := runService(t, svc)
	waitFor(t, "first backfill", func() bool { return hist.Calls() == 1 })

	if err := svc.Resubscribe(context.Background(), key, "api"); err != nil {
		t.Fatalf("Resubscribe: %v", err)
	}
	c, _ := reg.Get(key)
	waitFor(t, "second backfill", func() bool {
		return hist.Calls() == 2 && c.Ingested() == int64(len(hist.bars))
	})

	unknown := model.StreamKey{Symbol: "MSFT", Freq: model.Freq1m}
	if err := svc.Resubscribe(context.Background(), unknown, "api"); err == nil {
		t.Error("Resubscribe of unknown stream should fail")
	}
	stop(t, cancel, done)
}

func TestService_HandleDivergence(t *testing.T) {
	pub := &fakePublisher{}
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	svc, _ := New(Config{}, Deps{
		Registry:    newRegistry(t),
		Publisher:   pub,
		Divergences: store,
		Notifier:    notifier,
		Metrics:     m,
	})

	d := model.DivergenceView{
		Direction:  "down",
		PointType:  "first_buy",
		Kinds:      []string{"area", "diff"},
		Confidence: 100,
		TS:         t0,
		Price:      101,
	}
	svc.handleDivergence(context.Background(), key, d)
	svc.handleDivergence(context.Background(), key, d)
	provisional := d
	provisional.Provisional = true
	provisional.TS = t0.Add(time.Minute)
	svc.handleDivergence(context.Background(), key, provisional)
	svc.wg.Wait()

	if len(pub.divergences) != 3 || len(store.rows) != 3 {
		t.Errorf("published=%d stored=%d, want 3/3", len(pub.divergences), len(store.rows))
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("alerts sent=%d, want 1 (duplicate and provisional suppressed)", len(notifier.sent))
	}
	if notifier.sent[0].Level != notification.AlertCritical {
		t.Errorf("level=%s, want critical", notifier.sent[0].Level)
	}
	if got := testutil.ToFloat64(m.DivergencesTotal.WithLabelValues("diff")); got != 3 {
		t.Errorf("diff divergences=%v, want 3", got)
	}
}

func TestService_ProcessRejectsOlderBar(t *testing.T) {
	reg := newRegistry(t)
	c, _ := reg.GetOrCreate(key)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	pub := &fakePublisher{}
	svc, _ := New(Config{}, Deps{Registry: reg, Metrics: m, Publisher: pub})

	bars := zigzag(1)
	for _, b := range bars {
		svc.process(context.Background(), c, b)
	}
	svc.process(context.Background(), c, bars[0])
	revised := bars[len(bars)-1]
	revised.Close += 0.25
	svc.process(context.Background(), c, revised)

	if got := testutil.ToFloat64(m.RejectedBars); got != 1 {
		t.Errorf("rejected=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RevisionsTotal); got != 1 {
		t.Errorf("revisions=%v, want 1", got)
	}
	if got := pub.Snapshots(); got != len(bars)+1 {
		t.Errorf("snapshots=%d, want %d", got, len(bars)+1)
	}
}

func TestFanout(t *testing.T) {
	good := &fakePublisher{}
	bad := &fakePublisher{err: errors.New("down")}
	var observed []string
	f := NewFanout(Target{Name: "hub", Publisher: good}, Target{Name: "redis", Publisher: bad})
	f.OnPublish = func(name string, _ float64) { observed = append(observed, name) }

	err := f.PublishSnapshot(context.Background(), model.StreamSnapshot{Symbol: "AAPL", Freq: model.Freq1m})
	if err == nil || good.Snapshots() != 1 || bad.Snapshots() != 1 {
		t.Errorf("err=%v good=%d bad=%d", err, good.Snapshots(), bad.Snapshots())
	}
	if err := f.PublishDivergence(context.Background(), key, model.DivergenceView{}); err == nil {
		t.Error("expected joined error")
	}
	if len(observed) != 4 {
		t.Errorf("OnPublish calls = %v", observed)
	}
}

// lockedSink fails every write like a busy SQLite database.
type lockedSink struct {
	mu    sync.Mutex
	calls int
}

func (s *lockedSink) Run(context.Context, <-chan model.Bar) {}
func (s *lockedSink) Close() error                          { return nil }

func (s *lockedSink) WriteBars(context.Context, []model.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return errors.New("database is locked")
}

func (s *lockedSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestService_BackfillSurvivesRecordingFailure(t *testing.T) {
	bars := zigzag(4)
	hist := &fakeHistory{bars: bars}
	sink := &lockedSink{}
	reg := newRegistry(t)

	svc, err := New(Config{
		Streams:      []model.StreamKey{key},
		BackfillBars: 1000,
		RetryBackoff: 10 * time.Millisecond,
	}, Deps{Registry: reg, History: history.NewRecording(hist, sink)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cancel, done := runService(t, svc)

	waitFor(t, "backfill ingested", func() bool {
		c, ok := reg.Get(key)
		return ok && c.Ingested() == int64(len(bars))
	})
	// give a retry loop the chance to show up
	time.Sleep(50 * time.Millisecond)
	stop(t, cancel, done)

	c, _ := reg.Get(key)
	if got := len(c.Strokes()); got != 3 {
		t.Errorf("strokes=%d, want 3", got)
	}
	if stale, reason := c.NeedsResubscribe(); stale {
		t.Errorf("stream marked stale after a local write failure: %s", reason)
	}
	if hist.Calls() != 1 || sink.Calls() != 1 {
		t.Errorf("history calls=%d sink calls=%d, want one backfill", hist.Calls(), sink.Calls())
	}
}
