// Package zenengine runs the live analysis service: one subscription task
// per configured stream (backfill, then live bars), publishing snapshots and
// divergence records and raising alerts.
package zenengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"zen-engine/internal/history"
	"zen-engine/internal/metrics"
	"zen-engine/internal/model"
	"zen-engine/internal/notification"
	"zen-engine/internal/stream"
)

// LiveFeed delivers live bars for one stream. Cursor is captured before
// backfill so no bar published in between is lost.
type LiveFeed interface {
	Cursor(ctx context.Context, key model.StreamKey) (string, error)
	Follow(ctx context.Context, key model.StreamKey, cursor string, out chan<- model.Bar) error
}

// Config holds the service's tunables.
type Config struct {
	Streams         []model.StreamKey
	BackfillBars    int
	BackfillTimeout time.Duration
	ResyncCron      string // six-field cron spec; empty disables

	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.BackfillTimeout <= 0 {
		c.BackfillTimeout = 30 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.MaxRetryBackoff < c.RetryBackoff {
		c.MaxRetryBackoff = time.Minute
	}
}

// Deps are the collaborators the service drives. Only Registry is required.
type Deps struct {
	Registry    *stream.Registry
	Feed        LiveFeed              // nil: backfill only
	History     history.Fetcher       // nil: start empty
	Publisher   model.SignalPublisher // nil: no publishing
	Divergences model.DivergenceStore // nil: no audit trail
	BarSink     chan<- model.Bar      // live bars for persistence; nil disables
	Notifier    notification.Notifier // nil: no alerts
	Policy      *notification.Policy
	Metrics     *metrics.Metrics
	Health      *metrics.HealthStatus
	Logger      *slog.Logger
}

// Service owns the per-stream subscription tasks.
type Service struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	resub sync.Mutex // serializes Resubscribe

	mu      sync.Mutex
	root    context.Context
	stopped bool
	tasks   map[model.StreamKey]*task
	wg      sync.WaitGroup
}

// task is one running subscription.
type task struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// New validates deps and creates a service. Nothing runs until Run.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Registry == nil {
		return nil, errors.New("zenengine: registry is required")
	}
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Notifier != nil && deps.Policy == nil {
		deps.Policy = notification.NewPolicy(0, false, notification.DefaultDedupSize)
	}
	return &Service{
		cfg:   cfg,
		deps:  deps,
		log:   logger,
		tasks: make(map[model.StreamKey]*task),
	}, nil
}

// Run starts a subscription for every configured stream and the resync
// scheduler, then blocks until ctx is cancelled and all tasks have exited.
func (svc *Service) Run(ctx context.Context) error {
	log.Printf("[zenengine] starting with %d streams", len(svc.cfg.Streams))

	svc.mu.Lock()
	svc.root = ctx
	svc.mu.Unlock()

	for _, key := range svc.cfg.Streams {
		if _, err := svc.deps.Registry.GetOrCreate(key); err != nil {
			return fmt.Errorf("create stream %s: %w", key, err)
		}
		svc.start(key, "startup")
	}

	if svc.cfg.ResyncCron != "" {
		sched, err := NewScheduler(ctx, svc.cfg.ResyncCron, svc)
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	go svc.healthLoop(ctx)

	<-ctx.Done()
	svc.mu.Lock()
	svc.stopped = true
	svc.mu.Unlock()
	svc.wg.Wait()
	log.Println("[zenengine] all subscriptions stopped")
	return nil
}

// Resubscribe cancels the stream's running task and starts a fresh one,
// which resets the container and replays history before going live.
func (svc *Service) Resubscribe(ctx context.Context, key model.StreamKey, reason string) error {
	if _, ok := svc.deps.Registry.Get(key); !ok {
		return fmt.Errorf("resubscribe %s: unknown stream", key)
	}
	svc.resub.Lock()
	defer svc.resub.Unlock()

	svc.mu.Lock()
	old := svc.tasks[key]
	svc.mu.Unlock()
	if old != nil {
		old.cancel()
		select {
		case <-old.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if svc.start(key, reason) == "" {
		return errors.New("zenengine: service is not running")
	}
	return nil
}

// ResubscribeAll restarts every stream.
func (svc *Service) ResubscribeAll(ctx context.Context, reason string) {
	for _, key := range svc.deps.Registry.Keys() {
		if err := svc.Resubscribe(ctx, key, reason); err != nil {
			log.Printf("[zenengine] resubscribe %s failed: %v", key, err)
		}
	}
}

// start launches a subscription task for key and returns its id, or ""
// when the service is not running.
func (svc *Service) start(key model.StreamKey, reason string) string {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.root == nil || svc.stopped || svc.root.Err() != nil {
		return ""
	}
	c, ok := svc.deps.Registry.Get(key)
	if !ok {
		return ""
	}

	ctx, cancel := context.WithCancel(svc.root)
	t := &task{id: uuid.NewString(), cancel: cancel, done: make(chan struct{})}
	svc.tasks[key] = t
	if m := svc.deps.Metrics; m != nil {
		m.Resubscriptions.WithLabelValues(reason).Inc()
	}

	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		defer close(t.done)
		defer cancel()
		svc.runStream(ctx, c, t.id)
	}()
	return t.id
}

// healthLoop refreshes the stale-stream view every few seconds.
func (svc *Service) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.refreshHealth()
		}
	}
}

func (svc *Service) refreshHealth() {
	keys := svc.deps.Registry.Keys()
	var stale []string
	for _, k := range keys {
		c, ok := svc.deps.Registry.Get(k)
		if !ok {
			continue
		}
		if s, _ := c.NeedsResubscribe(); s {
			stale = append(stale, k.String())
		}
	}
	if h := svc.deps.Health; h != nil {
		h.SetStreams(len(keys), stale)
	}
	if m := svc.deps.Metrics; m != nil {
		m.StaleStreams.Set(float64(len(stale)))
	}
}
