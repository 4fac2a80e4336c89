package zenengine

import (
	"context"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
)

// Resyncer restarts every stream from history.
type Resyncer interface {
	ResubscribeAll(ctx context.Context, reason string)
}

// Scheduler triggers periodic full resyncs on a cron schedule.
type Scheduler struct {
	Cron *cron.Cron
	Ctx  context.Context

	target Resyncer
}

// NewScheduler parses spec (six fields, seconds first) and registers the
// resync job.
func NewScheduler(ctx context.Context, spec string, target Resyncer) (*Scheduler, error) {
	s := &Scheduler{
		Cron:   cron.New(cron.WithSeconds()),
		Ctx:    ctx,
		target: target,
	}
	if _, err := s.Cron.AddFunc(spec, s.resync); err != nil {
		return nil, fmt.Errorf("register resync %q: %w", spec, err)
	}
	return s, nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	log.Println("[zenengine] resync scheduler started")
}

// Stop stops the scheduler and waits for a running resync to finish.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	log.Println("[zenengine] resync scheduler stopped")
}

// RunNow executes the resync job immediately.
func (s *Scheduler) RunNow() {
	s.resync()
}

func (s *Scheduler) resync() {
	if s.Ctx.Err() != nil {
		return
	}
	log.Println("[zenengine] scheduled resync")
	s.target.ResubscribeAll(s.Ctx, "schedule")
}
