package zenengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zen-engine/internal/model"
)

// Target is one named downstream publisher.
type Target struct {
	Name      string
	Publisher model.SignalPublisher
}

// Fanout publishes to every target in order. A failing target does not stop
// the others; failures are joined.
type Fanout struct {
	targets []Target

	// OnPublish observes each target's write latency.
	OnPublish func(name string, seconds float64)
}

// NewFanout creates a publisher over targets.
func NewFanout(targets ...Target) *Fanout {
	return &Fanout{targets: targets}
}

func (f *Fanout) each(fn func(model.SignalPublisher) error) error {
	var errs []error
	for _, t := range f.targets {
		start := time.Now()
		err := fn(t.Publisher)
		if f.OnPublish != nil {
			f.OnPublish(t.Name, time.Since(start).Seconds())
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}

// PublishSnapshot implements model.SignalPublisher.
func (f *Fanout) PublishSnapshot(ctx context.Context, snap model.StreamSnapshot) error {
	return f.each(func(p model.SignalPublisher) error { return p.PublishSnapshot(ctx, snap) })
}

// PublishDivergence implements model.SignalPublisher.
func (f *Fanout) PublishDivergence(ctx context.Context, key model.StreamKey, d model.DivergenceView) error {
	return f.each(func(p model.SignalPublisher) error { return p.PublishDivergence(ctx, key, d) })
}
