package zenengine

import (
	"context"
	"errors"
	"log"
	"time"

	"zen-engine/internal/logger"
	"zen-engine/internal/model"
	"zen-engine/internal/notification"
	"zen-engine/internal/stream"
	"zen-engine/internal/zen"
)

// process applies one live bar and fans out its consequences.
func (svc *Service) process(ctx context.Context, c *stream.Container, b model.Bar) {
	start := time.Now()
	res, err := c.Ingest(b)
	m := svc.deps.Metrics

	if err != nil {
		var inv *zen.InvariantError
		if !errors.As(err, &inv) {
			if m != nil {
				m.RejectedBars.Inc()
			}
			if !errors.Is(err, zen.ErrOutOfOrder) {
				svc.log.Warn("bar rejected", append(logger.LogWithTrace(ctx),
					"stream", c.Key().String(), "ts", b.TS, "err", err)...)
			}
			return
		}
		// Violations are already logged by the engine; the bar was applied.
		if m != nil {
			m.InvariantErrors.Inc()
		}
	}

	if m != nil {
		m.IngestDur.Observe(time.Since(start).Seconds())
		m.BarsTotal.WithLabelValues(string(b.Freq)).Inc()
		if !res.NewPeriod {
			m.RevisionsTotal.Inc()
		}
		for _, ev := range res.Events {
			switch ev.Kind {
			case zen.Confirmed:
				m.StrokesConfirmed.Inc()
			case zen.Retracted:
				m.StrokesRetracted.Inc()
			}
		}
	}
	if h := svc.deps.Health; h != nil {
		h.SetLastBarTime(b.TS)
	}
	if svc.deps.BarSink != nil {
		select {
		case svc.deps.BarSink <- b:
		default:
			log.Printf("[zenengine] bar sink full, dropping %s %s", c.Key(), b.TS.Format(time.RFC3339))
		}
	}

	svc.publishSnapshot(ctx, c)
	if res.Logged != nil {
		svc.handleDivergence(ctx, c.Key(), stream.DivergenceView(*res.Logged))
	}
}

func (svc *Service) publishSnapshot(ctx context.Context, c *stream.Container) {
	if svc.deps.Publisher == nil {
		return
	}
	if err := svc.deps.Publisher.PublishSnapshot(ctx, c.Snapshot()); err != nil {
		log.Printf("[zenengine] publish snapshot %s: %v", c.Key(), err)
	}
}

// handleDivergence publishes, stores and alerts on a newly logged record.
func (svc *Service) handleDivergence(ctx context.Context, key model.StreamKey, d model.DivergenceView) {
	if m := svc.deps.Metrics; m != nil {
		for _, k := range d.Kinds {
			m.DivergencesTotal.WithLabelValues(k).Inc()
		}
	}
	log.Printf("[zenengine] %s divergence %s %s confidence=%d provisional=%v",
		key, d.Direction, d.PointType, d.Confidence, d.Provisional)

	if svc.deps.Publisher != nil {
		if err := svc.deps.Publisher.PublishDivergence(ctx, key, d); err != nil {
			log.Printf("[zenengine] publish divergence %s: %v", key, err)
		}
	}
	if svc.deps.Divergences != nil {
		if err := svc.deps.Divergences.SaveDivergence(ctx, key, d); err != nil {
			log.Printf("[zenengine] save divergence %s: %v", key, err)
		}
	}
	svc.alert(ctx, key, d)
}

func (svc *Service) alert(ctx context.Context, key model.StreamKey, d model.DivergenceView) {
	if svc.deps.Notifier == nil {
		return
	}
	a := notification.DivergenceAlert(key, d)
	if !svc.deps.Policy.Allow(a, d.Provisional) {
		return
	}
	// Delivery runs off the feed loop and survives task cancellation.
	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := svc.deps.Notifier.Send(sendCtx, a); err != nil {
			log.Printf("[zenengine] alert %s failed: %v", a.ID, err)
		}
	}()
}
