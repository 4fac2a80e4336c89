package zenengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"zen-engine/internal/logger"
	"zen-engine/internal/model"
	"zen-engine/internal/stream"
)

// runStream keeps one stream subscribed until ctx is cancelled. Each failed
// attempt marks the container as needing resubscription and retries with
// exponential backoff; the container keeps its last good state meanwhile.
func (svc *Service) runStream(ctx context.Context, c *stream.Container, id string) {
	key := c.Key()
	ctx = logger.WithTraceID(ctx, logger.NewTraceID(key.String()))
	backoff := svc.cfg.RetryBackoff

	for attempt := 1; ; attempt++ {
		err := svc.subscribeOnce(ctx, c)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("feed ended")
		}

		c.MarkNeedsResubscribe(err)
		svc.refreshHealth()
		if m := svc.deps.Metrics; m != nil {
			m.FeedErrors.Inc()
			m.Resubscriptions.WithLabelValues("error").Inc()
		}
		svc.log.Warn("subscription failed", append(logger.LogWithTrace(ctx),
			"stream", key.String(), "task", id, "attempt", attempt, "retry_in", backoff.String(), "err", err)...)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > svc.cfg.MaxRetryBackoff {
			backoff = svc.cfg.MaxRetryBackoff
		}
	}
}

// subscribeOnce captures the live cursor, backfills history into a fresh
// container state, then follows live bars until an error or cancellation.
func (svc *Service) subscribeOnce(ctx context.Context, c *stream.Container) error {
	key := c.Key()

	cursor := ""
	if svc.deps.Feed != nil {
		var err error
		if cursor, err = svc.deps.Feed.Cursor(ctx, key); err != nil {
			return fmt.Errorf("cursor %s: %w", key, err)
		}
	}

	bars, err := svc.backfill(ctx, key)
	if err != nil {
		return err
	}
	applied, err := c.Replay(ctx, bars)
	if err != nil {
		return fmt.Errorf("replay %s: %w", key, err)
	}
	svc.refreshHealth()
	log.Printf("[zenengine] %s backfilled %d/%d bars, %d strokes", key, applied, len(bars), len(c.Strokes()))
	svc.publishSnapshot(ctx, c)

	if svc.deps.Feed == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	feedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	barCh := make(chan model.Bar, 256)
	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.deps.Feed.Follow(feedCtx, key, cursor, barCh)
	}()
	if h := svc.deps.Health; h != nil {
		h.SetFeedConnected(true)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if h := svc.deps.Health; h != nil {
				h.SetFeedConnected(false)
			}
			if err == nil {
				return nil
			}
			return fmt.Errorf("follow %s: %w", key, err)
		case b := <-barCh:
			svc.process(ctx, c, b)
		}
	}
}

// backfill fetches history with the configured timeout. No fetcher or a
// zero bar budget yields an empty history.
func (svc *Service) backfill(ctx context.Context, key model.StreamKey) ([]model.Bar, error) {
	if svc.deps.History == nil || svc.cfg.BackfillBars <= 0 {
		return nil, nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, svc.cfg.BackfillTimeout)
	defer cancel()

	start := time.Now()
	bars, err := svc.deps.History.Fetch(fetchCtx, key, svc.cfg.BackfillBars)
	if m := svc.deps.Metrics; m != nil {
		m.BackfillDur.Observe(time.Since(start).Seconds())
		m.BackfillBars.Add(float64(len(bars)))
	}
	if err != nil {
		if len(bars) == 0 {
			return nil, fmt.Errorf("backfill %s from %s: %w", key, svc.deps.History.Name(), err)
		}
		// Fetched but not stored locally: analyse what we have.
		svc.log.Warn("backfill kept despite error",
			append(logger.LogWithTrace(ctx), "stream", key.String(), "bars", len(bars), "err", err)...)
	}
	return bars, nil
}
