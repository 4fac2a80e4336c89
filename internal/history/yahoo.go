package history

import (
	"context"
	"fmt"
	"time"

	finance "github.com/piquette/finance-go"
	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"

	"zen-engine/internal/model"
)

// yahooLimits caps how far back Yahoo serves each interval.
var yahooLimits = map[model.Freq]time.Duration{
	model.Freq1m:  7 * 24 * time.Hour,
	model.Freq5m:  59 * 24 * time.Hour,
	model.Freq15m: 59 * 24 * time.Hour,
	model.Freq30m: 59 * 24 * time.Hour,
	model.Freq60m: 729 * 24 * time.Hour,
}

// YahooFetcher pulls chart bars from Yahoo Finance.
type YahooFetcher struct {
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewYahooFetcher creates a Yahoo Finance fetcher.
func NewYahooFetcher() *YahooFetcher {
	return &YahooFetcher{}
}

func (f *YahooFetcher) Fetch(ctx context.Context, key model.StreamKey, limit int) ([]model.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	interval, err := yahooInterval(key.Freq)
	if err != nil {
		return nil, err
	}
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	end := now().UTC()
	start := end.Add(-yahooLookback(key.Freq, limit))

	params := &chart.Params{
		Symbol:   key.Symbol,
		Start:    datetime.New(&start),
		End:      datetime.New(&end),
		Interval: interval,
	}

	iter := chart.Get(params)
	var bars []model.Bar
	for iter.Next() {
		bars = append(bars, chartBar(key, iter.Bar()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("yahoo chart %s: %w", key, err)
	}
	return normalize(bars, limit), nil
}

func (f *YahooFetcher) Name() string { return "yahoo" }

func yahooInterval(freq model.Freq) (datetime.Interval, error) {
	switch freq {
	case model.Freq1d:
		return datetime.OneDay, nil
	case model.Freq1w:
		return datetime.Interval("1wk"), nil
	case model.Freq1m, model.Freq5m, model.Freq15m, model.Freq30m, model.Freq60m, model.Freq1mo:
		return datetime.Interval(freq), nil
	}
	return "", fmt.Errorf("yahoo: unsupported freq %q", freq)
}

// yahooLookback sizes the request window for limit bars. Intraday and daily
// windows are padded for closed sessions, then capped to what Yahoo serves.
func yahooLookback(freq model.Freq, limit int) time.Duration {
	if limit <= 0 {
		limit = 1000
	}
	d := freq.Duration() * time.Duration(limit)
	switch {
	case freq.Duration() < 24*time.Hour:
		d *= 4 // ~6.5 trading hours a day, 5 days a week
	case freq == model.Freq1d:
		d = d * 7 / 5
	}
	if cap, ok := yahooLimits[freq]; ok && d > cap {
		d = cap
	}
	return d
}

func chartBar(key model.StreamKey, b *finance.ChartBar) model.Bar {
	open, _ := b.Open.Float64()
	high, _ := b.High.Float64()
	low, _ := b.Low.Float64()
	cls, _ := b.Close.Float64()
	return model.Bar{
		Symbol: key.Symbol,
		Freq:   key.Freq,
		TS:     time.Unix(int64(b.Timestamp), 0).UTC(),
		Open:   open,
		High:   high,
		Low:    low,
		Close:  cls,
		Volume: float64(b.Volume),
	}
}
