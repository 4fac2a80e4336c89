package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	lpconfig "github.com/longportapp/openapi-go/config"
	"github.com/longportapp/openapi-go/quote"
	"github.com/shopspring/decimal"

	"zen-engine/internal/model"
)

// longportMaxCount is the most candlesticks one request returns.
const longportMaxCount = 1000

// LongportFetcher pulls candlesticks from the Longport quote API.
type LongportFetcher struct {
	quoteCtx *quote.QuoteContext
}

// NewLongportFetcher connects a quote context with the given credentials.
func NewLongportFetcher(appKey, appSecret, accessToken string) (*LongportFetcher, error) {
	if appKey == "" || appSecret == "" || accessToken == "" {
		return nil, errors.New("longport API credentials not configured")
	}

	conf, err := lpconfig.New(lpconfig.WithConfigKey(appKey, appSecret, accessToken))
	if err != nil {
		return nil, err
	}
	quoteContext, err := quote.NewFromCfg(conf)
	if err != nil {
		return nil, err
	}
	return &LongportFetcher{quoteCtx: quoteContext}, nil
}

func (f *LongportFetcher) Fetch(ctx context.Context, key model.StreamKey, limit int) ([]model.Bar, error) {
	period, err := longportPeriod(key.Freq)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > longportMaxCount {
		limit = longportMaxCount
	}

	sticks, err := f.quoteCtx.Candlesticks(ctx, key.Symbol, period, int32(limit), quote.AdjustTypeNo)
	if err != nil {
		return nil, fmt.Errorf("longport candlesticks %s: %w", key, err)
	}

	bars := make([]model.Bar, 0, len(sticks))
	for _, s := range sticks {
		if s == nil {
			continue
		}
		bars = append(bars, candlestickBar(key, s))
	}
	return normalize(bars, limit), nil
}

func (f *LongportFetcher) Name() string { return "longport" }

// Close releases the quote connection.
func (f *LongportFetcher) Close() {
	f.quoteCtx.Close()
}

func longportPeriod(freq model.Freq) (quote.Period, error) {
	switch freq {
	case model.Freq1m:
		return quote.PeriodOneMinute, nil
	case model.Freq5m:
		return quote.PeriodFiveMinute, nil
	case model.Freq15m:
		return quote.PeriodFifteenMinute, nil
	case model.Freq30m:
		return quote.PeriodThirtyMinute, nil
	case model.Freq60m:
		return quote.PeriodSixtyMinute, nil
	case model.Freq1d:
		return quote.PeriodDay, nil
	case model.Freq1w:
		return quote.PeriodWeek, nil
	case model.Freq1mo:
		return quote.PeriodMonth, nil
	}
	return 0, fmt.Errorf("longport: unsupported freq %q", freq)
}

func candlestickBar(key model.StreamKey, s *quote.Candlestick) model.Bar {
	return model.Bar{
		Symbol: key.Symbol,
		Freq:   key.Freq,
		TS:     time.Unix(s.Timestamp, 0).UTC(),
		Open:   decimalFloat(s.Open),
		High:   decimalFloat(s.High),
		Low:    decimalFloat(s.Low),
		Close:  decimalFloat(s.Close),
		Volume: float64(s.Volume),
		Amount: decimalFloat(s.Turnover),
	}
}

func decimalFloat(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}
