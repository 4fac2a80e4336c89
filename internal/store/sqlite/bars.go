package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"zen-engine/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// barRow is the table form of model.Bar with ts stored as unix seconds.
type barRow struct {
	Symbol string  `db:"symbol"`
	Freq   string  `db:"freq"`
	TS     int64   `db:"ts"`
	Open   float64 `db:"open"`
	High   float64 `db:"high"`
	Low    float64 `db:"low"`
	Close  float64 `db:"close"`
	Volume float64 `db:"volume"`
	Amount float64 `db:"amount"`
}

func toRow(b model.Bar) barRow {
	return barRow{
		Symbol: b.Symbol, Freq: string(b.Freq), TS: b.TS.Unix(),
		Open: b.Open, High: b.High, Low: b.Low, Close: b.Close,
		Volume: b.Volume, Amount: b.Amount,
	}
}

func (r barRow) bar() model.Bar {
	return model.Bar{
		Symbol: r.Symbol, Freq: model.Freq(r.Freq), TS: time.Unix(r.TS, 0).UTC(),
		Open: r.Open, High: r.High, Low: r.Low, Close: r.Close,
		Volume: r.Volume, Amount: r.Amount,
	}
}

// WriteBars upserts bars in one transaction. A bar with an existing
// (symbol, freq, ts) replaces the stored one.
func (s *Store) WriteBars(ctx context.Context, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareNamedContext(ctx, `
		INSERT OR REPLACE INTO bars (symbol, freq, ts, open, high, low, close, volume, amount)
		VALUES (:symbol, :freq, :ts, :open, :high, :low, :close, :volume, :amount)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range bars {
		if _, err := stmt.ExecContext(ctx, toRow(bars[i])); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert bar %s@%d: %w", bars[i].Key(), bars[i].TS.Unix(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if s.OnCommit != nil {
		s.OnCommit(len(bars), time.Since(start).Seconds())
	}
	return nil
}

// Run reads bars from barCh and writes them in batched transactions.
// Flushes every batchSize bars OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or barCh is closed.
func (s *Store) Run(ctx context.Context, barCh <-chan model.Bar) {
	batch := make([]model.Bar, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// ctx may already be cancelled here; the final flush still commits.
		if err := s.WriteBars(context.Background(), batch); err != nil {
			log.Printf("[sqlite] batch insert error: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case b, ok := <-barCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, b)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// ReadBars returns up to limit of the newest bars for key with TS at or
// after since, oldest first. limit <= 0 returns all of them.
func (s *Store) ReadBars(ctx context.Context, key model.StreamKey, since time.Time, limit int) ([]model.Bar, error) {
	var sinceTS int64
	if !since.IsZero() {
		sinceTS = since.Unix()
	}

	var rows []barRow
	var err error
	if limit > 0 {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT symbol, freq, ts, open, high, low, close, volume, amount
			FROM bars
			WHERE symbol = ? AND freq = ? AND ts >= ?
			ORDER BY ts DESC
			LIMIT ?
		`, key.Symbol, string(key.Freq), sinceTS, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT symbol, freq, ts, open, high, low, close, volume, amount
			FROM bars
			WHERE symbol = ? AND freq = ? AND ts >= ?
			ORDER BY ts ASC
		`, key.Symbol, string(key.Freq), sinceTS)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars: %w", err)
	}

	bars := make([]model.Bar, len(rows))
	for i, r := range rows {
		bars[i] = r.bar()
	}
	if limit > 0 {
		for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
			bars[i], bars[j] = bars[j], bars[i]
		}
	}
	return bars, nil
}

// LastTimestamp returns the newest stored bar time for key, or the zero
// time if the stream has no bars.
func (s *Store) LastTimestamp(ctx context.Context, key model.StreamKey) (time.Time, error) {
	var ts sql.NullInt64
	err := s.db.GetContext(ctx, &ts, `SELECT MAX(ts) FROM bars WHERE symbol = ? AND freq = ?`, key.Symbol, string(key.Freq))
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), nil
}

// Streams lists every (symbol, freq) with stored bars.
func (s *Store) Streams(ctx context.Context) ([]model.StreamKey, error) {
	var rows []struct {
		Symbol string `db:"symbol"`
		Freq   string `db:"freq"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT DISTINCT symbol, freq FROM bars ORDER BY freq, symbol`); err != nil {
		return nil, fmt.Errorf("sqlite query streams: %w", err)
	}
	keys := make([]model.StreamKey, len(rows))
	for i, r := range rows {
		keys[i] = model.StreamKey{Symbol: r.Symbol, Freq: model.Freq(r.Freq)}
	}
	return keys, nil
}
