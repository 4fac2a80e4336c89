package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"zen-engine/internal/model"
)

type divergenceRow struct {
	ID          string `db:"id"`
	Symbol      string `db:"symbol"`
	Freq        string `db:"freq"`
	TS          int64  `db:"ts"`
	Direction   string `db:"direction"`
	PointType   string `db:"point_type"`
	Confidence  int    `db:"confidence"`
	Provisional bool   `db:"provisional"`
	Data        string `db:"data"`
	CreatedAt   int64  `db:"created_at"`
}

// SaveDivergence appends d to the audit trail for key.
func (s *Store) SaveDivergence(ctx context.Context, key model.StreamKey, d model.DivergenceView) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal divergence: %w", err)
	}
	row := divergenceRow{
		ID:          uuid.NewString(),
		Symbol:      key.Symbol,
		Freq:        string(key.Freq),
		TS:          d.TS.Unix(),
		Direction:   d.Direction,
		PointType:   d.PointType,
		Confidence:  d.Confidence,
		Provisional: d.Provisional,
		Data:        string(data),
		CreatedAt:   time.Now().UnixNano(),
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO divergences (id, symbol, freq, ts, direction, point_type, confidence, provisional, data, created_at)
		VALUES (:id, :symbol, :freq, :ts, :direction, :point_type, :confidence, :provisional, :data, :created_at)
	`, row)
	if err != nil {
		return fmt.Errorf("sqlite insert divergence: %w", err)
	}
	return nil
}

// ReadDivergences returns up to limit of the most recently saved records
// for key, newest first. limit <= 0 means 100.
func (s *Store) ReadDivergences(ctx context.Context, key model.StreamKey, limit int) ([]model.DivergenceView, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []divergenceRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, symbol, freq, ts, direction, point_type, confidence, provisional, data, created_at
		FROM divergences
		WHERE symbol = ? AND freq = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, key.Symbol, string(key.Freq), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query divergences: %w", err)
	}

	out := make([]model.DivergenceView, 0, len(rows))
	for _, r := range rows {
		var d model.DivergenceView
		if err := json.Unmarshal([]byte(r.Data), &d); err != nil {
			return nil, fmt.Errorf("unmarshal divergence %s: %w", r.ID, err)
		}
		out = append(out, d)
	}
	return out, nil
}
