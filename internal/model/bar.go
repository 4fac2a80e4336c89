package model

import (
	"encoding/json"
	"time"
)

// Bar is one OHLCV bar as delivered by a feed or read from history.
// A bar with the same TS as the previous one on the same stream is a
// revision of the still-open period.
type Bar struct {
	Symbol string    `json:"symbol" db:"symbol"`
	Freq   Freq      `json:"freq" db:"freq"`
	TS     time.Time `json:"ts" db:"ts"` // period start (UTC)
	Open   float64   `json:"open" db:"open"`
	High   float64   `json:"high" db:"high"`
	Low    float64   `json:"low" db:"low"`
	Close  float64   `json:"close" db:"close"`
	Volume float64   `json:"volume" db:"volume"`
	Amount float64   `json:"amount" db:"amount"`
}

// Key returns the stream this bar belongs to.
func (b *Bar) Key() StreamKey {
	return StreamKey{Symbol: b.Symbol, Freq: b.Freq}
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	data, _ := json.Marshal(b)
	return data
}

// Valid reports whether the bar's prices are internally consistent.
func (b *Bar) Valid() bool {
	if b.TS.IsZero() || b.High < b.Low {
		return false
	}
	return b.Open <= b.High && b.Open >= b.Low && b.Close <= b.High && b.Close >= b.Low
}
