package model

import "time"

// StrokeView is the published form of a confirmed or unfinished stroke.
type StrokeView struct {
	Direction  string    `json:"direction"` // "up" | "down"
	StartPrice float64   `json:"start"`
	EndPrice   float64   `json:"end"`
	StartTS    time.Time `json:"start_ts"`
	EndTS      time.Time `json:"end_ts"`
}

// PivotView describes a pivot window over strokes.
type PivotView struct {
	Left    time.Time `json:"left"`
	Right   time.Time `json:"right"`
	High    float64   `json:"high"` // ZG
	Low     float64   `json:"low"`  // ZD
	GG      float64   `json:"gg"`
	DD      float64   `json:"dd"`
	Strokes int       `json:"bi_count"`
}

// DivergenceView is the published form of a divergence record.
type DivergenceView struct {
	Direction   string     `json:"direction"`
	PointType   string     `json:"type"`
	Kinds       []string   `json:"bc_type"`
	Confidence  int        `json:"confidence"`
	Provisional bool       `json:"fake_bi"`
	Pivot       PivotView  `json:"zs2"`
	PrevPivot   *PivotView `json:"zs1,omitempty"`
	MACDATS     time.Time  `json:"macd_a_dt"`
	MACDAVal    float64    `json:"macd_a_val"`
	MACDBTS     time.Time  `json:"macd_b_dt"`
	MACDBVal    float64    `json:"macd_b_val"`
	TS          time.Time  `json:"dt"`
	Price       float64    `json:"price"`
}

// MADistance reports close / SMA(period) for the latest bar.
type MADistance struct {
	Period   int     `json:"period"`
	MA       float64 `json:"ma"`
	Distance float64 `json:"distance"`
}

// StreamSnapshot is the read-only JSON view of one stream's analysis state.
type StreamSnapshot struct {
	Symbol      string           `json:"symbol"`
	Freq        Freq             `json:"freq"`
	UpdatedAt   time.Time        `json:"updated_at"`
	LastBarTS   time.Time        `json:"last_bar_ts"`
	Finished    []StrokeView     `json:"finished"`
	Unfinished  []StrokeView     `json:"unfinished"`
	Pivots      []PivotView      `json:"pivots"`
	Divergences []DivergenceView `json:"divergences"`
	MA          []MADistance     `json:"ma,omitempty"`
	StrokeRatio float64          `json:"stroke_ratio,omitempty"`
	Stale       bool             `json:"stale"`
	StaleReason string           `json:"stale_reason,omitempty"`
}

// Key returns the stream the snapshot describes.
func (s *StreamSnapshot) Key() StreamKey {
	return StreamKey{Symbol: s.Symbol, Freq: s.Freq}
}
