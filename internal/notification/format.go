package notification

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"zen-engine/internal/model"
)

// DivergenceAlert renders a divergence record as an alert.
// Full-confidence records are critical, the rest warnings.
func DivergenceAlert(key model.StreamKey, d model.DivergenceView) Alert {
	label := "divergence"
	if d.PointType != "" && d.PointType != "none" {
		label = d.PointType
	}

	level := AlertWarning
	if d.Confidence >= 100 {
		level = AlertCritical
	}

	var b strings.Builder
	fmt.Fprintf(&b, "kinds: %s\n", strings.Join(d.Kinds, ", "))
	fmt.Fprintf(&b, "confidence: %d\n", d.Confidence)
	fmt.Fprintf(&b, "price: %.4f\n", d.Price)
	fmt.Fprintf(&b, "pivot: %.4f - %.4f (%d strokes)", d.Pivot.Low, d.Pivot.High, d.Pivot.Strokes)
	if d.Provisional {
		b.WriteString("\ntentative: last stroke unconfirmed")
	}

	return Alert{
		ID:       uuid.NewString(),
		Level:    level,
		Stream:   key.String(),
		Title:    fmt.Sprintf("%s %s - %s %s", key.Symbol, key.Freq, d.Direction, label),
		Subtitle: d.TS.UTC().Format("2006-01-02 15:04"),
		Message:  b.String(),
		TS:       d.TS,
	}
}
