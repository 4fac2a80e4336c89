package stream

import (
	"zen-engine/internal/model"
	"zen-engine/internal/zen"
)

// StrokeView converts a confirmed stroke.
func StrokeView(s zen.Stroke) model.StrokeView {
	return model.StrokeView{
		Direction:  s.Direction.String(),
		StartPrice: s.FxA.Price,
		EndPrice:   s.FxB.Price,
		StartTS:    s.FxA.DT,
		EndTS:      s.FxB.DT,
	}
}

// ProvisionalView converts the unfinished stroke.
func ProvisionalView(p zen.Provisional) model.StrokeView {
	return model.StrokeView{
		Direction:  p.Direction.String(),
		StartPrice: p.StartPrice,
		EndPrice:   p.EndPrice,
		StartTS:    p.StartDT,
		EndTS:      p.EndDT,
	}
}

// PivotView converts pivot bounds.
func PivotView(p zen.PivotInfo) model.PivotView {
	return model.PivotView{
		Left:    p.Left,
		Right:   p.Right,
		High:    p.High,
		Low:     p.Low,
		GG:      p.GG,
		DD:      p.DD,
		Strokes: p.Strokes,
	}
}

// DivergenceView converts a divergence record.
func DivergenceView(d zen.Divergence) model.DivergenceView {
	v := model.DivergenceView{
		Direction:   d.Direction.String(),
		PointType:   d.Type.String(),
		Confidence:  d.Confidence,
		Provisional: d.Provisional,
		Pivot:       PivotView(d.Pivot),
		MACDATS:     d.MACDA.DT,
		MACDAVal:    d.MACDA.Value,
		MACDBTS:     d.MACDB.DT,
		MACDBVal:    d.MACDB.Value,
		TS:          d.DT,
		Price:       d.Price,
	}
	for _, k := range d.Kinds {
		v.Kinds = append(v.Kinds, k.String())
	}
	if d.PrevPivot != nil {
		prev := PivotView(*d.PrevPivot)
		v.PrevPivot = &prev
	}
	return v
}
