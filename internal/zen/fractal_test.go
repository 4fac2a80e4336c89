package zen

import (
	"errors"
	"testing"
)

func TestCheckFractal_Top(t *testing.T) {
	fx, ok := checkFractal(merged(0, 10, 8), merged(1, 15, 13), merged(2, 12, 9))
	if !ok {
		t.Fatal("expected a top fractal")
	}
	if fx.Mark != Top || fx.Price != 15 || !fx.DT.Equal(at(1)) {
		t.Errorf("got mark=%s price=%v dt=%v, want G 15 %v", fx.Mark, fx.Price, fx.DT, at(1))
	}
}

func TestCheckFractal_Bottom(t *testing.T) {
	fx, ok := checkFractal(merged(0, 15, 12), merged(1, 11, 8), merged(2, 14, 10))
	if !ok {
		t.Fatal("expected a bottom fractal")
	}
	if fx.Mark != Bottom || fx.Price != 8 {
		t.Errorf("got mark=%s price=%v, want D 8", fx.Mark, fx.Price)
	}
}

func TestCheckFractal_None(t *testing.T) {
	tests := []struct {
		name       string
		k1, k2, k3 MergedBar
	}{
		{"rising", merged(0, 10, 8), merged(1, 11, 9), merged(2, 12, 10)},
		{"high only", merged(0, 10, 8), merged(1, 15, 7), merged(2, 12, 9)},
		{"equal highs", merged(0, 15, 8), merged(1, 15, 13), merged(2, 12, 9)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := checkFractal(tc.k1, tc.k2, tc.k3); ok {
				t.Error("unexpected fractal")
			}
		})
	}
}

func TestDetectFractals_Alternate(t *testing.T) {
	var bars []MergedBar
	for i, m := range []float64{10, 14, 11, 7, 9, 13, 10, 6} {
		bars = append(bars, merged(i, m+1, m-1))
	}
	fxs, err := DetectFractals(bars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Mark{Top, Bottom, Top}
	if len(fxs) != len(want) {
		t.Fatalf("got %d fractals, want %d", len(fxs), len(want))
	}
	for i, fx := range fxs {
		if fx.Mark != want[i] {
			t.Errorf("fractal %d mark=%s, want %s", i, fx.Mark, want[i])
		}
	}
}

func TestDetectFractals_AlternationViolation(t *testing.T) {
	bars := []MergedBar{
		merged(0, 10, 8),
		merged(1, 15, 13), // top
		merged(2, 12, 9),
		merged(3, 12, 10.5), // equal high: no bottom forms
		merged(4, 14, 11),   // second top
		merged(5, 13, 10),
	}
	fxs, err := DetectFractals(bars)
	if len(fxs) != 1 || fxs[0].Mark != Top {
		t.Fatalf("expected only the first top to be kept, got %d fractals", len(fxs))
	}
	if !errors.Is(err, ErrFractalAlternation) {
		t.Fatalf("expected ErrFractalAlternation, got %v", err)
	}
	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("expected *InvariantError, got %T", err)
	}
	if !inv.DT.Equal(at(4)) || !inv.PrevDT.Equal(at(1)) || inv.Mark != Top {
		t.Errorf("violation details wrong: %+v", inv)
	}
}
