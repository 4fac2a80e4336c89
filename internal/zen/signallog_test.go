package zen

import "testing"

func record(left, right int, provisional bool, confidence int) Divergence {
	return Divergence{
		Direction:   Up,
		Kinds:       []Kind{KindArea},
		Confidence:  confidence,
		Provisional: provisional,
		Pivot:       PivotInfo{Left: at(left), Right: at(right)},
		DT:          at(right + 1),
	}
}

func TestSignalLog_RecordDedup(t *testing.T) {
	l := NewSignalLog(0)
	if !l.Record(record(1, 2, true, 80)) {
		t.Fatal("first record should be stored")
	}
	if l.Record(record(1, 2, true, 80)) {
		t.Error("identical record should not change the log")
	}
	if !l.Record(record(1, 2, false, 80)) {
		t.Error("confirmed record should replace a provisional one")
	}
	if l.Record(record(1, 2, true, 100)) {
		t.Error("provisional record must not replace a confirmed one")
	}
	if !l.Record(record(1, 2, false, 100)) {
		t.Error("updated confirmed record should replace the old one")
	}
	if n := len(l.Entries()); n != 1 {
		t.Fatalf("len=%d, want 1", n)
	}
	if e := l.Entries()[0]; e.Provisional || e.Confidence != 100 {
		t.Errorf("entry=%+v", e)
	}
}

func TestSignalLog_Bounded(t *testing.T) {
	l := NewSignalLog(DefaultLogLimit)
	for i := 0; i < 120; i++ {
		l.Record(record(i*10, i*10+5, false, 80))
	}
	if n := len(l.Entries()); n != DefaultLogLimit {
		t.Fatalf("len=%d, want %d", n, DefaultLogLimit)
	}
	if first := l.Entries()[0]; !first.Pivot.Left.Equal(at(200)) {
		t.Errorf("oldest entries should be dropped, first left=%v", first.Pivot.Left)
	}
}

func TestSignalLog_Retract(t *testing.T) {
	l := NewSignalLog(0)
	l.Record(record(1, 10, false, 80)) // exit started at 10
	l.Record(record(3, 20, true, 80))  // pivot ended with the stroke ending at 20
	l.Record(record(5, 30, false, 80))

	retracted := Stroke{FxA: Fractal{DT: at(10)}, FxB: Fractal{DT: at(20)}}
	if n := l.Retract(retracted); n != 2 {
		t.Fatalf("removed=%d, want 2", n)
	}
	if e := l.Entries(); len(e) != 1 || !e[0].Pivot.Right.Equal(at(30)) {
		t.Errorf("remaining=%+v", l.Entries())
	}
}
