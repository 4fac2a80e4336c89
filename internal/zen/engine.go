package zen

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zen-engine/internal/indicator"
)

// EventKind classifies a stroke event.
type EventKind int

const (
	NoChange EventKind = iota
	Confirmed
	Retracted
)

func (k EventKind) String() string {
	switch k {
	case Confirmed:
		return "confirmed"
	case Retracted:
		return "retracted"
	}
	return "no_change"
}

// StrokeEvent reports a stroke being confirmed or retracted.
type StrokeEvent struct {
	Kind   EventKind
	Stroke Stroke
}

// IngestResult describes what one Ingest call changed.
type IngestResult struct {
	NewPeriod   bool
	Bar         Bar // the stored bar, with id and MACD
	Events      []StrokeEvent
	Divergences []Divergence // scan result for this update, best first
	Logged      *Divergence  // set when the signal log changed
}

// Kind summarises Events: the last event's kind, or NoChange.
func (r IngestResult) Kind() EventKind {
	if len(r.Events) == 0 {
		return NoChange
	}
	return r.Events[len(r.Events)-1].Kind
}

// checkpoint is the state before the open period's bar was applied.
type checkpoint struct {
	ubi     []MergedBar
	strokes []Stroke
	log     *SignalLog
}

// Engine runs the merge, fractal, stroke and divergence pipeline for one
// stream.
type Engine struct {
	settings Settings
	logger   *slog.Logger
	analyzer *Analyzer

	raw     arena
	macd    *indicator.MACD
	ubi     []MergedBar
	strokes []Stroke
	signals *SignalLog
	cp      checkpoint

	violations []*InvariantError // collected during the current update
	reported   time.Time         // latest violation already returned
}

// NewEngine validates settings and creates an Engine. A nil logger selects
// slog.Default().
func NewEngine(settings Settings, logger *slog.Logger) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		settings: settings,
		logger:   logger,
		analyzer: NewAnalyzer(),
		macd:     indicator.NewMACD(settings.MACDFast, settings.MACDSlow, settings.MACDSignal),
		signals:  NewSignalLog(DefaultLogLimit),
	}, nil
}

// Settings returns the engine configuration.
func (e *Engine) Settings() Settings { return e.settings }

// Ingest applies one bar. A bar with the open period's timestamp revises
// that period; a newer one opens a new period.
//
// A non-nil error wrapping ErrOutOfOrder or ErrInvalidBar means the bar was
// rejected. An *InvariantError means the bar was applied but a structural
// inconsistency was found and skipped.
func (e *Engine) Ingest(in Bar) (IngestResult, error) {
	if !in.valid() {
		return IngestResult{}, fmt.Errorf("%w: %s h=%v l=%v", ErrInvalidBar, in.DT.Format(time.RFC3339), in.High, in.Low)
	}
	last, hasLast := e.raw.last()
	if hasLast && in.DT.Before(last.DT) {
		return IngestResult{}, fmt.Errorf("%w: %s before %s", ErrOutOfOrder,
			in.DT.Format(time.RFC3339), last.DT.Format(time.RFC3339))
	}

	e.violations = e.violations[:0]
	res := IngestResult{NewPeriod: !hasLast || !in.DT.Equal(last.DT)}

	var before []Stroke
	if res.NewPeriod {
		e.retain()
		e.cp = checkpoint{
			ubi:     append([]MergedBar(nil), e.ubi...),
			strokes: append([]Stroke(nil), e.strokes...),
			log:     e.signals.clone(),
		}
		e.macd.Extend(in.Close)
		in.MACD = e.macd.Reading()
		res.Bar = e.raw.push(in)
	} else {
		// roll back to the state before the open period and re-apply it
		before = e.strokes
		e.macd.Revise(in.Close)
		in.ID = last.ID
		in.MACD = e.macd.Reading()
		*last = in
		res.Bar = in
		e.ubi = append([]MergedBar(nil), e.cp.ubi...)
		e.strokes = append([]Stroke(nil), e.cp.strokes...)
		e.signals = e.cp.log.clone()
	}

	e.ubi = mergeInto(e.ubi, res.Bar)
	events := e.updateStrokes()
	for _, ev := range events {
		if ev.Kind == Retracted {
			e.signals.Retract(ev.Stroke)
		}
	}

	if res.NewPeriod {
		res.Events = events
	} else {
		res.Events = diffStrokes(before, e.strokes)
	}

	res.Divergences = e.analyzer.Scan(e.strokes, e.ubi, &e.raw, 0)
	if len(res.Divergences) > 0 && e.signals.Record(res.Divergences[0]) {
		d := res.Divergences[0]
		res.Logged = &d
	}

	return res, e.reportViolations()
}

// retain drops raw bars older than the first bar of the oldest retained
// stroke (or of the working buffer before any stroke exists).
func (e *Engine) retain() {
	var anchor []int64
	switch {
	case len(e.strokes) > 0:
		anchor = e.strokes[0].Bars[0].Raw
	case len(e.ubi) > 0:
		anchor = e.ubi[0].Raw
	default:
		return
	}
	if len(anchor) == 0 {
		return
	}
	oldest := anchor[0]
	for _, id := range anchor[1:] {
		oldest = min(oldest, id)
	}
	e.raw.truncateBefore(oldest)
}

func (e *Engine) noteViolations(v []*InvariantError) {
	e.violations = append(e.violations, v...)
}

// reportViolations logs and returns violations not reported before.
func (e *Engine) reportViolations() error {
	var fresh []error
	newest := e.reported
	for _, v := range e.violations {
		if !v.DT.After(e.reported) {
			continue
		}
		if v.DT.After(newest) {
			newest = v.DT
		}
		e.logger.Error("fractal alternation violated",
			"mark", v.Mark.String(),
			"dt", v.DT,
			"prev_dt", v.PrevDT,
			"k1", v.Bars[0].DT, "k2", v.Bars[1].DT, "k3", v.Bars[2].DT,
		)
		fresh = append(fresh, v)
	}
	e.reported = newest
	switch len(fresh) {
	case 0:
		return nil
	case 1:
		return fresh[0]
	}
	return errors.Join(fresh...)
}

// diffStrokes reports how after differs from before as retractions (newest
// first) followed by confirmations.
func diffStrokes(before, after []Stroke) []StrokeEvent {
	// align on the newer of the two oldest strokes
	for len(before) > 0 && len(after) > 0 && before[0].FxA.DT.Before(after[0].FxA.DT) {
		before = before[1:]
	}
	for len(before) > 0 && len(after) > 0 && after[0].FxA.DT.Before(before[0].FxA.DT) {
		after = after[1:]
	}
	i := 0
	for i < len(before) && i < len(after) && before[i].key() == after[i].key() {
		i++
	}
	var events []StrokeEvent
	for j := len(before) - 1; j >= i; j-- {
		events = append(events, StrokeEvent{Kind: Retracted, Stroke: before[j]})
	}
	for _, s := range after[i:] {
		events = append(events, StrokeEvent{Kind: Confirmed, Stroke: s})
	}
	return events
}

// Strokes returns a copy of the confirmed strokes, oldest first.
func (e *Engine) Strokes() []Stroke {
	return append([]Stroke(nil), e.strokes...)
}

// WorkingBars returns a copy of the merged bars after the last stroke.
func (e *Engine) WorkingBars() []MergedBar {
	return append([]MergedBar(nil), e.ubi...)
}

// Provisional returns the unconfirmed stroke after the last confirmed one.
func (e *Engine) Provisional() (Provisional, bool) {
	p, ok := provisionalOf(e.strokes, e.ubi)
	if ok {
		p.Bars = append([]MergedBar(nil), p.Bars...)
	}
	return p, ok
}

// Windows returns the confirmed window ending offset strokes back and, for
// offset 0, the provisional window, without the working-buffer gating used
// by Ingest.
func (e *Engine) Windows(offset int) []Window {
	var out []Window
	if w, ok := e.analyzer.FindWindow(e.strokes, e.ubi, offset, false); ok {
		out = append(out, w)
	}
	if offset == 0 {
		if w, ok := e.analyzer.FindWindow(e.strokes, e.ubi, 0, true); ok {
			out = append(out, w)
		}
	}
	return out
}

// Scan runs the divergence analyzer at the given offset without touching
// the signal log.
func (e *Engine) Scan(offset int) []Divergence {
	return e.analyzer.Scan(e.strokes, e.ubi, &e.raw, offset)
}

// DivergenceLog returns the logged divergence records, oldest first.
func (e *Engine) DivergenceLog() []Divergence { return e.signals.Entries() }

// Raw resolves a raw-bar id.
func (e *Engine) Raw(id int64) (Bar, bool) { return e.raw.Raw(id) }

// rawLen returns the number of retained raw bars.
func (e *Engine) rawLen() int { return e.raw.len() }

// LastBar returns the most recent raw bar.
func (e *Engine) LastBar() (Bar, bool) {
	b, ok := e.raw.last()
	if !ok {
		return Bar{}, false
	}
	return *b, true
}

// Reset discards all state.
func (e *Engine) Reset() {
	e.raw.reset()
	e.macd.Reset()
	e.ubi = nil
	e.strokes = nil
	e.signals.Reset()
	e.cp = checkpoint{}
	e.violations = nil
	e.reported = time.Time{}
}
