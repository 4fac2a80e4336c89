package cli

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"zen-engine/internal/model"
)

var (
	timeColumns   = []string{"ts", "time", "date", "datetime", "dt", "timestamp"}
	volumeColumns = []string{"volume", "vol"}
	amountColumns = []string{"amount", "turnover", "value"}
)

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
	"20060102",
}

type csvColumns struct {
	ts, open, high, low, close int
	volume, amount             int // -1 when absent
}

func lookupColumns(header []string) (csvColumns, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	first := func(names ...string) int {
		for _, n := range names {
			if i, ok := idx[n]; ok {
				return i
			}
		}
		return -1
	}

	cols := csvColumns{
		ts:     first(timeColumns...),
		open:   first("open", "o"),
		high:   first("high", "h"),
		low:    first("low", "l"),
		close:  first("close", "c"),
		volume: first(volumeColumns...),
		amount: first(amountColumns...),
	}
	var missing []string
	for name, i := range map[string]int{"time": cols.ts, "open": cols.open, "high": cols.high, "low": cols.low, "close": cols.close} {
		if i < 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return cols, fmt.Errorf("csv header missing columns: %s", strings.Join(missing, ", "))
	}
	return cols, nil
}

// ParseBarsCSV reads OHLCV rows for one stream. The first row must be a
// header naming the columns. Timestamps without a zone are read in loc.
// Rows are returned sorted by time; a repeated timestamp keeps the last row.
func ParseBarsCSV(r io.Reader, key model.StreamKey, loc *time.Location) ([]model.Bar, error) {
	if loc == nil {
		loc = time.UTC
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv is empty")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols, err := lookupColumns(header)
	if err != nil {
		return nil, err
	}

	byTS := make(map[time.Time]model.Bar)
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) == 0 || (len(rec) == 1 && strings.TrimSpace(rec[0]) == "") {
			continue
		}
		b, err := parseRow(rec, cols, key, loc)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		byTS[b.TS] = b
	}

	bars := make([]model.Bar, 0, len(byTS))
	for _, b := range byTS {
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].TS.Before(bars[j].TS) })
	return bars, nil
}

func parseRow(rec []string, cols csvColumns, key model.StreamKey, loc *time.Location) (model.Bar, error) {
	field := func(i int) string {
		if i < 0 || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	num := func(name string, i int, optional bool) (float64, error) {
		s := field(i)
		if s == "" {
			if optional {
				return 0, nil
			}
			return 0, fmt.Errorf("missing %s", name)
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
		if err != nil {
			return 0, fmt.Errorf("bad %s %q", name, s)
		}
		return v, nil
	}

	ts, err := parseTime(field(cols.ts), loc)
	if err != nil {
		return model.Bar{}, err
	}
	b := model.Bar{Symbol: key.Symbol, Freq: key.Freq, TS: ts}
	if b.Open, err = num("open", cols.open, false); err != nil {
		return b, err
	}
	if b.High, err = num("high", cols.high, false); err != nil {
		return b, err
	}
	if b.Low, err = num("low", cols.low, false); err != nil {
		return b, err
	}
	if b.Close, err = num("close", cols.close, false); err != nil {
		return b, err
	}
	if b.Volume, err = num("volume", cols.volume, true); err != nil {
		return b, err
	}
	if b.Amount, err = num("amount", cols.amount, true); err != nil {
		return b, err
	}
	if !b.Valid() {
		return b, fmt.Errorf("inconsistent prices o=%g h=%g l=%g c=%g", b.Open, b.High, b.Low, b.Close)
	}
	return b, nil
}

// parseTime accepts the common date layouts and unix seconds or
// milliseconds. The result is always UTC.
func parseTime(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("missing time")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && len(s) != 8 {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
