package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"zen-engine/internal/model"
)

// UI styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")).
			Background(lipgloss.Color("#1F2937")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#3B82F6")).
			MarginTop(1)

	headerCellStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#F59E0B")).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	upStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#10B981"))

	downStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B")).
			Bold(true)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#10B981")).
		Bold(true)
)

const tsLayout = "2006-01-02 15:04"

func formatTS(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(tsLayout)
}

func directionCell(dir string) string {
	switch dir {
	case "up":
		return upStyle.Render("▲ up")
	case "down":
		return downStyle.Render("▼ down")
	}
	return dir
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerCellStyle
			}
			return cellStyle
		})
}

// tail returns the last n elements of s (all of s when n <= 0).
func tail[T any](s []T, n int) []T {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// renderSnapshot formats one stream's analysis state. Only the most recent
// limit strokes are listed.
func renderSnapshot(snap model.StreamSnapshot, limit int) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(snap.Key().String()))
	b.WriteString(" ")
	b.WriteString(mutedStyle.Render("last bar " + formatTS(snap.LastBarTS)))
	if snap.Stale {
		b.WriteString(" ")
		b.WriteString(warnStyle.Render("STALE " + snap.StaleReason))
	}
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Strokes (%d)", len(snap.Finished))))
	b.WriteString("\n")
	if len(snap.Finished) == 0 && len(snap.Unfinished) == 0 {
		b.WriteString(mutedStyle.Render("  no strokes yet"))
		b.WriteString("\n")
	} else {
		t := newTable("dir", "start", "end", "from", "to")
		for _, s := range tail(snap.Finished, limit) {
			t.Row(directionCell(s.Direction), formatTS(s.StartTS), formatTS(s.EndTS),
				fmt.Sprintf("%.4f", s.StartPrice), fmt.Sprintf("%.4f", s.EndPrice))
		}
		for _, s := range snap.Unfinished {
			t.Row(mutedStyle.Render(s.Direction+" (open)"), formatTS(s.StartTS), formatTS(s.EndTS),
				fmt.Sprintf("%.4f", s.StartPrice), fmt.Sprintf("%.4f", s.EndPrice))
		}
		b.WriteString(t.Render())
		b.WriteString("\n")
	}

	if len(snap.Pivots) > 0 {
		b.WriteString(sectionStyle.Render(fmt.Sprintf("Pivots (%d)", len(snap.Pivots))))
		b.WriteString("\n")
		t := newTable("left", "right", "ZG", "ZD", "strokes")
		for _, p := range snap.Pivots {
			t.Row(formatTS(p.Left), formatTS(p.Right),
				fmt.Sprintf("%.4f", p.High), fmt.Sprintf("%.4f", p.Low), fmt.Sprint(p.Strokes))
		}
		b.WriteString(t.Render())
		b.WriteString("\n")
	}

	b.WriteString(renderDivergences(snap.Divergences))

	if len(snap.MA) > 0 || snap.StrokeRatio != 0 {
		b.WriteString(sectionStyle.Render("Indicators"))
		b.WriteString("\n")
		for _, m := range snap.MA {
			fmt.Fprintf(&b, "  MA%-4d %.4f  distance %.4f\n", m.Period, m.MA, m.Distance)
		}
		if snap.StrokeRatio != 0 {
			fmt.Fprintf(&b, "  stroke ratio %.3f\n", snap.StrokeRatio)
		}
	}
	return b.String()
}

func renderDivergences(divs []model.DivergenceView) string {
	var b strings.Builder
	b.WriteString(sectionStyle.Render(fmt.Sprintf("Divergences (%d)", len(divs))))
	b.WriteString("\n")
	if len(divs) == 0 {
		b.WriteString(mutedStyle.Render("  none"))
		b.WriteString("\n")
		return b.String()
	}
	t := newTable("time", "dir", "type", "kinds", "conf", "price")
	for _, d := range divs {
		conf := fmt.Sprint(d.Confidence)
		if d.Provisional {
			conf += "*"
		}
		t.Row(formatTS(d.TS), directionCell(d.Direction), d.PointType,
			strings.Join(d.Kinds, ","), conf, fmt.Sprintf("%.4f", d.Price))
	}
	b.WriteString(t.Render())
	b.WriteString("\n")
	return b.String()
}

func renderDone(format string, args ...any) string {
	return okStyle.Render("✓ ") + fmt.Sprintf(format, args...)
}
