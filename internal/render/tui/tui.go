package tui

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/mickamy/rowcost/internal/insight"
	"github.com/mickamy/rowcost/internal/report"
)

// Options controls how the TUI renderer behaves.
type Options struct {
	EnableColor  bool
	ShowInsights bool
	BarWidth     int
	SQLWidth     int
}

// Render prints one block per statement with a cost bar scaled to the most
// expensive statement of the run.
func Render(w io.Writer, r *report.Report, opts Options) error {
	if w == nil {
		return errors.New("tui: writer is nil")
	}
	if r == nil {
		return errors.New("tui: empty report")
	}

	if opts.BarWidth <= 0 {
		opts.BarWidth = 20
	}
	if opts.SQLWidth <= 0 {
		opts.SQLWidth = 100
	}

	sum := r.Summary()
	_, _ = fmt.Fprintf(w, "Run %s at %s\n", r.ID, r.CreatedAt.Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "Statements %d | Failed %d | Total cost %d | Critical %d | Warnings %d\n\n",
		sum.Statements, sum.Failed, sum.TotalCost, sum.Critical, sum.Warnings)

	for _, entry := range r.Entries {
		renderEntry(w, entry, sum.MaxCost, opts)
	}
	return nil
}

func renderEntry(w io.Writer, entry report.Entry, maxCost int64, opts Options) {
	_, _ = fmt.Fprintf(w, "[%d] %s\n", entry.Index+1, clip(insight.NormalizeWhitespace(entry.SQL), opts.SQLWidth))

	if entry.Estimate == nil {
		text := "error: " + entry.Error
		if opts.EnableColor {
			text = applyColor(text, "red")
		}
		_, _ = fmt.Fprintf(w, "`-- %s\n\n", text)
		return
	}

	var msgs []insight.Message
	if opts.ShowInsights {
		msgs = entry.Insights
	}
	connector := "`-- "
	if len(msgs) > 0 {
		connector = "|-- "
	}
	_, _ = fmt.Fprintf(w, "%s%s\n", connector, renderLine(entry, maxCost, opts))

	for i, msg := range msgs {
		branch := "|-- "
		if i == len(msgs)-1 {
			branch = "`-- "
		}
		_, _ = fmt.Fprintf(w, "%s%s %s\n", branch, severityIcon(msg.Severity), msg.Text)
	}
	_, _ = fmt.Fprintln(w)
}

func renderLine(entry report.Entry, maxCost int64, opts Options) string {
	est := entry.Estimate
	label := insight.StepLabel(est.FirstStep)
	if label == "" {
		label = "(no table)"
	}

	ratio := 0.0
	if maxCost > 0 {
		ratio = float64(est.Cost) / float64(maxCost)
	}
	bar := drawBar(ratio, opts.BarWidth)
	if color := pickColor(ratio); opts.EnableColor && color != "" {
		bar = applyColor(bar, color)
	}

	parts := []string{label, fmt.Sprintf("cost %s", insight.HumanizeRows(est.Cost)), bar}
	if len(est.FirstStep.PossibleKeys) > 0 {
		parts = append(parts, "possible "+strings.Join(est.FirstStep.PossibleKeys, ","))
	}
	if est.FirstStep.Rows > 0 {
		parts = append(parts, fmt.Sprintf("planner rows %d", est.FirstStep.Rows))
	}

	notes := ""
	if len(est.Messages) > 0 {
		notes = " [" + strings.Join(est.Messages, "; ") + "]"
		if opts.EnableColor {
			notes = applyColor(notes, "yellow")
		}
	}
	return strings.Join(parts, " | ") + notes
}

func clip(s string, width int) string {
	if len(s) <= width {
		return s
	}
	return s[:width-3] + "..."
}

func drawBar(ratio float64, width int) string {
	if width <= 0 {
		return ""
	}
	clamped := ratio
	if clamped < 0 {
		clamped = 0
	}
	if clamped > 1 {
		clamped = 1
	}
	fill := int(math.Round(clamped * float64(width)))
	if clamped > 0 && fill == 0 {
		fill = 1
	}
	if fill > width {
		fill = width
	}
	return strings.Repeat("#", fill) + strings.Repeat("-", width-fill)
}

func pickColor(ratio float64) string {
	switch {
	case ratio >= 0.40:
		return "red"
	case ratio >= 0.20:
		return "yellow"
	case ratio >= 0.10:
		return "cyan"
	default:
		return ""
	}
}

func applyColor(text, color string) string {
	code := ""
	switch color {
	case "red":
		code = "\033[31m"
	case "yellow":
		code = "\033[33m"
	case "cyan":
		code = "\033[36m"
	default:
		return text
	}
	return code + text + "\033[0m"
}

func severityIcon(sev insight.Severity) string {
	switch sev {
	case insight.SeverityCritical:
		return "🔥"
	case insight.SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}
