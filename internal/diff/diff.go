package diff

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mickamy/rowcost/internal/config"
	"github.com/mickamy/rowcost/internal/insight"
	"github.com/mickamy/rowcost/internal/report"
)

// Options configures the diff sensitivity.
type Options struct {
	MinDelta         int64
	MinPercentChange float64
	MaxItems         int
}

// OptionsFrom converts configured thresholds into diff options.
func OptionsFrom(cfg config.DiffConfig) Options {
	return Options{MinDelta: cfg.MinDelta, MinPercentChange: cfg.MinPercentChange, MaxItems: cfg.MaxItems}
}

// Report summarises the delta between two estimation runs.
type Report struct {
	BaseID       string           `json:"base_id"`
	TargetID     string           `json:"target_id"`
	Summary      SummaryDiff      `json:"summary"`
	Regressions  []Entry          `json:"regressions"`
	Improvements []Entry          `json:"improvements"`
	Added        []string         `json:"added"`
	Removed      []string         `json:"removed"`
	Insights     []insightMessage `json:"insights"`
	Options      Options          `json:"-"`
}

// SummaryDiff covers run-level differences.
type SummaryDiff struct {
	BaseStatements   int     `json:"base_statements"`
	TargetStatements int     `json:"target_statements"`
	BaseTotalCost    int64   `json:"base_total_cost"`
	TargetTotalCost  int64   `json:"target_total_cost"`
	DeltaTotalCost   int64   `json:"delta_total_cost"`
	PercentTotalCost float64 `json:"percent_total_cost"`
	BaseFailed       int     `json:"base_failed"`
	TargetFailed     int     `json:"target_failed"`
}

// Entry captures the delta for all statements sharing a normalized text.
type Entry struct {
	SQL           string  `json:"sql"`
	BaseCost      int64   `json:"base_cost"`
	TargetCost    int64   `json:"target_cost"`
	DeltaCost     int64   `json:"delta_cost"`
	PercentChange float64 `json:"percent_change"`
	BaseAccess    string  `json:"base_access"`
	TargetAccess  string  `json:"target_access"`
	BaseFailed    bool    `json:"base_failed,omitempty"`
	TargetFailed  bool    `json:"target_failed,omitempty"`
}

type insightMessage struct {
	Severity string `json:"severity"`
	Icon     string `json:"icon"`
	Message  string `json:"message"`
}

// Compare builds a diff report for two estimation runs.
func Compare(base, target *report.Report, opts Options) (*Report, error) {
	if base == nil {
		return nil, fmt.Errorf("diff: base report missing")
	}
	if target == nil {
		return nil, fmt.Errorf("diff: target report missing")
	}

	opts = applyDefaults(opts)

	baseAgg := aggregate(base)
	targetAgg := aggregate(target)

	var (
		regressions, improvements []Entry
		added, removed            []string
	)
	for _, key := range unionKeys(baseAgg, targetAgg) {
		baseStats, inBase := baseAgg[key]
		targetStats, inTarget := targetAgg[key]
		switch {
		case !inBase:
			added = append(added, key)
			continue
		case !inTarget:
			removed = append(removed, key)
			continue
		}

		entry := buildEntry(key, baseStats, targetStats)
		if passesRegression(entry, opts) {
			regressions = append(regressions, entry)
		} else if passesImprovement(entry, opts) {
			improvements = append(improvements, entry)
		}
	}

	sort.SliceStable(regressions, func(i, j int) bool {
		return regressions[i].DeltaCost > regressions[j].DeltaCost
	})
	sort.SliceStable(improvements, func(i, j int) bool {
		return improvements[i].DeltaCost < improvements[j].DeltaCost
	})

	if opts.MaxItems > 0 {
		if len(regressions) > opts.MaxItems {
			regressions = regressions[:opts.MaxItems]
		}
		if len(improvements) > opts.MaxItems {
			improvements = improvements[:opts.MaxItems]
		}
	}

	baseSum := base.Summary()
	targetSum := target.Summary()

	out := &Report{
		BaseID:   base.ID,
		TargetID: target.ID,
		Summary: SummaryDiff{
			BaseStatements:   baseSum.Statements,
			TargetStatements: targetSum.Statements,
			BaseTotalCost:    baseSum.TotalCost,
			TargetTotalCost:  targetSum.TotalCost,
			DeltaTotalCost:   targetSum.TotalCost - baseSum.TotalCost,
			PercentTotalCost: percentChange(float64(baseSum.TotalCost), float64(targetSum.TotalCost)),
			BaseFailed:       baseSum.Failed,
			TargetFailed:     targetSum.Failed,
		},
		Regressions:  regressions,
		Improvements: improvements,
		Added:        added,
		Removed:      removed,
		Options:      opts,
	}
	out.Insights = synthesizeInsights(out)
	return out, nil
}

// Markdown renders the report as a Markdown document.
func (r *Report) Markdown() string {
	var b strings.Builder
	b.WriteString("# rowcost diff\n\n")
	b.WriteString("## Summary\n")
	_, _ = fmt.Fprintf(&b, "- Statements: %d → %d\n", r.Summary.BaseStatements, r.Summary.TargetStatements)
	_, _ = fmt.Fprintf(&b, "- Total cost: %d → %d (%+d, %+.1f%%)\n",
		r.Summary.BaseTotalCost, r.Summary.TargetTotalCost,
		r.Summary.DeltaTotalCost, r.Summary.PercentTotalCost)
	_, _ = fmt.Fprintf(&b, "- Failed: %d → %d\n\n", r.Summary.BaseFailed, r.Summary.TargetFailed)

	b.WriteString("### Insights\n")
	if len(r.Insights) == 0 {
		b.WriteString("- No notable cost changes detected\n")
	} else {
		for _, msg := range r.Insights {
			_, _ = fmt.Fprintf(&b, "- %s %s\n", msg.Icon, msg.Message)
		}
	}

	b.WriteString("\n### Regressions\n")
	writeTable(&b, r.Regressions)
	b.WriteString("\n### Improvements\n")
	writeTable(&b, r.Improvements)

	if len(r.Added) > 0 || len(r.Removed) > 0 {
		b.WriteString("\n### Statement changes\n")
		for _, sql := range r.Added {
			_, _ = fmt.Fprintf(&b, "- added: `%s`\n", sql)
		}
		for _, sql := range r.Removed {
			_, _ = fmt.Fprintf(&b, "- removed: `%s`\n", sql)
		}
	}
	return b.String()
}

func writeTable(b *strings.Builder, entries []Entry) {
	if len(entries) == 0 {
		b.WriteString("- None above threshold\n")
		return
	}
	b.WriteString("| Statement | Base cost | Target cost | Δ cost | Δ % | Access |\n")
	b.WriteString("|---|---:|---:|---:|---:|---|\n")
	for _, entry := range entries {
		_, _ = fmt.Fprintf(b, "| `%s` | %s | %s | %+d | %+.1f%% | %s |\n",
			truncate(entry.SQL, 80),
			costCell(entry.BaseCost, entry.BaseFailed),
			costCell(entry.TargetCost, entry.TargetFailed),
			entry.DeltaCost,
			entry.PercentChange,
			accessSummary(entry))
	}
}

// JSON marshals the diff report into an indented JSON document.
func (r *Report) JSON() ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("nil report")
	}
	type alias Report
	return json.MarshalIndent((*alias)(r), "", "  ")
}

func costCell(cost int64, failed bool) string {
	if failed {
		return "error"
	}
	return fmt.Sprintf("%d", cost)
}

func accessSummary(entry Entry) string {
	if entry.BaseAccess == entry.TargetAccess {
		return entry.TargetAccess
	}
	return fmt.Sprintf("%s → %s", entry.BaseAccess, entry.TargetAccess)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func synthesizeInsights(r *Report) []insightMessage {
	if r == nil {
		return nil
	}
	var insights []insightMessage
	maxItems := 3

	for i, entry := range r.Regressions {
		if i >= maxItems {
			break
		}
		if entry.TargetFailed && !entry.BaseFailed {
			insights = append(insights, insightMessage{Severity: "critical", Icon: "🔥",
				Message: fmt.Sprintf("`%s` no longer estimates", truncate(entry.SQL, 60))})
			continue
		}
		text := fmt.Sprintf("`%s` cost +%d (+%.1f%%)", truncate(entry.SQL, 60), entry.DeltaCost, entry.PercentChange)
		if entry.BaseAccess != entry.TargetAccess {
			text += fmt.Sprintf(", access %s", accessSummary(entry))
		}
		icon := "⚠️"
		level := "warning"
		if entry.PercentChange >= 100 {
			icon = "🔥"
			level = "critical"
		}
		insights = append(insights, insightMessage{Severity: level, Icon: icon, Message: text})
	}

	for i, entry := range r.Improvements {
		if i >= maxItems {
			break
		}
		text := fmt.Sprintf("`%s` cost %d (%.1f%%)", truncate(entry.SQL, 60), entry.DeltaCost, entry.PercentChange)
		if entry.BaseAccess != entry.TargetAccess {
			text += fmt.Sprintf(", access %s", accessSummary(entry))
		}
		insights = append(insights, insightMessage{Severity: "improvement", Icon: "✅", Message: text})
	}

	for _, entry := range r.Regressions {
		if strings.HasPrefix(entry.TargetAccess, "ALL ") && !strings.HasPrefix(entry.BaseAccess, "ALL ") {
			insights = append(insights, insightMessage{Severity: "warning", Icon: "⚠️",
				Message: fmt.Sprintf("`%s` fell back to a full table scan", truncate(entry.SQL, 60))})
		}
	}

	return insights
}

type aggregated struct {
	Cost   int64
	Access string
	Failed bool
}

func aggregate(r *report.Report) map[string]aggregated {
	result := map[string]aggregated{}
	for _, entry := range r.Entries {
		key := report.NormalizeSQL(entry.SQL)
		agg := result[key]
		if entry.Estimate == nil {
			agg.Failed = true
		} else {
			agg.Cost += entry.Estimate.Cost
			if agg.Access == "" {
				agg.Access = insight.CompactLabel(entry.Estimate.FirstStep)
			}
		}
		result[key] = agg
	}
	return result
}

func unionKeys(base, target map[string]aggregated) []string {
	seen := map[string]struct{}{}
	for k := range base {
		seen[k] = struct{}{}
	}
	for k := range target {
		seen[k] = struct{}{}
	}
	all := make([]string, 0, len(seen))
	for k := range seen {
		all = append(all, k)
	}
	sort.Strings(all)
	return all
}

func buildEntry(sql string, base, target aggregated) Entry {
	return Entry{
		SQL:           sql,
		BaseCost:      base.Cost,
		TargetCost:    target.Cost,
		DeltaCost:     target.Cost - base.Cost,
		PercentChange: percentChange(float64(base.Cost), float64(target.Cost)),
		BaseAccess:    base.Access,
		TargetAccess:  target.Access,
		BaseFailed:    base.Failed,
		TargetFailed:  target.Failed,
	}
}

func passesRegression(entry Entry, opts Options) bool {
	if entry.BaseFailed != entry.TargetFailed {
		return entry.TargetFailed
	}
	return entry.DeltaCost >= opts.MinDelta && entry.PercentChange >= opts.MinPercentChange
}

func passesImprovement(entry Entry, opts Options) bool {
	if entry.BaseFailed != entry.TargetFailed {
		return entry.BaseFailed
	}
	return entry.DeltaCost <= -opts.MinDelta && entry.PercentChange <= -opts.MinPercentChange
}

func percentChange(base, target float64) float64 {
	const eps = 1e-9
	if math.Abs(base) <= eps {
		if math.Abs(target) <= eps {
			return 0
		}
		if target > 0 {
			return 100
		}
		return -100
	}
	return (target - base) / base * 100
}

func applyDefaults(opts Options) Options {
	cfg := config.Default().Diff
	if opts.MinDelta <= 0 {
		opts.MinDelta = cfg.MinDelta
	}
	if opts.MinPercentChange <= 0 {
		opts.MinPercentChange = cfg.MinPercentChange
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = cfg.MaxItems
	}
	return opts
}
