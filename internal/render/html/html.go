package html

import (
	"fmt"
	"html/template"
	"io"
	"math"
	"strings"
	"time"

	"github.com/mickamy/rowcost/internal/insight"
	"github.com/mickamy/rowcost/internal/report"
)

// Options configures the HTML renderer.
type Options struct {
	Title         string
	IncludeStyles bool
}

// Render writes an HTML page with the run summary, its insights and one card per statement.
func Render(w io.Writer, r *report.Report, opts Options) error {
	if r == nil {
		return fmt.Errorf("html render: empty report")
	}
	if opts.Title == "" {
		opts.Title = "rowcost report"
	}
	data := buildTemplateData(r, opts)
	tpl, err := template.New("report").Funcs(template.FuncMap{"join": strings.Join}).Parse(reportTemplate)
	if err != nil {
		return fmt.Errorf("html render: compile template: %w", err)
	}
	if err := tpl.Execute(w, data); err != nil {
		return fmt.Errorf("html render: execute template: %w", err)
	}
	return nil
}

type templateData struct {
	Title         string
	IncludeStyles bool
	Summary       summaryView
	Expensive     []listView
	Insights      []insightView
	Statements    []statementView
}

type summaryView struct {
	RunID      string
	CreatedAt  string
	Statements int
	Failed     int
	TotalCost  string
	MaxCost    string
	Critical   int
	Warnings   int
}

type listView struct {
	Label string
	Cost  string
	Share string
	Extra string
}

type insightView struct {
	Icon     string
	Severity string
	Text     string
	Anchor   string
}

type statementView struct {
	Anchor   string
	SQL      string
	Label    string
	Cost     string
	Share    string
	BarWidth float64
	Heat     float64
	Meta     []string
	Messages []string
	Error    string
}

func buildTemplateData(r *report.Report, opts Options) templateData {
	sum := r.Summary()

	var (
		insights   []insightView
		statements = make([]statementView, 0, len(r.Entries))
		expensive  []listView
	)
	for _, entry := range r.Entries {
		view := buildStatementView(entry, sum)
		statements = append(statements, view)
		for _, msg := range entry.Insights {
			insights = append(insights, insightView{
				Icon:     severityIcon(msg.Severity),
				Severity: string(msg.Severity),
				Text:     fmt.Sprintf("#%d %s", entry.Index+1, msg.Text),
				Anchor:   view.Anchor,
			})
		}
		if entry.Estimate != nil && sum.TotalCost > 0 && float64(entry.Estimate.Cost) >= 0.10*float64(sum.TotalCost) {
			expensive = append(expensive, listView{
				Label: view.Label,
				Cost:  view.Cost,
				Share: view.Share,
				Extra: strings.Join(entry.Estimate.Messages, ", "),
			})
		}
	}

	return templateData{
		Title:         opts.Title,
		IncludeStyles: opts.IncludeStyles,
		Summary: summaryView{
			RunID:      r.ID,
			CreatedAt:  r.CreatedAt.Format(time.RFC3339),
			Statements: sum.Statements,
			Failed:     sum.Failed,
			TotalCost:  fmt.Sprintf("%d rows", sum.TotalCost),
			MaxCost:    fmt.Sprintf("%d rows", sum.MaxCost),
			Critical:   sum.Critical,
			Warnings:   sum.Warnings,
		},
		Expensive:  expensive,
		Insights:   insights,
		Statements: statements,
	}
}

func buildStatementView(entry report.Entry, sum report.Summary) statementView {
	view := statementView{
		Anchor: fmt.Sprintf("stmt-%d", entry.Index+1),
		SQL:    insight.NormalizeWhitespace(entry.SQL),
		Error:  entry.Error,
	}
	est := entry.Estimate
	if est == nil {
		view.Label = "not estimated"
		return view
	}

	share := 0.0
	if sum.TotalCost > 0 {
		share = float64(est.Cost) / float64(sum.TotalCost)
	}
	view.Label = insight.StepLabel(est.FirstStep)
	view.Cost = fmt.Sprintf("%s rows", insight.HumanizeRows(est.Cost))
	view.Share = fmt.Sprintf("%.1f%%", share*100)
	view.BarWidth = math.Min(100, math.Max(0, share*100))
	view.Heat = clamp(share*2.5, 0, 1)
	view.Meta = formatMeta(est.FirstStep.Rows, est.FirstStep.Filtered, est.FirstStep.PossibleKeys)
	view.Messages = append([]string(nil), est.Messages...)
	return view
}

func formatMeta(rows int64, filtered float64, possible []string) []string {
	var meta []string
	if rows > 0 {
		meta = append(meta, fmt.Sprintf("planner rows %d", rows))
	}
	if filtered > 0 {
		meta = append(meta, fmt.Sprintf("filtered %.2f%%", filtered))
	}
	if len(possible) > 0 {
		meta = append(meta, "possible keys "+strings.Join(possible, ", "))
	}
	return meta
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
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

const reportTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="utf-8">
	<title>{{.Title}}</title>
	{{- if .IncludeStyles }}
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Helvetica, Arial, sans-serif; margin: 0; padding: 0; background: #f7f7f8; color: #202124; }
		main { max-width: 960px; margin: 0 auto; padding: 32px 24px 48px; }
		header { background: #212a3b; color: #f7f7f8; padding: 32px 24px; }
		header h1 { margin: 0 0 8px; font-size: 28px; }
		header p { margin: 4px 0; opacity: 0.8; }
		section { margin-top: 32px; }
		section h2 { margin-bottom: 12px; font-size: 20px; }
		.summary-grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(180px, 1fr)); gap: 12px; }
		.summary-tile { background: #fff; border-radius: 10px; padding: 16px; box-shadow: 0 6px 18px rgba(13,28,39,0.12); }
		.summary-tile strong { display: block; font-size: 14px; text-transform: uppercase; letter-spacing: 0.04em; color: #5b7083; margin-bottom: 6px; }
		.summary-tile span { font-size: 18px; font-weight: 600; }
		.flex-list { display: flex; flex-direction: column; gap: 10px; }
		.list-card { background: #fff; border-radius: 12px; padding: 16px; box-shadow: 0 4px 12px rgba(13,28,39,0.10); }
		.list-card header { display: flex; justify-content: space-between; align-items: baseline; }
		.list-card header h3 { margin: 0; font-size: 16px; color: #253043; }
		.list-card header span { font-size: 13px; color: #5b7083; }
		.list-card ul { list-style: none; padding: 0; margin: 12px 0 0; }
		.list-card li { display: grid; grid-template-columns: 1fr auto auto; gap: 12px; font-size: 14px; padding: 8px 0; border-bottom: 1px solid rgba(91,112,131,0.16); }
		.list-card li:last-child { border-bottom: none; }
		.node-card { background: #fff; border-radius: 12px; margin-bottom: 12px; position: relative; padding: 16px 18px 14px 18px; box-shadow: 0 8px 20px rgba(16,37,58,0.12); border-left: 6px solid rgba(33,42,59,0.1); }
		.node-card::after { content: ""; position: absolute; inset: 0; border-radius: inherit; background: linear-gradient(90deg, rgba(244,71,71,var(--heat)) 0%, rgba(244,71,71,0) 72%); opacity: 0.35; pointer-events: none; }
		.node-header { position: relative; z-index: 1; display: flex; justify-content: space-between; gap: 12px; align-items: baseline; }
		.node-label { font-weight: 600; font-size: 15px; }
		.node-metrics { font-size: 13px; color: #5b7083; }
		.node-bar { position: relative; z-index: 1; margin-top: 10px; background: rgba(33,42,59,0.08); border-radius: 999px; height: 8px; overflow: hidden; }
		.node-bar span { display: block; height: 100%; border-radius: inherit; background: linear-gradient(90deg, #f44747 0%, #faae32 100%); width: calc(var(--width) * 1%); }
		.node-meta { position: relative; z-index: 1; margin-top: 10px; font-size: 13px; color: #364a63; display: flex; flex-wrap: wrap; gap: 12px 18px; }
		.node-warning { color: #b25600; font-weight: 600; }
		.insight-list { list-style: none; margin: 0; padding: 0; display: flex; flex-direction: column; gap: 10px; }
		.insight-list li { background: #fff; border-radius: 12px; padding: 14px 16px; box-shadow: 0 4px 12px rgba(13,28,39,0.10); font-size: 14px; color: #253043; display: flex; align-items: center; gap: 10px; }
		.insight-list li span.icon { font-size: 18px; }
		.insight-list li span.insight-text a { color: inherit; text-decoration: none; position: relative; }
		.insight-list li span.insight-text a::after { content: ""; position: absolute; left: 0; bottom: -2px; width: 100%; height: 1px; background: currentColor; opacity: 0.35; transition: opacity 0.2s; }
		.insight-list li span.insight-text a:hover::after { opacity: 0.65; }
		.insight-list li.severity-critical { border-left: 4px solid #f44747; }
		.insight-list li.severity-warning { border-left: 4px solid #faae32; }
		.insight-list li.severity-info { border-left: 4px solid rgba(33,42,59,0.15); }
		@media (max-width: 640px) {
			main { padding: 24px 16px 32px; }
			.list-card li { grid-template-columns: 1fr auto; grid-template-areas: "label share" "extra extra"; }
			.list-card li span:nth-child(3) { grid-area: share; }
			.list-card li span:nth-child(4) { grid-area: extra; }
		}
		.node-sql { position: relative; z-index: 1; margin-top: 8px; font-family: ui-monospace, SFMono-Regular, Menlo, monospace; font-size: 12px; color: #364a63; white-space: pre-wrap; }
	</style>
	{{- end }}
</head>
<body>
	<header>
		<h1>{{.Title}}</h1>
		<p>Run {{.Summary.RunID}} · {{.Summary.CreatedAt}}</p>
		<p>Statements {{.Summary.Statements}} · Failed {{.Summary.Failed}} · Total {{.Summary.TotalCost}}</p>
	</header>
	<main>
		<section>
			<h2>Highlights</h2>
			<div class="summary-grid">
				<div class="summary-tile">
					<strong>Statements</strong>
					<span>{{.Summary.Statements}}</span>
				</div>
				<div class="summary-tile">
					<strong>Failed</strong>
					<span>{{.Summary.Failed}}</span>
				</div>
				<div class="summary-tile">
					<strong>Total cost</strong>
					<span>{{.Summary.TotalCost}}</span>
				</div>
				<div class="summary-tile">
					<strong>Most expensive</strong>
					<span>{{.Summary.MaxCost}}</span>
				</div>
				<div class="summary-tile">
					<strong>Critical / Warnings</strong>
					<span>{{.Summary.Critical}} / {{.Summary.Warnings}}</span>
				</div>
			</div>
		</section>

		{{- if .Insights }}
		<section>
			<h2>Insights</h2>
			<ul class="insight-list">
				{{- range .Insights }}
				<li class="severity-{{.Severity}}"><span class="icon">{{.Icon}}</span><span class="insight-text">
					{{- if .Anchor -}}
						<a href="#{{.Anchor}}">{{.Text}}</a>
					{{- else -}}
						{{.Text}}
					{{- end -}}
				</span></li>
				{{- end }}
			</ul>
		</section>
		{{- end }}

		<section>
			<h2>Signals</h2>
			<div class="flex-list">
				<div class="list-card">
					<header>
						<h3>Expensive statements</h3>
						<span>At least 10% of the run's total cost</span>
					</header>
					<ul>
						{{- if .Expensive }}
							{{- range .Expensive }}
							<li>
								<span>{{.Label}}</span>
								<span>{{.Cost}}</span>
								<span>{{.Share}}</span>
								<span>{{.Extra}}</span>
							</li>
							{{- end }}
						{{- else }}
							<li><span>No statement dominates the run</span></li>
						{{- end }}
					</ul>
				</div>
			</div>
		</section>

		<section>
			<h2>Statements</h2>
			{{- range .Statements }}
			<div class="node-card" id="{{.Anchor}}" style="--heat: {{printf "%.3f" .Heat}};">
				<div class="node-header">
					<span class="node-label">{{.Label}}</span>
					<span class="node-metrics">{{if .Cost}}{{.Cost}} · {{.Share}}{{end}}</span>
				</div>
				<div class="node-bar"><span style="--width: {{printf "%.2f" .BarWidth}};"></span></div>
				<div class="node-sql">{{.SQL}}</div>
				<div class="node-meta">
					{{- range .Meta }}<span>{{.}}</span>{{- end }}
					{{- if .Messages }}<span class="node-warning">{{ join .Messages "; " }}</span>{{- end }}
					{{- if .Error }}<span class="node-warning">{{.Error}}</span>{{- end }}
				</div>
			</div>
			{{- end }}
		</section>
	</main>
</body>
</html>
`
