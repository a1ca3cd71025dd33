package insight

import (
	"fmt"
	"strings"

	"github.com/mickamy/rowcost/internal/config"
	"github.com/mickamy/rowcost/internal/estimator"
	"github.com/mickamy/rowcost/internal/model"
)

// Severity expresses the urgency of an insight message.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Message represents an actionable observation about an estimate.
type Message struct {
	Severity Severity `json:"severity"`
	Text     string   `json:"text"`
	Anchor   string   `json:"anchor,omitempty"`
}

// BuildMessages derives human-readable insight messages for an estimate.
func BuildMessages(est *model.CostEstimate, cfg config.InsightConfig) []Message {
	if est == nil {
		return nil
	}
	var out []Message

	if msg := costMessage(est, cfg); msg != nil {
		out = append(out, *msg)
	}
	if msg := scanMessage(est, cfg); msg != nil {
		out = append(out, *msg)
	}
	if msg := possibleKeyMessage(est); msg != nil {
		out = append(out, *msg)
	}
	if msg := fuzzedMessage(est); msg != nil {
		out = append(out, *msg)
	}
	return out
}

// MaxSeverity returns the most urgent severity among msgs, or "" when empty.
func MaxSeverity(msgs []Message) Severity {
	var top Severity
	for _, msg := range msgs {
		if rank(msg.Severity) > rank(top) {
			top = msg.Severity
		}
	}
	return top
}

func rank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

func costMessage(est *model.CostEstimate, cfg config.InsightConfig) *Message {
	var severity Severity
	switch {
	case cfg.CostCritical > 0 && est.Cost >= cfg.CostCritical:
		severity = SeverityCritical
	case cfg.CostWarning > 0 && est.Cost >= cfg.CostWarning:
		severity = SeverityWarning
	default:
		return nil
	}
	text := fmt.Sprintf("Expensive statement: %s examines ~%s rows", CompactLabel(est.FirstStep), HumanizeRows(est.Cost))
	return &Message{Severity: severity, Text: text, Anchor: AnchorID(est.FirstStep)}
}

func scanMessage(est *model.CostEstimate, cfg config.InsightConfig) *Message {
	step := est.FirstStep
	switch step.AccessType {
	case "ALL":
		severity := SeverityWarning
		if cfg.CostWarning > 0 && est.Cost < cfg.CostWarning {
			severity = SeverityInfo
		}
		text := fmt.Sprintf("Full table scan on %s; consider an index covering the filter", step.Table)
		return &Message{Severity: severity, Text: text, Anchor: AnchorID(step)}
	case "index":
		if step.UsingIndex {
			return nil
		}
		text := fmt.Sprintf("Full index scan on %s via %s", step.Table, step.Key)
		return &Message{Severity: SeverityInfo, Text: text, Anchor: AnchorID(step)}
	default:
		return nil
	}
}

func possibleKeyMessage(est *model.CostEstimate) *Message {
	if !est.HasMessage(estimator.MessagePossibleKeyCheck) {
		return nil
	}
	keys := strings.Join(est.FirstStep.PossibleKeys, ", ")
	text := fmt.Sprintf("Planner chose no key on %s although %s qualified; cost taken from forced-index plans", est.FirstStep.Table, keys)
	return &Message{Severity: SeverityWarning, Text: text, Anchor: AnchorID(est.FirstStep)}
}

func fuzzedMessage(est *model.CostEstimate) *Message {
	if !est.HasMessage(estimator.MessageFuzzedData) {
		return nil
	}
	text := fmt.Sprintf("Statistics for %s come from probing, not a dump; treat the estimate as approximate", est.FirstStep.Table)
	return &Message{Severity: SeverityInfo, Text: text, Anchor: AnchorID(est.FirstStep)}
}

// StepLabel builds a descriptive label for a plan step.
func StepLabel(step model.PlanStep) string {
	if step.Table == "" {
		return step.Message
	}
	label := step.Table
	if step.AccessType != "" {
		label = fmt.Sprintf("%s %s", step.AccessType, label)
	}
	if step.Key != "" {
		label = fmt.Sprintf("%s (%s)", label, step.Key)
	}
	return label
}

// CompactLabel shortens long labels for inline summaries.
func CompactLabel(step model.PlanStep) string {
	label := StepLabel(step)
	if len(label) > 60 {
		return label[:57] + "..."
	}
	return label
}

// HumanizeRows renders a row count with a metric suffix.
func HumanizeRows(rows int64) string {
	n := float64(rows)
	switch {
	case rows >= 1_000_000_000:
		return fmt.Sprintf("%.2fG", n/1e9)
	case rows >= 1_000_000:
		return fmt.Sprintf("%.2fM", n/1e6)
	case rows >= 10_000:
		return fmt.Sprintf("%.1fk", n/1e3)
	default:
		return fmt.Sprintf("%d", rows)
	}
}

// NormalizeWhitespace collapses whitespace for use in HTML or text.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// AnchorID derives an HTML anchor for a plan step.
func AnchorID(step model.PlanStep) string {
	label := StepLabel(step)
	if label == "" {
		return ""
	}
	label = strings.ToLower(label)
	label = strings.ReplaceAll(label, " ", "-")
	label = strings.ReplaceAll(label, "/", "-")
	label = strings.ReplaceAll(label, "\\", "-")
	label = strings.ReplaceAll(label, "<", "")
	label = strings.ReplaceAll(label, ">", "")
	label = strings.ReplaceAll(label, "(", "")
	label = strings.ReplaceAll(label, ")", "")
	label = strings.ReplaceAll(label, ",", "")
	label = strings.ReplaceAll(label, "--", "-")
	return label
}
