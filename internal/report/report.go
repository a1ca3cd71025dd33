// Package report records the outcome of an estimation run so it can be
// rendered or compared with a later run.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mickamy/rowcost/internal/config"
	"github.com/mickamy/rowcost/internal/estimator"
	"github.com/mickamy/rowcost/internal/insight"
	"github.com/mickamy/rowcost/internal/model"
)

// Report is one estimation run.
type Report struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Source    string    `json:"source,omitempty"`
	Entries   []Entry   `json:"entries"`
}

// Entry is the outcome for a single statement.
type Entry struct {
	Index    int                 `json:"index"`
	SQL      string              `json:"sql"`
	Estimate *model.CostEstimate `json:"estimate,omitempty"`
	Error    string              `json:"error,omitempty"`
	Insights []insight.Message   `json:"insights,omitempty"`
}

// Summary aggregates a report.
type Summary struct {
	Statements int
	Failed     int
	TotalCost  int64
	MaxCost    int64
	Critical   int
	Warnings   int
}

// Build turns batch results into a report and attaches insights.
func Build(source string, results []estimator.Result, cfg config.InsightConfig) *Report {
	r := &Report{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Source:    source,
		Entries:   make([]Entry, 0, len(results)),
	}
	for _, res := range results {
		entry := Entry{Index: res.Index, SQL: res.SQL, Estimate: res.Estimate}
		if res.Err != nil {
			entry.Error = res.Err.Error()
		}
		entry.Insights = insight.BuildMessages(res.Estimate, cfg)
		r.Entries = append(r.Entries, entry)
	}
	return r
}

// Summary computes totals over the successful entries.
func (r *Report) Summary() Summary {
	var s Summary
	if r == nil {
		return s
	}
	for _, entry := range r.Entries {
		s.Statements++
		if entry.Estimate == nil {
			s.Failed++
			continue
		}
		s.TotalCost += entry.Estimate.Cost
		if entry.Estimate.Cost > s.MaxCost {
			s.MaxCost = entry.Estimate.Cost
		}
		switch insight.MaxSeverity(entry.Insights) {
		case insight.SeverityCritical:
			s.Critical++
		case insight.SeverityWarning:
			s.Warnings++
		}
	}
	return s
}

// Write encodes the report as indented JSON.
func (r *Report) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("report: encode: %w", err)
	}
	return nil
}

// Read decodes a report written by Write.
func Read(rd io.Reader) (*Report, error) {
	var r Report
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return nil, fmt.Errorf("report: decode: %w", err)
	}
	if r.ID == "" {
		return nil, fmt.Errorf("report: missing id")
	}
	return &r, nil
}

// Save writes the report to path.
func (r *Report) Save(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("report: close %s: %w", path, cerr)
		}
	}()
	return r.Write(f)
}

// Load reads a report from path.
func Load(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("report: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return Read(f)
}

// NormalizeSQL is the key used to match statements across reports.
func NormalizeSQL(sqlText string) string {
	s := insight.NormalizeWhitespace(sqlText)
	return strings.TrimSpace(strings.TrimRight(s, "; "))
}
