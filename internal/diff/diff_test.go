package diff_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/rowcost/internal/diff"
	"github.com/mickamy/rowcost/internal/model"
	"github.com/mickamy/rowcost/internal/report"
)

func entry(sql string, cost int64, access, table, key string) report.Entry {
	return report.Entry{
		SQL: sql,
		Estimate: &model.CostEstimate{
			Cost:      cost,
			Messages:  []string{},
			FirstStep: model.PlanStep{Table: table, AccessType: access, Key: key},
		},
	}
}

func baseReport() *report.Report {
	return &report.Report{
		ID: "base",
		Entries: []report.Entry{
			entry("SELECT * FROM orders WHERE user_id = 1", 3, "ref", "orders", "idx_user_id"),
			entry("SELECT * FROM users", 1200, "ALL", "users", ""),
			entry("SELECT * FROM events WHERE a = 1", 900, "ALL", "events", ""),
			entry("SELECT * FROM tags", 250, "ALL", "tags", ""),
			{SQL: "SELECT * FROM broken", Error: "explain: boom"},
		},
	}
}

func targetReport() *report.Report {
	return &report.Report{
		ID: "target",
		Entries: []report.Entry{
			entry("SELECT *\n FROM orders WHERE user_id = 1;", 4200, "ALL", "orders", ""),
			entry("SELECT * FROM users", 1210, "ALL", "users", ""),
			entry("SELECT * FROM events WHERE a = 1", 50, "ref", "events", "idx_a"),
			entry("SELECT * FROM broken", 10, "const", "broken", "PRIMARY"),
			entry("SELECT * FROM audit_log", 80000, "ALL", "audit_log", ""),
		},
	}
}

func TestCompareReports(t *testing.T) {
	out, err := diff.Compare(baseReport(), targetReport(), diff.Options{MinDelta: 100, MinPercentChange: 10})
	require.NoError(t, err)

	require.Len(t, out.Regressions, 1)
	reg := out.Regressions[0]
	assert.Equal(t, "SELECT * FROM orders WHERE user_id = 1", reg.SQL)
	assert.Equal(t, int64(4197), reg.DeltaCost)
	assert.Equal(t, "ref orders (idx_user_id)", reg.BaseAccess)
	assert.Equal(t, "ALL orders", reg.TargetAccess)

	require.Len(t, out.Improvements, 2)
	assert.Equal(t, "SELECT * FROM events WHERE a = 1", out.Improvements[0].SQL)
	assert.Equal(t, "SELECT * FROM broken", out.Improvements[1].SQL)
	assert.True(t, out.Improvements[1].BaseFailed)

	assert.Equal(t, []string{"SELECT * FROM audit_log"}, out.Added)
	assert.Equal(t, []string{"SELECT * FROM tags"}, out.Removed)

	assert.Equal(t, 1, out.Summary.BaseFailed)
	assert.Equal(t, 0, out.Summary.TargetFailed)
	assert.Equal(t, int64(3+1200+900+250), out.Summary.BaseTotalCost)

	require.NotEmpty(t, out.Insights)
	var sawScan bool
	for _, msg := range out.Insights {
		if msg.Message == "`SELECT * FROM orders WHERE user_id = 1` fell back to a full table scan" {
			sawScan = true
		}
	}
	assert.True(t, sawScan)
}

func TestCompareNewFailureIsRegression(t *testing.T) {
	base := &report.Report{ID: "a", Entries: []report.Entry{entry("SELECT 1 FROM t", 5, "const", "t", "PRIMARY")}}
	target := &report.Report{ID: "b", Entries: []report.Entry{{SQL: "SELECT 1 FROM t", Error: "explain: gone"}}}

	out, err := diff.Compare(base, target, diff.Options{})
	require.NoError(t, err)
	require.Len(t, out.Regressions, 1)
	assert.True(t, out.Regressions[0].TargetFailed)
	assert.Equal(t, "critical", out.Insights[0].Severity)
}

func TestCompareMaxItems(t *testing.T) {
	base := &report.Report{ID: "a"}
	target := &report.Report{ID: "b"}
	for _, sql := range []string{"SELECT * FROM a", "SELECT * FROM b", "SELECT * FROM c"} {
		base.Entries = append(base.Entries, entry(sql, 10, "ALL", "t", ""))
		target.Entries = append(target.Entries, entry(sql, 10000, "ALL", "t", ""))
	}
	out, err := diff.Compare(base, target, diff.Options{MaxItems: 2})
	require.NoError(t, err)
	assert.Len(t, out.Regressions, 2)
}

func TestCompareRequiresReports(t *testing.T) {
	_, err := diff.Compare(nil, &report.Report{}, diff.Options{})
	assert.Error(t, err)
	_, err = diff.Compare(&report.Report{}, nil, diff.Options{})
	assert.Error(t, err)
}

func TestMarkdownAndJSON(t *testing.T) {
	out, err := diff.Compare(baseReport(), targetReport(), diff.Options{MinDelta: 100, MinPercentChange: 10})
	require.NoError(t, err)

	md := out.Markdown()
	assert.Contains(t, md, "# rowcost diff")
	assert.Contains(t, md, "| `SELECT * FROM orders WHERE user_id = 1` | 3 | 4200 | +4197 |")
	assert.Contains(t, md, "- added: `SELECT * FROM audit_log`")
	assert.Contains(t, md, "| error | 10 |")

	payload, err := out.JSON()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "base", decoded["base_id"])
	assert.NotContains(t, decoded, "Options")
}
