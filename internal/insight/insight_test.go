package insight

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/rowcost/internal/config"
	"github.com/mickamy/rowcost/internal/estimator"
	"github.com/mickamy/rowcost/internal/model"
)

var thresholds = config.InsightConfig{CostWarning: 5000, CostCritical: 100000}

func TestBuildMessagesExpensiveScan(t *testing.T) {
	est := &model.CostEstimate{
		Cost:      250000,
		Messages:  []string{estimator.MessageFuzzedData},
		FirstStep: model.PlanStep{Table: "users", AccessType: "ALL", Rows: 250000},
	}
	msgs := BuildMessages(est, thresholds)
	require.Len(t, msgs, 3)

	assert.Equal(t, SeverityCritical, msgs[0].Severity)
	assert.Contains(t, msgs[0].Text, "250.0k rows")
	assert.Equal(t, "all-users", msgs[0].Anchor)

	assert.Equal(t, SeverityWarning, msgs[1].Severity)
	assert.Contains(t, msgs[1].Text, "Full table scan on users")

	assert.Equal(t, SeverityInfo, msgs[2].Severity)
	assert.Contains(t, msgs[2].Text, "probing")
	assert.Equal(t, SeverityCritical, MaxSeverity(msgs))
}

func TestBuildMessagesPossibleKeyCheck(t *testing.T) {
	est := &model.CostEstimate{
		Cost:      50,
		Messages:  []string{estimator.MessagePossibleKeyCheck},
		FirstStep: model.PlanStep{Table: "events", AccessType: "ALL", PossibleKeys: []string{"idx_a", "idx_b"}},
	}
	msgs := BuildMessages(est, thresholds)
	require.Len(t, msgs, 2)
	assert.Equal(t, SeverityInfo, msgs[0].Severity, "cheap scans stay informational")
	assert.Contains(t, msgs[1].Text, "idx_a, idx_b")
	assert.Equal(t, SeverityWarning, MaxSeverity(msgs))
}

func TestBuildMessagesQuietForCheapKeyedLookup(t *testing.T) {
	est := &model.CostEstimate{Cost: 1, FirstStep: model.PlanStep{Table: "users", AccessType: "const", Key: "PRIMARY"}}
	assert.Empty(t, BuildMessages(est, thresholds))
	assert.Nil(t, BuildMessages(nil, thresholds))
	assert.Equal(t, Severity(""), MaxSeverity(nil))
}

func TestLabels(t *testing.T) {
	step := model.PlanStep{Table: "orders", AccessType: "ref", Key: "idx_user_id"}
	assert.Equal(t, "ref orders (idx_user_id)", StepLabel(step))
	assert.Equal(t, "ref-orders-idx_user_id", AnchorID(step))
	assert.Equal(t, "Impossible WHERE", StepLabel(model.PlanStep{Message: "Impossible WHERE"}))
	assert.Equal(t, "all-derived2", AnchorID(model.PlanStep{Table: "<derived2>", AccessType: "ALL"}))
}

func TestHumanizeRows(t *testing.T) {
	assert.Equal(t, "42", HumanizeRows(42))
	assert.Equal(t, "9999", HumanizeRows(9999))
	assert.Equal(t, "12.5k", HumanizeRows(12500))
	assert.Equal(t, "3.00M", HumanizeRows(3_000_000))
}
