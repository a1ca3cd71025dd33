package estimator_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/rowcost/internal/estimator"
	"github.com/mickamy/rowcost/internal/metrics"
	"github.com/mickamy/rowcost/internal/model"
	"github.com/mickamy/rowcost/internal/stats"
	"github.com/mickamy/rowcost/test"
)

var ctx = context.Background()

func TestBypassMessagesCostNothing(t *testing.T) {
	phrases := []string{
		"no matching row in const table",
		"No tables used",
		"Impossible WHERE",
		"Impossible WHERE noticed after reading const tables",
		"Select tables optimized away",
		"No matching min/max row",
	}
	for _, phrase := range phrases {
		t.Run(phrase, func(t *testing.T) {
			st := newFakeStats()
			st.counts["users"] = 99
			est := estimator.New(newFakeExplainer(), st)

			got, err := est.Estimate(ctx, model.Plan{{Message: phrase}}, "SELECT * FROM users WHERE id = 0", estimator.Options{})
			require.NoError(t, err)
			assert.Equal(t, int64(0), got.Cost)
			assert.Empty(t, got.Messages)
			assert.Equal(t, 0, st.Lookups())
		})
	}
}

func TestImpossibleWhereSample(t *testing.T) {
	st := newFakeStats()
	est := estimator.New(newFakeExplainer(), st)

	got, err := est.Estimate(ctx, test.LoadSamplePlan(t, "impossible_where.json"), "SELECT * FROM users WHERE 1=0", estimator.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Cost)
	assert.Equal(t, []string{}, got.Messages)
	assert.Equal(t, "Impossible WHERE", got.FirstStep.Message)
}

func TestKeyedLookupUsesResolver(t *testing.T) {
	st := newFakeStats()
	st.keys["users/PRIMARY"] = 1
	est := estimator.New(newFakeExplainer(), st)

	plan := model.Plan{{Table: "users", AccessType: "const", Key: "PRIMARY"}}
	got, err := est.Estimate(ctx, plan, "SELECT * FROM users WHERE id=5", estimator.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Cost)
	assert.Equal(t, []keyLookup{{Table: "users", Key: "PRIMARY", UsedParts: 0}}, st.keyArgs)
	assert.Equal(t, "users", got.FirstStep.Table)
}

func TestSingleTableScan(t *testing.T) {
	st := newFakeStats()
	st.counts["orders"] = 4200
	est := estimator.New(newFakeExplainer(), st)
	plan := test.LoadSamplePlan(t, "full_scan.json")

	tests := []struct {
		name string
		sql  string
		want int64
	}{
		{name: "no where", sql: "SELECT * FROM orders", want: 4200},
		{name: "trivial where", sql: "SELECT * FROM orders WHERE 1=1", want: 4200},
		{name: "limit", sql: "SELECT * FROM orders LIMIT 10", want: 10},
		{name: "limit above count", sql: "SELECT * FROM orders LIMIT 100000", want: 100000},
		{name: "offset comma limit", sql: "SELECT * FROM orders LIMIT 20, 5", want: 5},
		{name: "limit offset", sql: "select * from orders limit 7 offset 100", want: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := est.Estimate(ctx, plan, tt.sql, estimator.Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Cost)
		})
	}
}

func TestOrderByDisablesScanShortcut(t *testing.T) {
	st := newFakeStats()
	st.counts["orders"] = 4200
	st.fuzzed["orders"] = true
	est := estimator.New(newFakeExplainer(), st)

	got, err := est.Estimate(ctx, test.LoadSamplePlan(t, "full_scan.json"), "SELECT * FROM orders ORDER BY total LIMIT 10", estimator.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(4200), got.Cost)
	assert.Equal(t, []string{estimator.MessageFuzzedData}, got.Messages)
}

func TestDerivedUnwrapMatchesPlanWithoutIt(t *testing.T) {
	st := newFakeStats()
	st.keys["users/PRIMARY"] = 1
	st.counts["<derived2>"] = 20
	est := estimator.New(newFakeExplainer(), st)

	sql := "SELECT u.* FROM (SELECT user_id FROM orders WHERE total > 10) o JOIN users u ON u.id = o.user_id"
	plan := test.LoadSamplePlan(t, "derived.json")

	withDerived, err := est.Estimate(ctx, plan, sql, estimator.Options{})
	require.NoError(t, err)
	without, err := est.Estimate(ctx, plan[1:], sql, estimator.Options{})
	require.NoError(t, err)

	assert.Equal(t, without.Cost, withDerived.Cost)
	assert.Equal(t, without.Messages, withDerived.Messages)
	assert.Equal(t, "users", withDerived.FirstStep.Table)
}

func TestDerivedOnlyPlanIsEmptyAfterUnwrap(t *testing.T) {
	est := estimator.New(newFakeExplainer(), newFakeStats())
	plan := model.Plan{{Table: "<derived2>", AccessType: "ALL"}}

	_, err := est.Estimate(ctx, plan, "SELECT * FROM (SELECT 1) d WHERE 1 = 2", estimator.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, estimator.ErrEmptyPlan)
}

func TestUnkeyedWithoutCandidatesScansTable(t *testing.T) {
	st := newFakeStats()
	st.counts["orders"] = 4200
	exp := newFakeExplainer()
	est := estimator.New(exp, st)

	plan := model.Plan{{Table: "orders", AccessType: "ALL"}, {Table: "users", AccessType: "eq_ref", Key: "PRIMARY"}}
	got, err := est.Estimate(ctx, plan, "SELECT * FROM orders JOIN users ON users.id = orders.user_id", estimator.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(4200), got.Cost)
	assert.Empty(t, got.Messages)
	assert.Empty(t, exp.Calls())
}

func TestPossibleKeyCheckTakesMinimum(t *testing.T) {
	st := newFakeStats()
	st.counts["events"] = 1000
	st.keys["events/idx_a"] = 50

	sql := "SELECT * FROM events WHERE a = 1 OR b = 2"
	exp := newFakeExplainer()
	exp.On("SELECT * FROM events FORCE INDEX(`idx_a`) WHERE a = 1 OR b = 2",
		model.Plan{{Table: "events", AccessType: "range", Key: "idx_a", UsedKeyParts: 1}}, nil)
	exp.On("SELECT * FROM events FORCE INDEX(`idx_b`) WHERE a = 1 OR b = 2",
		nil, &mysql.MySQLError{Number: 1176, Message: "Key 'idx_b' doesn't exist in table 'events'"})

	est := estimator.New(exp, st)
	got, err := est.Estimate(ctx, test.LoadSamplePlan(t, "possible_keys_unused.json"), sql, estimator.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Cost)
	assert.Contains(t, got.Messages, estimator.MessagePossibleKeyCheck)
	assert.Len(t, exp.Calls(), 2)
	assert.Equal(t, "events", got.FirstStep.Table)
}

func TestPossibleKeyCheckKeepsTableCountWhenCheaper(t *testing.T) {
	st := newFakeStats()
	st.counts["events"] = 30
	st.keys["events/idx_a"] = 50

	sql := "SELECT * FROM events WHERE a = 1"
	exp := newFakeExplainer()
	exp.On("SELECT * FROM events FORCE INDEX(`idx_a`) WHERE a = 1",
		model.Plan{{Table: "events", AccessType: "ref", Key: "idx_a"}}, nil)

	est := estimator.New(exp, st)
	plan := model.Plan{{Table: "events", AccessType: "ALL", PossibleKeys: []string{"idx_a"}}}
	got, err := est.Estimate(ctx, plan, sql, estimator.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(30), got.Cost)
}

func TestForcedRetryDoesNotRecurse(t *testing.T) {
	st := newFakeStats()
	st.counts["events"] = 1000
	exp := newFakeExplainer()
	est := estimator.New(exp, st)

	plan := model.Plan{{Table: "events", AccessType: "ALL", PossibleKeys: []string{"idx_a", "idx_b"}}}
	got, err := est.Estimate(ctx, plan, "SELECT * FROM events FORCE INDEX(`idx_a`) WHERE a = 1", estimator.Options{ForceKey: "idx_a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Cost)
	assert.NotContains(t, got.Messages, estimator.MessagePossibleKeyCheck)
	assert.Empty(t, exp.Calls())
}

func TestForcedRetryLandingAmbiguousFallsBackToCount(t *testing.T) {
	st := newFakeStats()
	st.counts["events"] = 1000

	sql := "SELECT * FROM events WHERE a = 1 OR b = 2"
	ambiguous := model.Plan{{Table: "events", AccessType: "ALL", PossibleKeys: []string{"idx_a", "idx_b"}}}
	exp := newFakeExplainer()
	exp.On("SELECT * FROM events FORCE INDEX(`idx_a`) WHERE a = 1 OR b = 2", ambiguous, nil)
	exp.On("SELECT * FROM events FORCE INDEX(`idx_b`) WHERE a = 1 OR b = 2", ambiguous, nil)

	est := estimator.New(exp, st)
	got, err := est.Estimate(ctx, ambiguous, sql, estimator.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Cost)
	assert.Len(t, exp.Calls(), 2)
}

func TestForcedRetryPropagatesOtherErrors(t *testing.T) {
	st := newFakeStats()
	st.counts["events"] = 1000

	denied := &mysql.MySQLError{Number: 1142, Message: "SELECT command denied"}
	exp := newFakeExplainer()
	exp.On("SELECT * FROM events FORCE INDEX(`idx_a`) WHERE a = 1", nil, denied)

	est := estimator.New(exp, st)
	plan := model.Plan{{Table: "events", AccessType: "ALL", PossibleKeys: []string{"idx_a"}}}
	_, err := est.Estimate(ctx, plan, "SELECT * FROM events WHERE a = 1", estimator.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, denied)
}

func TestForcedCandidateWithoutStatisticsIsSkipped(t *testing.T) {
	st := newFakeStats()
	st.counts["events"] = 1000

	exp := newFakeExplainer()
	exp.On("SELECT * FROM events FORCE INDEX(`idx_a`) WHERE a = 1",
		model.Plan{{Table: "events", AccessType: "ref", Key: "idx_a"}}, nil)

	est := estimator.New(exp, st)
	plan := model.Plan{{Table: "events", AccessType: "ALL", PossibleKeys: []string{"idx_a"}}}
	got, err := est.Estimate(ctx, plan, "SELECT * FROM events WHERE a = 1", estimator.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Cost)
}

func TestMissingStatisticsIsAnError(t *testing.T) {
	est := estimator.New(newFakeExplainer(), newFakeStats())

	_, err := est.Estimate(ctx, model.Plan{{Table: "ghost", AccessType: "ALL"}}, "SELECT * FROM ghost", estimator.Options{})
	assert.ErrorIs(t, err, estimator.ErrNoStatistics)

	_, err = est.Estimate(ctx, model.Plan{{Table: "ghost", Key: "PRIMARY"}}, "SELECT * FROM ghost WHERE id = 1", estimator.Options{})
	assert.ErrorIs(t, err, estimator.ErrNoStatistics)

	_, err = est.Estimate(ctx, model.Plan{}, "SELECT 1", estimator.Options{})
	assert.ErrorIs(t, err, estimator.ErrEmptyPlan)
}

func TestEstimateWithSampleStatistics(t *testing.T) {
	manual, err := stats.LoadSnapshot(test.SamplePath(t, "stats/manual.yml"))
	require.NoError(t, err)
	dump, err := stats.LoadSnapshot(test.SamplePath(t, "stats/dump.json"))
	require.NoError(t, err)
	fuzzed, err := stats.LoadFuzzedSnapshot(test.SamplePath(t, "stats/fuzzed.json"))
	require.NoError(t, err)
	resolver := stats.NewResolver(manual, dump, fuzzed)

	est := estimator.New(newFakeExplainer(), resolver)

	got, err := est.Estimate(ctx, test.LoadSamplePlan(t, "ordering_join.json"),
		"SELECT * FROM users JOIN orders ON orders.user_id = users.id WHERE users.created_at > '2020-01-01' ORDER BY users.created_at",
		estimator.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(24), got.Cost)
	assert.Empty(t, got.Messages)

	got, err = est.Estimate(ctx, test.LoadSamplePlan(t, "duplicates_removal.json"), "SELECT DISTINCT name FROM tags WHERE kind = 'x'", estimator.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Cost)
	assert.Equal(t, []string{estimator.MessageFuzzedData}, got.Messages)
}

func TestEstimateRecordsMetricsAndLogs(t *testing.T) {
	st := newFakeStats()
	st.counts["orders"] = 4200
	rec := metrics.NewPrometheusRecorder()
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	est := estimator.New(newFakeExplainer(), st, estimator.WithMetrics(rec), estimator.WithLogger(logger))
	_, err := est.Estimate(ctx, model.Plan{{Table: "orders", AccessType: "ALL", Rows: 4200}}, "SELECT * FROM orders", estimator.Options{})
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(rec.Registry(), metrics.EstimatesTotal)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Contains(t, buf.String(), `"policy":"table_scan"`)
	assert.Contains(t, buf.String(), "cost: 4200")
}

func TestEstimateAllReportsPerStatement(t *testing.T) {
	st := newFakeStats()
	st.counts["orders"] = 4200
	st.keys["users/PRIMARY"] = 1

	exp := newFakeExplainer()
	exp.On("SELECT * FROM orders", model.Plan{{Table: "orders", AccessType: "ALL"}}, nil)
	exp.On("SELECT * FROM users WHERE id = 1", model.Plan{{Table: "users", AccessType: "const", Key: "PRIMARY"}}, nil)
	exp.On("SELECT * FROM broken", nil, errors.New("syntax error"))

	est := estimator.New(exp, st)
	results, err := est.EstimateAll(ctx, []string{"SELECT * FROM orders", "SELECT * FROM broken", "SELECT * FROM users WHERE id = 1"}, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, int64(4200), results[0].Estimate.Cost)
	assert.Error(t, results[1].Err)
	assert.Nil(t, results[1].Estimate)
	assert.Equal(t, int64(1), results[2].Estimate.Cost)
	assert.Equal(t, 2, results[2].Index)
}

func TestEstimateAllStopsOnCancellation(t *testing.T) {
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	est := estimator.New(newFakeExplainer(), newFakeStats())
	_, err := est.EstimateAll(cancelled, []string{"SELECT 1"}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
