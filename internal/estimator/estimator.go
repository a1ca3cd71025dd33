// Package estimator predicts how many rows MySQL will examine for a statement.
//
// Estimation looks only at the first access step of the normalized plan and
// walks a fixed cascade of policies; the first policy that applies decides the
// cost. The one policy that talks to the database again is the possible-key
// check, which re-explains the statement once per candidate key with a
// FORCE INDEX hint.
package estimator

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/mickamy/rowcost/internal/metrics"
	"github.com/mickamy/rowcost/internal/model"
	"github.com/mickamy/rowcost/internal/runner"
)

// Diagnostics attached to estimates.
const (
	MessageFuzzedData       = "fuzzed_data"
	MessagePossibleKeyCheck = "possible_key_check"
)

// Policy names the cascade branch that produced a cost.
type Policy string

const (
	PolicyBypass           Policy = "bypass"
	PolicyLimit            Policy = "limit"
	PolicyTableScan        Policy = "table_scan"
	PolicyKeyed            Policy = "keyed"
	PolicyNoCandidates     Policy = "no_candidates"
	PolicyForcedFallback   Policy = "forced_fallback"
	PolicyPossibleKeyCheck Policy = "possible_key_check"
)

var (
	// ErrNoStatistics is returned when no statistics source can answer a lookup the cascade needs.
	ErrNoStatistics = errors.New("estimator: no statistics")
	// ErrEmptyPlan is returned for plans without steps.
	ErrEmptyPlan = errors.New("estimator: empty plan")
)

var bypassPatterns = []*regexp.Regexp{
	regexp.MustCompile(`no matching row in const table`),
	regexp.MustCompile(`No tables used`),
	regexp.MustCompile(`Impossible WHERE`),
	regexp.MustCompile(`Select tables optimized away`),
	regexp.MustCompile(`No matching min/max row`),
}

var derivedPattern = regexp.MustCompile(`<derived.*?>`)

// Explainer produces a normalized plan for a statement.
type Explainer interface {
	Explain(ctx context.Context, sqlText string) (model.Plan, error)
}

// Statistics answers cardinality lookups. *stats.Resolver satisfies it.
type Statistics interface {
	EstimateKey(table, key string, usedParts int) (int64, bool)
	TableCount(table string) (int64, bool)
	IsFuzzed(table string) bool
}

// Options parameterises a single estimate.
type Options struct {
	// ForceKey is set on the internal re-estimates made with a FORCE INDEX hint.
	ForceKey string
}

// Estimator holds what an analysis session shares across statements. It is
// safe for concurrent use as long as its Statistics are not mutated.
type Estimator struct {
	explainer  Explainer
	stats      Statistics
	logger     zerolog.Logger
	metrics    metrics.Recorder
	keyMissing func(error) bool
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithLogger sets the logger used for policy decisions.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Estimator) { e.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(e *Estimator) {
		if rec != nil {
			e.metrics = rec
		}
	}
}

// WithKeyMissing overrides how forced-key failures caused by a missing index are recognised.
func WithKeyMissing(fn func(error) bool) Option {
	return func(e *Estimator) {
		if fn != nil {
			e.keyMissing = fn
		}
	}
}

// New builds an Estimator.
func New(explainer Explainer, statistics Statistics, opts ...Option) *Estimator {
	e := &Estimator{
		explainer:  explainer,
		stats:      statistics,
		logger:     zerolog.Nop(),
		metrics:    metrics.Nop{},
		keyMissing: runner.IsKeyMissing,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Estimate computes the cost of plan, which EXPLAIN produced for sqlText.
func (e *Estimator) Estimate(ctx context.Context, plan model.Plan, sqlText string, opts Options) (*model.CostEstimate, error) {
	est, policy, err := e.run(ctx, plan, sqlText, opts)
	if err != nil {
		e.metrics.IncrementCounter(metrics.StatementErrorsTotal)
		return nil, err
	}
	e.metrics.IncrementCounter(metrics.EstimatesTotal, "policy", string(policy))
	e.metrics.RecordHistogram(metrics.EstimatedRows, float64(est.Cost), "policy", string(policy))
	e.logger.Info().
		Str("table", est.FirstStep.Table).
		Str("policy", string(policy)).
		Int64("cost", est.Cost).
		Strs("messages", est.Messages).
		Msg(est.LogLine())
	return est, nil
}

func (e *Estimator) run(ctx context.Context, plan model.Plan, sqlText string, opts Options) (*model.CostEstimate, Policy, error) {
	est := &model.CostEstimate{Messages: []string{}}
	cost, policy, err := e.cascade(ctx, plan, sqlText, opts, est)
	if err != nil {
		return nil, "", err
	}
	est.Cost = cost
	return est, policy, nil
}

func (e *Estimator) cascade(ctx context.Context, plan model.Plan, sqlText string, opts Options, est *model.CostEstimate) (int64, Policy, error) {
	first, ok := plan.First()
	if !ok {
		return 0, "", ErrEmptyPlan
	}
	est.FirstStep = first

	if isBypass(first.Message) {
		return 0, PolicyBypass, nil
	}

	if len(plan) == 1 && !HasWhere(sqlText) && !HasOrderBy(sqlText) {
		if limit, ok := Limit(sqlText); ok {
			return limit, PolicyLimit, nil
		}
		count, err := e.tableCount(first.Table)
		return count, PolicyTableScan, err
	}

	if derivedPattern.MatchString(first.Table) {
		e.logger.Debug().Str("table", first.Table).Msg("unwrapping derived table")
		return e.cascade(ctx, plan[1:], sqlText, opts, est)
	}

	if e.stats.IsFuzzed(first.Table) {
		est.Messages = append(est.Messages, MessageFuzzedData)
	}

	if first.Key != "" {
		rows, ok := e.stats.EstimateKey(first.Table, first.Key, first.UsedKeyParts)
		if !ok {
			return 0, "", fmt.Errorf("%w for key %s on %s", ErrNoStatistics, first.Key, first.Table)
		}
		return rows, PolicyKeyed, nil
	}

	if first.PossibleKeys == nil {
		count, err := e.tableCount(first.Table)
		return count, PolicyNoCandidates, err
	}

	if opts.ForceKey != "" {
		// the planner still refused the forced key; do not retry again
		count, err := e.tableCount(first.Table)
		return count, PolicyForcedFallback, err
	}

	est.Messages = append(est.Messages, MessagePossibleKeyCheck)
	cost, err := e.checkPossibleKeys(ctx, first, sqlText)
	return cost, PolicyPossibleKeyCheck, err
}

func (e *Estimator) checkPossibleKeys(ctx context.Context, step model.PlanStep, sqlText string) (int64, error) {
	var (
		best     int64
		answered bool
	)
	consider := func(rows int64) {
		if !answered || rows < best {
			best = rows
			answered = true
		}
	}

	if count, ok := e.stats.TableCount(step.Table); ok {
		consider(count)
	}

	for _, key := range step.PossibleKeys {
		rows, ok, err := e.estimateWithKey(ctx, sqlText, key)
		if err != nil {
			return 0, err
		}
		if ok {
			consider(rows)
		}
	}

	if !answered {
		return 0, fmt.Errorf("%w for %s or any of its possible keys", ErrNoStatistics, step.Table)
	}
	return best, nil
}

// estimateWithKey re-explains sqlText with key forced. A key the table does not
// have, or one the statistics know nothing about, yields no answer.
func (e *Estimator) estimateWithKey(ctx context.Context, sqlText, key string) (int64, bool, error) {
	logger := e.logger.With().Str("key", key).Logger()

	forced, ok := ForceIndex(sqlText, key)
	if !ok {
		logger.Debug().Msg("no FROM clause to attach an index hint to")
		e.metrics.IncrementCounter(metrics.ForcedKeyRetries, "outcome", "unrewritable")
		return 0, false, nil
	}

	plan, err := e.explainer.Explain(ctx, forced)
	if err != nil {
		if e.keyMissing(err) {
			logger.Debug().Err(err).Msg("forced key does not exist")
			e.metrics.IncrementCounter(metrics.ForcedKeyRetries, "outcome", "key_missing")
			return 0, false, nil
		}
		return 0, false, err
	}

	est, policy, err := e.run(ctx, plan, forced, Options{ForceKey: key})
	if err != nil {
		if errors.Is(err, ErrNoStatistics) {
			logger.Debug().Err(err).Msg("forced key has no statistics")
			e.metrics.IncrementCounter(metrics.ForcedKeyRetries, "outcome", "no_statistics")
			return 0, false, nil
		}
		return 0, false, err
	}

	logger.Debug().Str("policy", string(policy)).Int64("cost", est.Cost).Msg("forced key estimate")
	e.metrics.IncrementCounter(metrics.ForcedKeyRetries, "outcome", "answered")
	return est.Cost, true, nil
}

func (e *Estimator) tableCount(table string) (int64, error) {
	count, ok := e.stats.TableCount(table)
	if !ok {
		return 0, fmt.Errorf("%w for table %s", ErrNoStatistics, table)
	}
	return count, nil
}

func isBypass(message string) bool {
	if message == "" {
		return false
	}
	for _, p := range bypassPatterns {
		if p.MatchString(message) {
			return true
		}
	}
	return false
}
