package estimator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mickamy/rowcost/internal/metrics"
	"github.com/mickamy/rowcost/internal/model"
)

// Result is the outcome for one statement of a batch.
type Result struct {
	Index    int
	SQL      string
	Estimate *model.CostEstimate
	Err      error
}

// EstimateSQL explains sqlText and estimates the resulting plan.
func (e *Estimator) EstimateSQL(ctx context.Context, sqlText string) (*model.CostEstimate, error) {
	plan, err := e.explainer.Explain(ctx, sqlText)
	if err != nil {
		e.metrics.IncrementCounter(metrics.StatementErrorsTotal)
		return nil, fmt.Errorf("explain: %w", err)
	}
	return e.Estimate(ctx, plan, sqlText, Options{})
}

// EstimateAll estimates statements with at most concurrency in flight.
// Failures of individual statements are reported on their Result; only
// cancellation of ctx aborts the batch.
func (e *Estimator) EstimateAll(ctx context.Context, statements []string, concurrency int) ([]Result, error) {
	if concurrency <= 0 {
		concurrency = 1
	}

	results := make([]Result, len(statements))
	var g errgroup.Group
	g.SetLimit(concurrency)

	for i, stmt := range statements {
		i, stmt := i, stmt
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			est, err := e.EstimateSQL(ctx, stmt)
			results[i] = Result{Index: i, SQL: stmt, Estimate: est, Err: err}
			if err != nil {
				e.logger.Warn().Err(err).Int("statement", i).Msg("skipping statement")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
