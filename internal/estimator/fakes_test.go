package estimator_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/mickamy/rowcost/internal/model"
)

type keyLookup struct {
	Table     string
	Key       string
	UsedParts int
}

type fakeStats struct {
	mu      sync.Mutex
	counts  map[string]int64
	keys    map[string]int64
	fuzzed  map[string]bool
	lookups int
	keyArgs []keyLookup
}

func newFakeStats() *fakeStats {
	return &fakeStats{
		counts: map[string]int64{},
		keys:   map[string]int64{},
		fuzzed: map[string]bool{},
	}
}

func (f *fakeStats) EstimateKey(table, key string, usedParts int) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	f.keyArgs = append(f.keyArgs, keyLookup{Table: table, Key: key, UsedParts: usedParts})
	v, ok := f.keys[table+"/"+key]
	return v, ok
}

func (f *fakeStats) TableCount(table string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	v, ok := f.counts[table]
	return v, ok
}

func (f *fakeStats) IsFuzzed(table string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return f.fuzzed[table]
}

func (f *fakeStats) Lookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

type explainResult struct {
	plan model.Plan
	err  error
}

type fakeExplainer struct {
	mu      sync.Mutex
	results map[string]explainResult
	calls   []string
}

func newFakeExplainer() *fakeExplainer {
	return &fakeExplainer{results: map[string]explainResult{}}
}

func (f *fakeExplainer) On(sqlText string, plan model.Plan, err error) {
	f.results[sqlText] = explainResult{plan: plan, err: err}
}

func (f *fakeExplainer) Explain(_ context.Context, sqlText string) (model.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sqlText)
	res, ok := f.results[sqlText]
	if !ok {
		return nil, fmt.Errorf("unexpected statement %q", sqlText)
	}
	return res.plan, res.err
}

func (f *fakeExplainer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
