package test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mickamy/rowcost/internal/model"
	"github.com/mickamy/rowcost/internal/parser"
)

var (
	rootPath string
	once     sync.Once
)

// RootPath resolves a path relative to the repository rootPath (where go.mod resides).
func RootPath(t *testing.T) string {
	t.Helper()
	once.Do(func() {
		wd, err := os.Getwd()
		if err != nil {
			t.Fatalf("getwd: %v", err)
		}
		for {
			if _, err := os.Stat(filepath.Join(wd, "go.mod")); err == nil {
				rootPath = wd
				break
			}
			next := filepath.Dir(wd)
			if next == wd {
				t.Fatalf("go.mod not found from %s", wd)
			}
			wd = next
		}
	})
	return rootPath
}

// SamplePath returns the absolute path of a file under samples/.
func SamplePath(t *testing.T, rel string) string {
	t.Helper()
	return filepath.Join(RootPath(t), "samples", rel)
}

// ReadSample returns the raw bytes of a file under samples/.
func ReadSample(t *testing.T, rel string) []byte {
	t.Helper()
	data, err := os.ReadFile(SamplePath(t, rel))
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	return data
}

// LoadSamplePlan parses and normalizes an EXPLAIN document under samples/plans.
func LoadSamplePlan(t *testing.T, name string) model.Plan {
	t.Helper()
	f, err := os.Open(SamplePath(t, filepath.Join("plans", name)))
	if err != nil {
		t.Fatalf("open plan: %v", err)
	}
	defer func() { _ = f.Close() }()

	plan, err := parser.ParsePlan(f)
	if err != nil {
		t.Fatalf("parse plan: %v", err)
	}
	return plan
}
