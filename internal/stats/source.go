// Package stats answers cardinality questions from statistics snapshots.
package stats

// Source is a read-only view over one origin of table statistics.
// Lookups report false when the source has no data for the question.
type Source interface {
	EstimateKey(table, key string, usedParts int) (int64, bool)
	TableCount(table string) (int64, bool)
	IsFuzzed(table string) bool
}

// Resolver consults its sources in a fixed order: manual overrides, then the
// statistics dump, then statistics derived from probing a live database.
type Resolver struct {
	sources [3]Source
}

// NewResolver builds a resolver. A nil source never answers.
func NewResolver(manual, dump, fuzzed Source) *Resolver {
	return &Resolver{sources: [3]Source{manual, dump, fuzzed}}
}

// EstimateKey returns the first answer for rows examined through key.
func (r *Resolver) EstimateKey(table, key string, usedParts int) (int64, bool) {
	for _, src := range r.sources {
		if src == nil {
			continue
		}
		if rows, ok := src.EstimateKey(table, key, usedParts); ok {
			return rows, true
		}
	}
	return 0, false
}

// TableCount returns the first answer for the row count of table.
func (r *Resolver) TableCount(table string) (int64, bool) {
	for _, src := range r.sources {
		if src == nil {
			continue
		}
		if count, ok := src.TableCount(table); ok {
			return count, true
		}
	}
	return 0, false
}

// IsFuzzed reports whether the source that owns table's row count is probe-derived.
func (r *Resolver) IsFuzzed(table string) bool {
	for _, src := range r.sources {
		if src == nil {
			continue
		}
		if _, ok := src.TableCount(table); ok {
			return src.IsFuzzed(table)
		}
	}
	return false
}
