package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects the encoding of a snapshot file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// TableStats holds the statistics recorded for one table.
type TableStats struct {
	Count   *int64                `json:"count,omitempty" yaml:"count,omitempty"`
	Indexes map[string]IndexStats `json:"indexes,omitempty" yaml:"indexes,omitempty"`
}

// IndexStats lists the columns of an index in key order.
type IndexStats struct {
	Unique  bool          `json:"unique,omitempty" yaml:"unique,omitempty"`
	Columns []ColumnStats `json:"columns" yaml:"columns"`
}

// ColumnStats records how many rows match one value of the key prefix ending at Column.
type ColumnStats struct {
	Column  string  `json:"column" yaml:"column"`
	RowsPer RowsPer `json:"rows_per" yaml:"rows_per"`
}

// RowsPer is either an absolute row count or a percentage of the table count.
type RowsPer struct {
	Value   float64
	Percent bool
}

// Rows resolves the value against the table count. Results are clamped to
// [0, math.MaxInt64]; NaN yields no answer.
func (r RowsPer) Rows(count *int64) (int64, bool) {
	if !r.Percent {
		return clampRows(math.Round(r.Value))
	}
	if count == nil {
		return 0, false
	}
	return clampRows(math.Ceil(float64(*count) * r.Value / 100))
}

// maxRows is 2^63, the first float64 past math.MaxInt64.
const maxRows = float64(1 << 63)

func clampRows(v float64) (int64, bool) {
	switch {
	case math.IsNaN(v):
		return 0, false
	case v <= 0:
		return 0, true
	case v >= maxRows:
		return math.MaxInt64, true
	default:
		return int64(v), true
	}
}

func (r RowsPer) String() string {
	s := strconv.FormatFloat(r.Value, 'f', -1, 64)
	if r.Percent {
		return s + "%"
	}
	return s
}

// MarshalJSON writes percentages as strings and counts as numbers.
func (r RowsPer) MarshalJSON() ([]byte, error) {
	if r.Percent {
		return json.Marshal(r.String())
	}
	return []byte(r.String()), nil
}

// UnmarshalJSON accepts 12, "12" or "5%".
func (r *RowsPer) UnmarshalJSON(data []byte) error {
	text := string(data)
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = unquoted
	}
	parsed, err := parseRowsPer(text)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// UnmarshalYAML accepts the same scalar forms as UnmarshalJSON.
func (r *RowsPer) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("stats: rows_per must be a scalar (line %d)", node.Line)
	}
	parsed, err := parseRowsPer(node.Value)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func parseRowsPer(text string) (RowsPer, error) {
	text = strings.TrimSpace(text)
	percent := strings.HasSuffix(text, "%")
	if percent {
		text = strings.TrimSpace(strings.TrimSuffix(text, "%"))
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return RowsPer{}, fmt.Errorf("stats: invalid rows_per %q: %w", text, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return RowsPer{}, fmt.Errorf("stats: rows_per %q is not finite", text)
	}
	if v < 0 {
		return RowsPer{}, fmt.Errorf("stats: negative rows_per %q", text)
	}
	if v >= maxRows {
		return RowsPer{}, fmt.Errorf("stats: rows_per %q exceeds the int64 range", text)
	}
	return RowsPer{Value: v, Percent: percent}, nil
}

// Snapshot is an immutable Source backed by an in-memory statistics map.
type Snapshot struct {
	tables map[string]TableStats
	fuzzed bool
}

var _ Source = (*Snapshot)(nil)

// NewSnapshot wraps tables. The map must not be modified afterwards.
func NewSnapshot(tables map[string]TableStats) *Snapshot {
	if tables == nil {
		tables = map[string]TableStats{}
	}
	return &Snapshot{tables: tables}
}

// NewFuzzedSnapshot wraps tables whose numbers came from probing a live database.
func NewFuzzedSnapshot(tables map[string]TableStats) *Snapshot {
	s := NewSnapshot(tables)
	s.fuzzed = true
	return s
}

// LoadSnapshot reads a snapshot file; the extension selects YAML or JSON.
// An empty path yields an empty snapshot.
func LoadSnapshot(path string) (*Snapshot, error) {
	if strings.TrimSpace(path) == "" {
		return NewSnapshot(nil), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("stats: open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	tables, err := Decode(f, formatFor(path))
	if err != nil {
		return nil, fmt.Errorf("stats: %s: %w", path, err)
	}
	return NewSnapshot(tables), nil
}

// LoadFuzzedSnapshot is LoadSnapshot for probe-derived statistics.
func LoadFuzzedSnapshot(path string) (*Snapshot, error) {
	s, err := LoadSnapshot(path)
	if err != nil {
		return nil, err
	}
	s.fuzzed = true
	return s, nil
}

// Decode parses a table statistics document.
func Decode(r io.Reader, format Format) (map[string]TableStats, error) {
	tables := map[string]TableStats{}
	switch format {
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&tables); err != nil && err != io.EOF {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	case FormatJSON:
		if err := json.NewDecoder(r).Decode(&tables); err != nil && err != io.EOF {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
	return tables, nil
}

func formatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Tables returns the table names known to the snapshot.
func (s *Snapshot) Tables() []string {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	return names
}

// TableCount implements Source. A negative count is treated as unknown.
func (s *Snapshot) TableCount(table string) (int64, bool) {
	t, ok := s.tables[table]
	if !ok || t.Count == nil || *t.Count < 0 {
		return 0, false
	}
	return *t.Count, true
}

// EstimateKey implements Source. The column at usedParts-1 supplies the
// estimate; usedParts of 0 or beyond the key width means the whole key.
func (s *Snapshot) EstimateKey(table, key string, usedParts int) (int64, bool) {
	t, ok := s.tables[table]
	if !ok {
		return 0, false
	}
	idx, ok := t.Indexes[key]
	if !ok || len(idx.Columns) == 0 {
		return 0, false
	}

	width := len(idx.Columns)
	if usedParts <= 0 || usedParts > width {
		usedParts = width
	}
	if idx.Unique && usedParts == width {
		return 1, true
	}
	return idx.Columns[usedParts-1].RowsPer.Rows(t.Count)
}

// IsFuzzed implements Source.
func (s *Snapshot) IsFuzzed(table string) bool {
	if !s.fuzzed {
		return false
	}
	_, ok := s.tables[table]
	return ok
}
