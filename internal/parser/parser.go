package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/mickamy/rowcost/internal/model"
)

// ErrUnsupportedPlan marks EXPLAIN shapes the normalizer does not know how to flatten.
var ErrUnsupportedPlan = errors.New("explain json: unsupported plan shape")

// ParsePlan reads a MySQL EXPLAIN FORMAT=JSON document and normalizes it into access steps.
func ParsePlan(r io.Reader) (model.Plan, error) {
	block, err := ParseJSON(r)
	if err != nil {
		return nil, err
	}
	return Normalize(block)
}

// ParseJSON decodes the EXPLAIN document and returns its query block.
func ParseJSON(r io.Reader) (map[string]any, error) {
	decoder := json.NewDecoder(r)
	decoder.UseNumber()

	var payload any
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode explain json: %w", err)
	}

	entry, err := pickFirstEntry(payload)
	if err != nil {
		return nil, err
	}

	blockVal, ok := entry["query_block"]
	if !ok {
		return entry, nil
	}
	block, err := asObject(blockVal)
	if err != nil {
		return nil, fmt.Errorf("explain json: invalid query_block: %w", err)
	}
	return block, nil
}

// Normalize flattens a query block into planner-ordered access steps.
func Normalize(block map[string]any) (model.Plan, error) {
	if block == nil {
		return nil, fmt.Errorf("%w: nil query block", ErrUnsupportedPlan)
	}

	if v, ok := block["ordering_operation"]; ok {
		child, err := asObject(v)
		if err != nil {
			return nil, fmt.Errorf("explain json: invalid ordering_operation: %w", err)
		}
		return Normalize(child)
	}
	if v, ok := block["duplicates_removal"]; ok {
		child, err := asObject(v)
		if err != nil {
			return nil, fmt.Errorf("explain json: invalid duplicates_removal: %w", err)
		}
		return Normalize(child)
	}

	_, hasLoop := block["nested_loop"]
	tableVal, hasTable := block["table"]

	if !hasLoop && !hasTable {
		msg, ok := block["message"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: keys %s", ErrUnsupportedPlan, strings.Join(sortedKeys(block), ", "))
		}
		return model.Plan{{Message: msg}}, nil
	}

	var entries []any
	if hasLoop {
		entries = asSlice(block["nested_loop"])
		if len(entries) == 0 {
			return nil, fmt.Errorf("%w: empty nested_loop", ErrUnsupportedPlan)
		}
	} else {
		entries = []any{map[string]any{"table": tableVal}}
	}

	plan := make(model.Plan, 0, len(entries))
	for i, entryVal := range entries {
		entry, err := asObject(entryVal)
		if err != nil {
			return nil, fmt.Errorf("explain json: invalid nested_loop entry %d: %w", i, err)
		}
		tableObj, ok := entry["table"]
		if !ok {
			return nil, fmt.Errorf("%w: nested_loop entry %d has keys %s", ErrUnsupportedPlan, i, strings.Join(sortedKeys(entry), ", "))
		}
		table, err := asObject(tableObj)
		if err != nil {
			return nil, fmt.Errorf("explain json: invalid table entry %d: %w", i, err)
		}
		plan = append(plan, parseTable(table))
	}
	return plan, nil
}

func parseTable(data map[string]any) model.PlanStep {
	step := model.PlanStep{
		Table:      asString(data["table_name"]),
		AccessType: asString(data["access_type"]),
		Key:        asString(data["key"]),
		Rows:       asInt64(data["rows_examined_per_scan"]),
		Filtered:   asFloat(data["filtered"]),
		UsingIndex: asBool(data["using_index"]),
	}

	switch parts := data["used_key_parts"].(type) {
	case []any:
		step.UsedKeyParts = len(parts)
	case nil:
	default:
		step.UsedKeyParts = int(asInt64(parts))
	}

	if raw, ok := data["possible_keys"]; ok && raw != nil {
		keys := asStringSlice(raw)
		if keys == nil {
			keys = []string{}
		}
		if !(len(keys) == 1 && keys[0] == step.Key) {
			step.PossibleKeys = keys
		}
	}

	return step
}

func pickFirstEntry(payload any) (map[string]any, error) {
	switch v := payload.(type) {
	case []any:
		if len(v) == 0 {
			return nil, errors.New("explain json: empty payload")
		}
		obj, err := asObject(v[0])
		if err != nil {
			return nil, fmt.Errorf("explain json: invalid entry: %w", err)
		}
		return obj, nil
	case map[string]any:
		return v, nil
	default:
		return nil, fmt.Errorf("explain json: unexpected top-level type %T", payload)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func asObject(val any) (map[string]any, error) {
	if val == nil {
		return nil, errors.New("nil object")
	}
	obj, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected object, got %T", val)
	}
	return obj, nil
}

func asSlice(val any) []any {
	if val == nil {
		return nil
	}
	switch v := val.(type) {
	case []any:
		return v
	default:
		return nil
	}
}

func asString(val any) string {
	if val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func asBool(val any) bool {
	switch v := val.(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		return err == nil && b
	default:
		return false
	}
}

func asStringSlice(val any) []string {
	if val == nil {
		return nil
	}
	switch v := val.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, asString(item))
		}
		return out
	case []string:
		return append([]string(nil), v...)
	case string:
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
		return out
	default:
		return nil
	}
}

func asFloat(val any) float64 {
	if val == nil {
		return 0
	}
	switch v := val.(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		return f
	case string:
		if v == "" {
			return 0
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func asInt64(val any) int64 {
	if val == nil {
		return 0
	}
	switch v := val.(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	case json.Number:
		i, err := v.Int64()
		if err == nil {
			return i
		}
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		return int64(math.Round(f))
	case string:
		if v == "" {
			return 0
		}
		if strings.ContainsRune(v, '.') {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return 0
			}
			return int64(math.Round(f))
		}
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}
