package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PlanStep captures one table access in a normalized MySQL execution plan.
type PlanStep struct {
	Table      string
	AccessType string
	Key        string
	// UsedKeyParts is the number of key columns the planner uses; 0 when not reported.
	UsedKeyParts int
	Rows         int64
	Filtered     float64
	// PossibleKeys is nil when the planner listed no candidates at all.
	PossibleKeys []string
	UsingIndex   bool
	// Message is set only for planner bypass steps that carry no table access.
	Message string
}

// Plan is the ordered sequence of access steps, in planner join order.
type Plan []PlanStep

// First returns the leading step, or false for an empty plan.
func (p Plan) First() (PlanStep, bool) {
	if len(p) == 0 {
		return PlanStep{}, false
	}
	return p[0], true
}

// CostEstimate is the result of estimating a single statement.
type CostEstimate struct {
	Cost      int64
	Messages  []string
	FirstStep PlanStep
}

// HasMessage reports whether the estimate carries the given diagnostic.
func (e *CostEstimate) HasMessage(msg string) bool {
	if e == nil {
		return false
	}
	for _, m := range e.Messages {
		if m == msg {
			return true
		}
	}
	return false
}

// LogLine formats the estimate the way the linter log expects it.
func (e *CostEstimate) LogLine() string {
	step := e.FirstStep
	return fmt.Sprintf("possible: '%s', rows: %d, filtered: %s, cost: %d,'%s'",
		strings.Join(step.PossibleKeys, ","),
		step.Rows,
		strconv.FormatFloat(step.Filtered, 'f', -1, 64),
		e.Cost,
		step.Message,
	)
}

type estimateJSON struct {
	Table        string   `json:"table,omitempty"`
	AccessType   string   `json:"access_type,omitempty"`
	Key          string   `json:"key,omitempty"`
	UsedKeyParts int      `json:"used_key_parts,omitempty"`
	Rows         int64    `json:"rows"`
	Filtered     float64  `json:"filtered,omitempty"`
	PossibleKeys []string `json:"possible_keys"`
	UsingIndex   bool     `json:"using_index,omitempty"`
	Message      string   `json:"message,omitempty"`
	Cost         int64    `json:"cost"`
	Messages     []string `json:"messages"`
}

// MarshalJSON flattens the first step next to the cost and messages.
func (e CostEstimate) MarshalJSON() ([]byte, error) {
	messages := e.Messages
	if messages == nil {
		messages = []string{}
	}
	return json.Marshal(estimateJSON{
		Table:        e.FirstStep.Table,
		AccessType:   e.FirstStep.AccessType,
		Key:          e.FirstStep.Key,
		UsedKeyParts: e.FirstStep.UsedKeyParts,
		Rows:         e.FirstStep.Rows,
		Filtered:     e.FirstStep.Filtered,
		PossibleKeys: e.FirstStep.PossibleKeys,
		UsingIndex:   e.FirstStep.UsingIndex,
		Message:      e.FirstStep.Message,
		Cost:         e.Cost,
		Messages:     messages,
	})
}

// UnmarshalJSON restores an estimate written by MarshalJSON.
func (e *CostEstimate) UnmarshalJSON(data []byte) error {
	var raw estimateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = CostEstimate{
		Cost:     raw.Cost,
		Messages: raw.Messages,
		FirstStep: PlanStep{
			Table:        raw.Table,
			AccessType:   raw.AccessType,
			Key:          raw.Key,
			UsedKeyParts: raw.UsedKeyParts,
			Rows:         raw.Rows,
			Filtered:     raw.Filtered,
			PossibleKeys: raw.PossibleKeys,
			UsingIndex:   raw.UsingIndex,
			Message:      raw.Message,
		},
	}
	return nil
}
