package schema

import (
	"encoding/json"
	"strconv"
	"time"
)

// Trigger condition kinds.
const (
	ConditionDedupWindow = "dedup_window_minutes"
	ConditionMinBudget   = "min_budget"
	ConditionMaxBudget   = "max_budget"
	ConditionHasTags     = "has_tags"
	ConditionRequireTags = "required_tags"
	ConditionFieldEquals = "field_equals"
	ConditionExpression  = "expression"
)

// Trigger maps a status transition (plus predicates) to a chain to start.
// A nil StatusFrom or StatusTo matches any status.
type Trigger struct {
	ID              string         `json:"id"`
	Name            string         `json:"name,omitempty"`
	EntityType      string         `json:"entity_type"`
	StatusFrom      *string        `json:"status_from"`
	StatusTo        *string        `json:"status_to"`
	ChainID         string         `json:"chain_id"`
	Conditions      map[string]any `json:"conditions,omitempty"`
	Enabled         bool           `json:"enabled"`
	Priority        int            `json:"priority"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at,omitempty"`
	DispatchCount   int64          `json:"dispatch_count"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// MatchesStatus applies the wildcard status pattern.
func (t *Trigger) MatchesStatus(from, to string) bool {
	if t.StatusFrom != nil && *t.StatusFrom != from {
		return false
	}
	if t.StatusTo != nil && *t.StatusTo != to {
		return false
	}
	return true
}

// DedupWindow returns the configured deduplication window, or 0 when unset.
func (t *Trigger) DedupWindow() time.Duration {
	v, ok := t.Conditions[ConditionDedupWindow]
	if !ok {
		return 0
	}
	minutes, ok := ToFloat(v)
	if !ok || minutes <= 0 {
		return 0
	}
	return time.Duration(minutes * float64(time.Minute))
}

// ToFloat converts loosely-typed numeric values (JSON, YAML or Go natives) to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// StrPtr returns a pointer to s. Handy for trigger status patterns.
func StrPtr(s string) *string {
	return &s
}
