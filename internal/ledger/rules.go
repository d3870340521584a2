package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/chainops/pkg/schema"
)

// RuleSource lists persisted rule sets.
type RuleSource interface {
	ListRuleSets(ctx context.Context) ([]*schema.TransitionRuleSet, error)
}

// RuleTable holds one TransitionRuleSet per subject type. It is read-mostly:
// lookups take a read lock and callers always receive copies.
type RuleTable struct {
	mu   sync.RWMutex
	sets map[string]*schema.TransitionRuleSet
}

// NewRuleTable builds a table from the given rule sets, validating each.
func NewRuleTable(sets ...*schema.TransitionRuleSet) (*RuleTable, error) {
	t := &RuleTable{sets: make(map[string]*schema.TransitionRuleSet, len(sets))}
	for _, rs := range sets {
		if err := t.Set(rs); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// DefaultRuleSets returns the built-in rule sets for tasks and work orders.
func DefaultRuleSets() []*schema.TransitionRuleSet {
	return []*schema.TransitionRuleSet{
		{
			SubjectType:   schema.SubjectTask,
			InitialStatus: "todo",
			Transitions: map[string][]string{
				"todo":        {"in_progress", "blocked", "cancelled"},
				"in_progress": {"todo", "blocked", "in_review", "done", "cancelled"},
				"blocked":     {"todo", "in_progress", "cancelled"},
				"in_review":   {"in_progress", "done"},
				"done":        {},
				"cancelled":   {},
			},
		},
		{
			SubjectType:   schema.SubjectWorkOrder,
			InitialStatus: "draft",
			Transitions: map[string][]string{
				"draft":     {"active", "cancelled"},
				"active":    {"draft", "blocked", "on_hold", "done", "cancelled"},
				"blocked":   {"active", "cancelled"},
				"on_hold":   {"active", "cancelled"},
				"done":      {},
				"cancelled": {},
			},
		},
	}
}

// MustDefault returns a table holding DefaultRuleSets.
func MustDefault() *RuleTable {
	t, err := NewRuleTable(DefaultRuleSets()...)
	if err != nil {
		panic(err)
	}
	return t
}

// Set validates and installs a rule set, replacing any previous one for the type.
func (t *RuleTable) Set(rs *schema.TransitionRuleSet) error {
	if rs == nil {
		return schema.NewError(schema.ErrCodeValidation, "rule set is nil")
	}
	if err := rs.Validate(); err != nil {
		return err
	}
	cp := rs.Clone()
	t.mu.Lock()
	if t.sets == nil {
		t.sets = make(map[string]*schema.TransitionRuleSet)
	}
	t.sets[cp.SubjectType] = cp
	t.mu.Unlock()
	return nil
}

// Load installs every rule set from src. Types missing from src keep their current rules.
func (t *RuleTable) Load(ctx context.Context, src RuleSource) (int, error) {
	sets, err := src.ListRuleSets(ctx)
	if err != nil {
		return 0, err
	}
	for _, rs := range sets {
		if err := t.Set(rs); err != nil {
			return 0, err
		}
	}
	return len(sets), nil
}

// Get returns a copy of the rule set for the subject type.
func (t *RuleTable) Get(subjectType string) (*schema.TransitionRuleSet, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rs, ok := t.sets[subjectType]
	if !ok {
		return nil, false
	}
	return rs.Clone(), true
}

// Types returns the subject types with a rule set, sorted.
func (t *RuleTable) Types() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.sets))
	for k := range t.sets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Allowed returns the statuses reachable from the given status.
func (t *RuleTable) Allowed(subjectType, from string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rs, ok := t.sets[subjectType]
	if !ok {
		return nil
	}
	return append([]string(nil), rs.Transitions[from]...)
}

// IsTerminal reports whether status has no outgoing transitions for the type.
func (t *RuleTable) IsTerminal(subjectType, status string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rs, ok := t.sets[subjectType]
	return ok && rs.IsTerminal(status)
}

// Check returns nil if from -> to is legal for the subject type, otherwise an
// INVALID_TRANSITION error whose reason tells why.
func (t *RuleTable) Check(subjectType, from, to string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rs, ok := t.sets[subjectType]
	switch {
	case !ok:
		return schema.NewInvalidTransition(schema.ReasonUnknownSubjectType, from, to).
			WithDetails(map[string]any{"subject_type": subjectType})
	case !rs.Known(from) || !rs.Known(to):
		return schema.NewInvalidTransition(schema.ReasonUnknownStatus, from, to)
	case rs.IsTerminal(from):
		return schema.NewInvalidTransition(schema.ReasonTerminalStatus, from, to)
	case !rs.Allows(from, to):
		return schema.NewInvalidTransition(schema.ReasonNotAllowed, from, to).
			WithDetails(map[string]any{"allowed": append([]string(nil), rs.Transitions[from]...)})
	}
	return nil
}
