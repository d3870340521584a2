package schema

import (
	"fmt"
	"sort"
	"time"
)

// Subject types shipped with the default rule sets.
const (
	SubjectTask      = "task"
	SubjectWorkOrder = "work_order"
)

// SubjectRef identifies a transitionable entity.
type SubjectRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r SubjectRef) String() string {
	return r.Type + "/" + r.ID
}

// TransitionRecord is an immutable fact written by the ledger on a successful transition.
type TransitionRecord struct {
	ID          int64     `json:"id"`
	SubjectType string    `json:"subject_type"`
	SubjectID   string    `json:"subject_id"`
	Sequence    int64     `json:"sequence"`
	FromStatus  string    `json:"from_status"`
	ToStatus    string    `json:"to_status"`
	ActorID     string    `json:"actor_id,omitempty"`
	Comment     string    `json:"comment,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Subject returns the reference of the subject this record belongs to.
func (r *TransitionRecord) Subject() SubjectRef {
	return SubjectRef{Type: r.SubjectType, ID: r.SubjectID}
}

// TransitionOccurred is the event handed to the event sink after a transition.
// Snapshot carries the subject's attributes at the time of the transition.
type TransitionOccurred struct {
	SubjectType string         `json:"subject_type"`
	SubjectID   string         `json:"subject_id"`
	FromStatus  string         `json:"from_status"`
	ToStatus    string         `json:"to_status"`
	ActorID     string         `json:"actor_id,omitempty"`
	Sequence    int64          `json:"sequence"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Snapshot    map[string]any `json:"snapshot,omitempty"`
}

// Subject returns the reference of the subject that transitioned.
func (e TransitionOccurred) Subject() SubjectRef {
	return SubjectRef{Type: e.SubjectType, ID: e.SubjectID}
}

// NewTransitionOccurred builds the event for a freshly written record.
func NewTransitionOccurred(rec *TransitionRecord, snapshot map[string]any) TransitionOccurred {
	return TransitionOccurred{
		SubjectType: rec.SubjectType,
		SubjectID:   rec.SubjectID,
		FromStatus:  rec.FromStatus,
		ToStatus:    rec.ToStatus,
		ActorID:     rec.ActorID,
		Sequence:    rec.Sequence,
		OccurredAt:  rec.OccurredAt,
		Snapshot:    snapshot,
	}
}

// TransitionRuleSet maps each status of a subject type to the statuses reachable from it.
// A status with an empty target list is terminal.
type TransitionRuleSet struct {
	SubjectType   string              `json:"subject_type"`
	InitialStatus string              `json:"initial_status,omitempty"`
	Transitions   map[string][]string `json:"transitions"`
	UpdatedAt     time.Time           `json:"updated_at,omitempty"`
}

// Validate checks that every reachable status is declared as a key.
func (rs *TransitionRuleSet) Validate() error {
	if rs.SubjectType == "" {
		return NewError(ErrCodeValidation, "rule set subject_type is required")
	}
	if len(rs.Transitions) == 0 {
		return NewErrorf(ErrCodeValidation, "rule set %q has no statuses", rs.SubjectType)
	}
	var missing []string
	for from, targets := range rs.Transitions {
		for _, to := range targets {
			if _, ok := rs.Transitions[to]; !ok {
				missing = append(missing, fmt.Sprintf("%s->%s", from, to))
			}
		}
	}
	if rs.InitialStatus != "" {
		if _, ok := rs.Transitions[rs.InitialStatus]; !ok {
			missing = append(missing, "initial:"+rs.InitialStatus)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return NewErrorf(ErrCodeValidation,
			"rule set %q references undeclared statuses", rs.SubjectType).
			WithDetails(map[string]any{"undeclared": missing})
	}
	return nil
}

// Known reports whether the status is declared in the rule set.
func (rs *TransitionRuleSet) Known(status string) bool {
	_, ok := rs.Transitions[status]
	return ok
}

// Allows reports whether from -> to is a legal transition.
func (rs *TransitionRuleSet) Allows(from, to string) bool {
	for _, s := range rs.Transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is declared with no outgoing transitions.
func (rs *TransitionRuleSet) IsTerminal(status string) bool {
	targets, ok := rs.Transitions[status]
	return ok && len(targets) == 0
}

// Statuses returns the declared statuses, sorted.
func (rs *TransitionRuleSet) Statuses() []string {
	out := make([]string, 0, len(rs.Transitions))
	for s := range rs.Transitions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy.
func (rs *TransitionRuleSet) Clone() *TransitionRuleSet {
	cp := &TransitionRuleSet{
		SubjectType:   rs.SubjectType,
		InitialStatus: rs.InitialStatus,
		Transitions:   make(map[string][]string, len(rs.Transitions)),
		UpdatedAt:     rs.UpdatedAt,
	}
	for k, v := range rs.Transitions {
		cp.Transitions[k] = append([]string(nil), v...)
	}
	return cp
}
