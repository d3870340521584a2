// Package trigger decides which chains a status transition should start.
package trigger

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/rendis/chainops/internal/expressions"
	"github.com/rendis/chainops/internal/logging"
	"github.com/rendis/chainops/internal/metrics"
	"github.com/rendis/chainops/internal/store"
	"github.com/rendis/chainops/pkg/schema"
)

// Source is the trigger persistence the matcher needs.
type Source interface {
	ListTriggers(ctx context.Context, filter store.TriggerFilter) ([]*schema.Trigger, error)
	MarkTriggerDispatched(ctx context.Context, id string, expectedCount int64, at time.Time) error
}

// Event is a transition as seen by the matcher.
type Event struct {
	EntityType string
	SubjectID  string
	FromStatus string
	ToStatus   string
	Subject    map[string]any
}

// EventFrom adapts a ledger transition.
func EventFrom(t schema.TransitionOccurred) Event {
	return Event{
		EntityType: t.SubjectType,
		SubjectID:  t.SubjectID,
		FromStatus: t.FromStatus,
		ToStatus:   t.ToStatus,
		Subject:    t.Snapshot,
	}
}

// Match is a trigger whose pattern and conditions hold for an event.
// Dispatchable is false while the trigger is inside its dedup window.
type Match struct {
	Trigger         *schema.Trigger
	Dispatchable    bool
	SuppressedUntil *time.Time
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithLogger sets the matcher logger.
func WithLogger(l *slog.Logger) Option { return func(m *Matcher) { m.logger = l } }

// WithMetrics records matches, dispatches and suppressions.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Matcher) { m.metrics = mt } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Matcher) { m.now = now } }

// MatcherConfig holds the matching policy.
type MatcherConfig struct {
	Guard            DedupGuard // cross-process claim on top of the stored last_triggered_at (nil = none)
	StrictConditions bool       // unrecognised condition kinds fail the trigger
}

// Matcher is the Trigger Matcher.
type Matcher struct {
	source  Source
	exprs   *expressions.ExprEngine
	guard   DedupGuard
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	strict  bool
}

// NewMatcher creates a matcher over source.
func NewMatcher(source Source, cfg MatcherConfig, opts ...Option) *Matcher {
	m := &Matcher{
		source: source,
		exprs:  expressions.NewExprEngine(),
		guard:  cfg.Guard,
		strict: cfg.StrictConditions,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return m
}

// FindMatches returns the enabled triggers matching ev, highest priority first.
// Equal priorities keep creation order, then id order.
func (m *Matcher) FindMatches(ctx context.Context, ev Event) ([]Match, error) {
	enabled := true
	candidates, err := m.source.ListTriggers(ctx, store.TriggerFilter{
		EntityType: ev.EntityType,
		Enabled:    &enabled,
	})
	if err != nil {
		return nil, err
	}

	log := logging.LogWith(ctx, m.logger)
	env := &Env{
		EntityType: ev.EntityType,
		Subject:    ev.Subject,
		Transition: map[string]any{"from": ev.FromStatus, "to": ev.ToStatus, "subject_id": ev.SubjectID},
		exprs:      m.exprs,
	}
	if env.Subject == nil {
		env.Subject = map[string]any{}
	}

	now := m.now()
	var matches []Match
	for _, t := range candidates {
		if !t.Enabled || t.EntityType != ev.EntityType || !t.MatchesStatus(ev.FromStatus, ev.ToStatus) {
			continue
		}
		ok, err := m.conditionsHold(ctx, log, t, env)
		if err != nil {
			log.Warn("trigger conditions not evaluable", "trigger_id", t.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		match := Match{Trigger: t, Dispatchable: true}
		if window := t.DedupWindow(); window > 0 && t.LastTriggeredAt != nil {
			until := t.LastTriggeredAt.Add(window)
			if now.Before(until) {
				match.Dispatchable = false
				match.SuppressedUntil = &until
				m.metrics.RecordTriggerSuppressed(t.ID)
			}
		}
		matches = append(matches, match)
		m.metrics.RecordTriggerMatch(t.ID)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i].Trigger, matches[j].Trigger
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return matches, nil
}

func (m *Matcher) conditionsHold(ctx context.Context, log *slog.Logger, t *schema.Trigger, env *Env) (bool, error) {
	conds, err := ParseConditions(t.Conditions)
	if err != nil {
		return false, err
	}
	for _, c := range conds {
		if u, ok := c.(Unsupported); ok {
			if m.strict {
				log.Warn("unsupported trigger condition rejected", "trigger_id", t.ID, "condition", u.Key)
				return false, nil
			}
			log.Warn("unsupported trigger condition treated as pass", "trigger_id", t.ID, "condition", u.Key)
			continue
		}
		ok, err := c.Eval(ctx, env)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// MarkDispatched records that t fired at at. It returns false when another
// dispatcher claimed the trigger first; the caller must then skip it.
func (m *Matcher) MarkDispatched(ctx context.Context, t *schema.Trigger, at time.Time) (bool, error) {
	window := t.DedupWindow()
	if m.guard != nil && window > 0 {
		claimed, err := m.guard.Claim(ctx, t.ID, window)
		if err != nil {
			return false, err
		}
		if !claimed {
			m.metrics.RecordTriggerSuppressed(t.ID)
			return false, nil
		}
	}

	err := m.source.MarkTriggerDispatched(ctx, t.ID, t.DispatchCount, at)
	if schema.IsCode(err, schema.ErrCodeConcurrentModification) {
		m.metrics.RecordTriggerSuppressed(t.ID)
		return false, nil
	}
	if err != nil {
		if m.guard != nil && window > 0 {
			_ = m.guard.Release(ctx, t.ID)
		}
		return false, err
	}

	t.LastTriggeredAt = &at
	t.DispatchCount++
	m.metrics.RecordTriggerDispatch(t.ID, t.ChainID)
	return true, nil
}

// Release undoes a dedup claim for a trigger whose dispatch could not start.
func (m *Matcher) Release(ctx context.Context, t *schema.Trigger) {
	if m.guard == nil {
		return
	}
	if err := m.guard.Release(ctx, t.ID); err != nil {
		logging.LogWith(ctx, m.logger).Warn("release dedup claim", "trigger_id", t.ID, "error", err)
	}
}
