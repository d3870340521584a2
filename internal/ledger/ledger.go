// Package ledger validates and records status changes for transitionable subjects.
//
// The ledger touches only the subject's status and its own history. Publishing
// the resulting TransitionOccurred event is the caller's job.
package ledger

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rendis/chainops/internal/keylock"
	"github.com/rendis/chainops/internal/logging"
	"github.com/rendis/chainops/internal/metrics"
	"github.com/rendis/chainops/pkg/schema"
)

// Transitionable is the capability a subject type provides to the ledger.
type Transitionable interface {
	TypeName() string
	GetStatus(ctx context.Context, id string) (string, error)
	SetStatus(ctx context.Context, id, status string) error
}

// AtomicTransitioner is implemented by repositories that can update the status and
// append the record in one step, failing with CONCURRENT_MODIFICATION when the
// stored status no longer equals rec.FromStatus.
type AtomicTransitioner interface {
	ApplyTransition(ctx context.Context, rec *schema.TransitionRecord) error
}

// History is the append-only transition log.
type History interface {
	AppendTransition(ctx context.Context, rec *schema.TransitionRecord) error
	ListTransitions(ctx context.Context, ref schema.SubjectRef) ([]*schema.TransitionRecord, error)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger logger.
func WithLogger(l *slog.Logger) Option { return func(lg *Ledger) { lg.logger = l } }

// WithMetrics records accepted and rejected transitions.
func WithMetrics(m *metrics.Metrics) Option { return func(lg *Ledger) { lg.metrics = m } }

// WithRepository backs every subject type the rule table knows, and has no
// explicit registration, with repo.
func WithRepository(repo SubjectRepository) Option {
	return func(lg *Ledger) { lg.fallback = repo }
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option { return func(lg *Ledger) { lg.now = now } }

// Ledger is the Status Transition Ledger.
type Ledger struct {
	rules   *RuleTable
	history History
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	subjects map[string]Transitionable
	fallback SubjectRepository

	locks keylock.Map
}

// New creates a ledger over the given rule table and history log.
func New(rules *RuleTable, history History, opts ...Option) *Ledger {
	l := &Ledger{
		rules:    rules,
		history:  history,
		now:      func() time.Time { return time.Now().UTC() },
		subjects: make(map[string]Transitionable),
	}
	for _, o := range opts {
		o(l)
	}
	if l.logger == nil {
		l.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return l
}

// Register adds a subject type. Registering the same type twice replaces it.
func (l *Ledger) Register(t Transitionable) {
	l.mu.Lock()
	l.subjects[t.TypeName()] = t
	l.mu.Unlock()
}

// Rules returns the rule table the ledger consults.
func (l *Ledger) Rules() *RuleTable { return l.rules }

func (l *Ledger) subject(typeName string) (Transitionable, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if t, ok := l.subjects[typeName]; ok {
		return t, true
	}
	if l.fallback == nil {
		return nil, false
	}
	if _, ok := l.rules.Get(typeName); !ok {
		return nil, false
	}
	return NewRepositorySubjects(l.fallback, typeName), true
}

// Transition moves a subject to toStatus and returns the written record.
// Rule violations return INVALID_TRANSITION and leave the subject untouched.
// Transitions on one subject are serialized, so records are totally ordered by sequence.
func (l *Ledger) Transition(ctx context.Context, ref schema.SubjectRef, actorID, toStatus, comment string) (*schema.TransitionRecord, error) {
	ctx = logging.WithSubject(ctx, ref.String())
	log := logging.LogWith(ctx, l.logger)

	subj, ok := l.subject(ref.Type)
	if !ok {
		l.metrics.RecordTransitionRejected(ref.Type, schema.ReasonUnknownSubjectType)
		return nil, schema.NewInvalidTransition(schema.ReasonUnknownSubjectType, "", toStatus).
			WithDetails(map[string]any{"subject_type": ref.Type})
	}

	unlock := l.locks.Lock(ref.String())
	defer unlock()

	from, err := subj.GetStatus(ctx, ref.ID)
	if err != nil {
		return nil, err
	}

	if err := l.rules.Check(ref.Type, from, toStatus); err != nil {
		reason := ""
		if ce, ok := schema.AsError(err); ok {
			reason = ce.Detail("reason")
		}
		l.metrics.RecordTransitionRejected(ref.Type, reason)
		log.Debug("transition rejected", "from", from, "to", toStatus, "reason", reason)
		return nil, err
	}

	rec := &schema.TransitionRecord{
		SubjectType: ref.Type,
		SubjectID:   ref.ID,
		FromStatus:  from,
		ToStatus:    toStatus,
		ActorID:     actorID,
		Comment:     comment,
		OccurredAt:  l.now(),
	}

	if atomic, ok := subj.(AtomicTransitioner); ok {
		if err := atomic.ApplyTransition(ctx, rec); err != nil {
			return nil, err
		}
	} else if err := l.applyCompensating(ctx, subj, rec); err != nil {
		return nil, err
	}

	l.metrics.RecordTransition(ref.Type, toStatus)
	log.Info("status transitioned", "from", from, "to", toStatus, "sequence", rec.Sequence, "actor", actorID)
	return rec, nil
}

// applyCompensating sets the status, then appends the record. If the append
// fails the previous status is restored.
func (l *Ledger) applyCompensating(ctx context.Context, subj Transitionable, rec *schema.TransitionRecord) error {
	if err := subj.SetStatus(ctx, rec.SubjectID, rec.ToStatus); err != nil {
		return err
	}
	if err := l.history.AppendTransition(ctx, rec); err != nil {
		if restoreErr := subj.SetStatus(ctx, rec.SubjectID, rec.FromStatus); restoreErr != nil {
			l.logger.Error("restore status after failed append",
				"subject", rec.Subject().String(), "status", rec.FromStatus, "error", restoreErr)
		}
		return schema.NewErrorf(schema.ErrCodeStore, "append transition: %s", err.Error()).WithCause(err)
	}
	return nil
}

// History returns the subject's transition records in the order they were written.
func (l *Ledger) History(ctx context.Context, ref schema.SubjectRef) ([]*schema.TransitionRecord, error) {
	return l.history.ListTransitions(ctx, ref)
}

// Status returns the subject's current status.
func (l *Ledger) Status(ctx context.Context, ref schema.SubjectRef) (string, error) {
	subj, ok := l.subject(ref.Type)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "unknown subject type %q", ref.Type)
	}
	return subj.GetStatus(ctx, ref.ID)
}
