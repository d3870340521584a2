// Package dispatch turns ledger transitions into chain executions.
//
// A Dispatcher is the event sink for the Status Transition Ledger: every
// TransitionOccurred it receives is matched against the enabled triggers, each
// dispatchable trigger is claimed for its dedup window, and the chain it names
// is started for the subject that moved.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/rendis/chainops/internal/engine"
	"github.com/rendis/chainops/internal/keylock"
	"github.com/rendis/chainops/internal/ledger"
	"github.com/rendis/chainops/internal/logging"
	"github.com/rendis/chainops/internal/metrics"
	"github.com/rendis/chainops/internal/store"
	"github.com/rendis/chainops/internal/streaming"
	"github.com/rendis/chainops/internal/trigger"
	"github.com/rendis/chainops/pkg/schema"
)

// SubjectSource resolves the attributes of a subject for the dispatch snapshot.
type SubjectSource interface {
	GetSubject(ctx context.Context, ref schema.SubjectRef) (*store.Subject, error)
}

// Result is what a transition produced.
type Result struct {
	Record       *schema.TransitionRecord `json:"record"`
	ExecutionIDs []string                 `json:"execution_ids"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithMetrics records dispatch failures.
func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithHub publishes transition and dispatch events.
func WithHub(h streaming.EventHub) Option { return func(d *Dispatcher) { d.hub = h } }

// WithClock overrides time.Now for dispatch timestamps.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithRunPool drives started executions on p instead of inline.
func WithRunPool(p *engine.RunPool) Option { return func(d *Dispatcher) { d.pool = p } }

// Dispatcher connects the ledger, the trigger matcher and the engine.
type Dispatcher struct {
	ledger   *ledger.Ledger
	subjects SubjectSource
	matcher  *trigger.Matcher
	engine   *engine.Engine

	pool    *engine.RunPool
	hub     streaming.EventHub
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	locks keylock.Map
}

// New creates a dispatcher. subjects may be nil, in which case snapshots carry
// only the subject id and status.
func New(l *ledger.Ledger, subjects SubjectSource, m *trigger.Matcher, eng *engine.Engine, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ledger:   l,
		subjects: subjects,
		matcher:  m,
		engine:   eng,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return d
}

// Transition applies a status change through the ledger and dispatches the
// resulting event. A rejected transition returns the ledger's error and starts
// nothing. Dispatch failures are logged; the transition itself stays recorded.
// The subject stays locked from the ledger write through matching, so the
// matcher sees a subject's transitions in sequence order.
func (d *Dispatcher) Transition(ctx context.Context, ref schema.SubjectRef, actorID, toStatus, comment string) (*Result, error) {
	unlock := d.locks.Lock(ref.String())
	rec, err := d.ledger.Transition(ctx, ref, actorID, toStatus, comment)
	if err != nil {
		unlock()
		return nil, err
	}
	ev := schema.NewTransitionOccurred(rec, d.snapshot(ctx, ref, rec.ToStatus))
	d.publish(ctx, streaming.StreamEvent{
		Subject:   ref.String(),
		EventType: schema.EventTransitionOccurred,
		Sequence:  rec.Sequence,
		Payload:   ev,
		Timestamp: rec.OccurredAt,
	})
	started, err := d.handle(ctx, ev)
	unlock()

	if err != nil {
		logging.LogWith(logging.WithSubject(ctx, ref.String()), d.logger).
			Error("dispatch after transition", slog.String("error", err.Error()))
	}
	return &Result{Record: rec, ExecutionIDs: d.runAll(ctx, ref, started)}, nil
}

// snapshot is the subject as triggers and chains see it: its attributes plus
// id and status.
func (d *Dispatcher) snapshot(ctx context.Context, ref schema.SubjectRef, status string) map[string]any {
	snap := map[string]any{}
	if d.subjects != nil {
		sub, err := d.subjects.GetSubject(ctx, ref)
		switch {
		case err == nil:
			for k, v := range sub.Attributes {
				snap[k] = v
			}
		case !schema.IsCode(err, schema.ErrCodeNotFound):
			d.logger.Warn("subject snapshot unavailable", slog.String("subject", ref.String()), slog.String("error", err.Error()))
		}
	}
	snap["id"] = ref.ID
	snap["status"] = status
	return snap
}

// HandleTransition starts one execution per dispatchable matching trigger and
// returns their IDs in priority order. Events for the same subject are handled
// one at a time. Triggers inside their dedup window, or claimed by another
// dispatcher, start nothing.
func (d *Dispatcher) HandleTransition(ctx context.Context, ev schema.TransitionOccurred) ([]string, error) {
	ref := ev.Subject()
	unlock := d.locks.Lock(ref.String())
	started, err := d.handle(ctx, ev)
	unlock()
	return d.runAll(ctx, ref, started), err
}

// handle matches ev and creates its executions. The caller holds the subject lock.
func (d *Dispatcher) handle(ctx context.Context, ev schema.TransitionOccurred) ([]*schema.ChainExecution, error) {
	ref := ev.Subject()
	ctx = logging.WithSubject(ctx, ref.String())
	log := logging.LogWith(ctx, d.logger)
	ctx, span := metrics.StartSpan(ctx, "chainops.dispatch", metrics.AttrSubject.String(ref.String()))
	started, err := d.dispatch(ctx, log, ev)
	metrics.EndSpanWithError(span, err)
	return started, err
}

func (d *Dispatcher) runAll(ctx context.Context, ref schema.SubjectRef, started []*schema.ChainExecution) []string {
	ctx = logging.WithSubject(ctx, ref.String())
	ids := make([]string, 0, len(started))
	for _, exec := range started {
		ids = append(ids, exec.ID)
		d.run(ctx, exec.ID)
	}
	return ids
}

func (d *Dispatcher) dispatch(ctx context.Context, log *slog.Logger, ev schema.TransitionOccurred) ([]*schema.ChainExecution, error) {
	ref := ev.Subject()
	matches, err := d.matcher.FindMatches(ctx, trigger.EventFrom(ev))
	if err != nil {
		return nil, err
	}

	var (
		started []*schema.ChainExecution
		errs    []error
	)
	for _, m := range matches {
		t := m.Trigger
		if !m.Dispatchable {
			log.Debug("trigger inside dedup window", slog.String("trigger_id", t.ID))
			d.publish(ctx, streaming.StreamEvent{
				Subject:   ref.String(),
				EventType: schema.EventTriggerSuppressed,
				Payload:   map[string]any{"trigger_id": t.ID, "suppressed_until": m.SuppressedUntil},
				Timestamp: d.now(),
			})
			continue
		}

		claimed, err := d.matcher.MarkDispatched(ctx, t, d.now())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !claimed {
			log.Debug("trigger claimed elsewhere", slog.String("trigger_id", t.ID))
			continue
		}

		exec, err := d.engine.Create(ctx, engine.StartRequest{
			ChainID:   t.ChainID,
			Subject:   ref,
			TriggerID: t.ID,
			Context:   seedContext(ev),
		})
		if err != nil {
			d.matcher.Release(ctx, t)
			log.Warn("execution not created",
				slog.String("trigger_id", t.ID), slog.String("chain_id", t.ChainID), slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		started = append(started, exec)
		d.publish(ctx, streaming.StreamEvent{
			ExecutionID: exec.ID,
			Subject:     ref.String(),
			EventType:   schema.EventTriggerDispatched,
			Payload:     map[string]any{"trigger_id": t.ID, "chain_id": t.ChainID},
			Timestamp:   d.now(),
		})
		log.Info("trigger dispatched",
			slog.String("trigger_id", t.ID), slog.String("chain_id", t.ChainID), slog.String("execution_id", exec.ID))
	}
	return started, errors.Join(errs...)
}

// seedContext is the initial accumulated context of a dispatched execution.
func seedContext(ev schema.TransitionOccurred) map[string]any {
	snap := make(map[string]any, len(ev.Snapshot))
	for k, v := range ev.Snapshot {
		snap[k] = v
	}
	return map[string]any{
		ev.SubjectType: snap,
		"transition": map[string]any{
			"from_status": ev.FromStatus,
			"to_status":   ev.ToStatus,
			"actor_id":    ev.ActorID,
			"sequence":    ev.Sequence,
			"occurred_at": ev.OccurredAt.Format(time.RFC3339Nano),
		},
	}
}

// run drives a created execution on the pool, or inline without one.
func (d *Dispatcher) run(ctx context.Context, id string) {
	log := logging.LogWith(logging.WithExecutionID(ctx, id), d.logger)
	if d.pool == nil {
		if _, err := d.engine.Run(ctx, id); err != nil {
			log.Warn("execution run interrupted", slog.String("error", err.Error()))
		}
		return
	}
	err := d.pool.Submit(ctx, "execution:"+id, func(ctx context.Context) error {
		_, err := d.engine.Run(ctx, id)
		return err
	})
	if err != nil {
		// Left Pending; the recovery sweeper picks it up.
		log.Warn("execution not scheduled", slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) publish(ctx context.Context, ev streaming.StreamEvent) {
	if d.hub == nil {
		return
	}
	if err := d.hub.Publish(ctx, ev); err != nil {
		d.logger.Warn("publish event", slog.String("event_type", ev.EventType), slog.String("error", err.Error()))
	}
}
