// Package engine drives chain executions: an ordered list of agent steps run
// against a triggering subject, with approval pauses and operator controls.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chainops/internal/expressions"
	"github.com/rendis/chainops/internal/gate"
	"github.com/rendis/chainops/internal/keylock"
	"github.com/rendis/chainops/internal/metrics"
	"github.com/rendis/chainops/internal/stepexec"
	"github.com/rendis/chainops/internal/store"
	"github.com/rendis/chainops/internal/streaming"
	"github.com/rendis/chainops/pkg/schema"
)

// StepExecutor invokes the agent behind a step. *stepexec.Registry satisfies it.
type StepExecutor interface {
	Execute(ctx context.Context, in stepexec.Input) (*stepexec.Output, error)
}

// StartRequest describes a new execution.
type StartRequest struct {
	ChainID string `json:"chain_id"`
	// ChainVersion pins a specific definition version; zero means latest.
	ChainVersion int               `json:"chain_version,omitempty"`
	Subject      schema.SubjectRef `json:"subject"`
	TriggerID    string            `json:"trigger_id,omitempty"`
	Context      map[string]any    `json:"context,omitempty"`
}

// StepView is a step record with its derived duration.
type StepView struct {
	*schema.ChainExecutionStep
	DurationMs int64 `json:"duration_ms"`
}

// Snapshot is the query view of an execution.
type Snapshot struct {
	Execution *schema.ChainExecution `json:"execution"`
	Steps     []StepView             `json:"steps"`
	Events    []*store.Event         `json:"events,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics records execution and step metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithHub publishes execution events to live subscribers.
func WithHub(h streaming.EventHub) Option { return func(e *Engine) { e.hub = h } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// Config holds the engine tunables. Zero fields take their defaults.
type Config struct {
	// Pool drives executions asynchronously. Without it Start, Resume, Rerun
	// and Recover run the execution to its next rest point before returning.
	Pool           *RunPool
	StepTimeout    time.Duration         // bound for steps without their own timeout
	CircuitBreaker *CircuitBreakerConfig // per-agent breaker (nil = defaults)
	Backoff        BackoffPolicy         // conflict retry policy (zero = defaults)
}

// Engine is the Chain Execution Engine.
type Engine struct {
	store    store.Store
	executor StepExecutor
	gates    *gate.Service

	cel *expressions.CELEngine
	jq  *expressions.GoJQEngine

	execFSM  *ExecutionFSM
	stepFSM  *StepFSM
	breakers *CircuitBreakerRegistry
	pool     *RunPool
	backoff  BackoffPolicy

	locks    keylock.Map
	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	hub         streaming.EventHub
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
	stepTimeout time.Duration
}

// New creates an engine. gates may be nil, in which case approval pauses are
// recorded on the execution without a gate record.
func New(s store.Store, executor StepExecutor, gates *gate.Service, cfg Config, opts ...Option) (*Engine, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		store:       s,
		executor:    executor,
		gates:       gates,
		cel:         cel,
		jq:          expressions.NewGoJQEngine(),
		pool:        cfg.Pool,
		stepTimeout: cfg.StepTimeout,
		backoff:     cfg.Backoff,
		inflight:    make(map[string]context.CancelFunc),
		now:         func() time.Time { return time.Now().UTC() },
	}
	if e.backoff.MaxAttempts == 0 {
		e.backoff = DefaultBackoffPolicy()
	}
	breakerCfg := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		breakerCfg = *cfg.CircuitBreaker
	}
	e.breakers = NewCircuitBreakerRegistry(breakerCfg)
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	sink := &eventSink{store: s, hub: e.hub, logger: e.logger}
	e.execFSM = NewExecutionFSM(sink)
	e.stepFSM = NewStepFSM(sink)
	for from, targets := range ValidExecutionTransitions {
		for _, to := range targets {
			if to.IsTerminal() {
				e.execFSM.OnAfter(from, to, e.recordFinished)
			}
		}
	}
	return e, nil
}

func (e *Engine) recordFinished(ctx context.Context, executionID, _, to string) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return
	}
	e.metrics.RecordExecutionFinished(exec.ChainID, to)
}

// Breakers exposes the per-agent circuit breakers.
func (e *Engine) Breakers() *CircuitBreakerRegistry { return e.breakers }

// InFlight reports whether this process is currently advancing the execution.
func (e *Engine) InFlight(id string) bool { return e.locks.Held(id) }

// Create snapshots the chain definition into a new Pending execution.
func (e *Engine) Create(ctx context.Context, req StartRequest) (*schema.ChainExecution, error) {
	if req.ChainID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "chain_id is required")
	}
	def, err := e.store.GetChain(ctx, req.ChainID)
	if err != nil {
		return nil, err
	}
	if !def.Enabled {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "chain %q is disabled", def.ID)
	}
	if req.ChainVersion > 0 && req.ChainVersion != def.Version {
		if def, err = e.store.GetChainVersion(ctx, req.ChainID, req.ChainVersion); err != nil {
			return nil, err
		}
	}
	frozen, err := def.Clone()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "snapshot chain %s: %s", def.ID, err.Error()).WithCause(err)
	}

	now := e.now()
	exec := &schema.ChainExecution{
		ID:             uuid.NewString(),
		ChainID:        def.ID,
		ChainName:      def.Name,
		ChainVersion:   def.Version,
		Steps:          frozen.Steps,
		Status:         schema.ExecutionPending,
		Context:        expressions.DeepCopy(req.Context),
		TriggerSubject: req.Subject,
		TriggerID:      req.TriggerID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if exec.Context == nil {
		exec.Context = map[string]any{}
	}
	if exec.Steps == nil {
		exec.Steps = []schema.StepSpec{}
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create execution: %s", err.Error()).WithCause(err)
	}
	e.appendEvent(ctx, exec.ID, nil, schema.EventExecutionCreated, "", map[string]any{
		"chain_id":      exec.ChainID,
		"chain_version": exec.ChainVersion,
		"subject":       exec.TriggerSubject.String(),
		"trigger_id":    exec.TriggerID,
	})
	e.metrics.RecordExecutionStarted(exec.ChainID)
	e.logger.Info("execution created",
		slog.String("execution_id", exec.ID),
		slog.String("chain_id", exec.ChainID),
		slog.Int("chain_version", exec.ChainVersion),
		slog.String("subject", exec.TriggerSubject.String()),
	)
	return exec, nil
}

// Start creates an execution and immediately drives it.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*schema.ChainExecution, error) {
	exec, err := e.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.drive(ctx, exec)
}

// Run advances the execution until it is no longer Running.
func (e *Engine) Run(ctx context.Context, id string) (*schema.ChainExecution, error) {
	defer e.metrics.TrackActive()()
	for {
		exec, err := e.Advance(ctx, id)
		if err != nil {
			return exec, err
		}
		if exec.Status != schema.ExecutionRunning {
			return exec, nil
		}
		if err := ctx.Err(); err != nil {
			return exec, err
		}
	}
}

// drive runs the execution inline or hands it to the pool.
func (e *Engine) drive(ctx context.Context, exec *schema.ChainExecution) (*schema.ChainExecution, error) {
	if e.pool == nil {
		return e.Run(ctx, exec.ID)
	}
	id := exec.ID
	err := e.pool.Submit(ctx, "execution:"+id, func(ctx context.Context) error {
		_, err := e.Run(ctx, id)
		return err
	})
	if err != nil {
		return exec, schema.NewErrorf(schema.ErrCodeConflict, "schedule execution %s: %s", id, err.Error()).WithCause(err)
	}
	return exec, nil
}

// Get returns an execution with its ordered step records and event log.
func (e *Engine) Get(ctx context.Context, id string) (*Snapshot, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListExecutionSteps(ctx, id)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list steps: %s", err.Error()).WithCause(err)
	}
	events, err := e.store.GetEvents(ctx, id, 0)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list events: %s", err.Error()).WithCause(err)
	}
	snap := &Snapshot{Execution: exec, Steps: make([]StepView, 0, len(steps)), Events: events}
	for _, st := range steps {
		snap.Steps = append(snap.Steps, StepView{ChainExecutionStep: st, DurationMs: st.Duration().Milliseconds()})
	}
	return snap, nil
}

// List returns executions matching the filter.
func (e *Engine) List(ctx context.Context, filter store.ExecutionFilter) ([]*schema.ChainExecution, error) {
	return e.store.ListExecutions(ctx, filter)
}

var (
	// errAbandon stops a mutation because the execution reached a terminal state.
	errAbandon = errors.New("execution finished")
	// errStale stops a mutation because another advance already moved the index.
	errStale = errors.New("step index moved")
)

// mutate reloads the execution, applies fn and saves with optimistic
// versioning, retrying version conflicts with backoff. fn must be free of side
// effects because it may run several times.
func (e *Engine) mutate(ctx context.Context, id string, fn func(exec *schema.ChainExecution) error) (*schema.ChainExecution, error) {
	for attempt := 0; ; attempt++ {
		exec, err := e.store.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(exec); err != nil {
			return exec, err
		}
		err = e.store.SaveExecution(ctx, exec)
		if err == nil {
			return exec, nil
		}
		if !IsConflict(err) || attempt+1 >= e.backoff.MaxAttempts {
			return nil, err
		}
		e.metrics.RecordConflictRetry()
		e.logger.Debug("execution save conflict, retrying",
			slog.String("execution_id", id), slog.Int("attempt", attempt+1))
		if werr := WaitForBackoff(ctx, e.backoff.Delay(attempt)); werr != nil {
			return nil, werr
		}
	}
}

// transitioned emits the execution event for a saved status change.
func (e *Engine) transitioned(ctx context.Context, id string, from, to schema.ExecutionStatus, payload any) {
	if from == to {
		return
	}
	if err := e.execFSM.Transition(ctx, id, from, to, payload); err != nil {
		e.logger.Warn("execution event not recorded",
			slog.String("execution_id", id), slog.String("error", err.Error()))
	}
}

func (e *Engine) appendEvent(ctx context.Context, id string, step *int, eventType, actor string, payload any) {
	ev := &store.Event{
		ExecutionID: id,
		StepIndex:   step,
		Type:        eventType,
		ActorID:     actor,
		Payload:     store.MarshalPayload(payload),
	}
	sink := &eventSink{store: e.store, hub: e.hub, logger: e.logger}
	if err := sink.AppendEvent(ctx, ev); err != nil {
		e.logger.Warn("event not recorded",
			slog.String("execution_id", id), slog.String("event", eventType), slog.String("error", err.Error()))
	}
}

func (e *Engine) registerInflight(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.inflight[id] = cancel
	e.mu.Unlock()
}

func (e *Engine) clearInflight(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func (e *Engine) interrupt(id string) bool {
	e.mu.Lock()
	cancel, ok := e.inflight[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// eventSink appends events to the execution log and mirrors them to the hub.
type eventSink struct {
	store  store.Store
	hub    streaming.EventHub
	logger *slog.Logger
}

func (s *eventSink) AppendEvent(ctx context.Context, ev *store.Event) error {
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		return err
	}
	if s.hub == nil {
		return nil
	}
	var payload any = ev.Payload
	if len(ev.Payload) == 0 {
		payload = nil
	}
	if err := s.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: ev.ExecutionID,
		StepIndex:   ev.StepIndex,
		EventType:   ev.Type,
		Sequence:    ev.Sequence,
		Payload:     payload,
		Timestamp:   ev.Timestamp,
	}); err != nil {
		s.logger.Debug("stream publish failed", slog.String("event", ev.Type), slog.String("error", err.Error()))
	}
	return nil
}
