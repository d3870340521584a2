// Package scheduler runs the recovery sweeper: on a cron schedule it re-drives
// executions that were left Running or Pending without anyone advancing them,
// and optionally rejects approvals that waited too long.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/chainops/internal/store"
	"github.com/rendis/chainops/pkg/schema"
)

// DefaultSpec sweeps once a minute.
const DefaultSpec = "*/1 * * * *"

// Recoverer is the engine surface the sweeper drives.
type Recoverer interface {
	List(ctx context.Context, filter store.ExecutionFilter) ([]*schema.ChainExecution, error)
	InFlight(id string) bool
	Recover(ctx context.Context, id string) (*schema.ChainExecution, error)
	Reject(ctx context.Context, id, actor, reason string) (*schema.ChainExecution, error)
}

// GateSource lists pause gates for expiry.
type GateSource interface {
	ListGates(ctx context.Context, filter store.GateFilter) ([]*schema.WorkflowPauseGate, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the sweeper logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithClock overrides time.Now when computing staleness.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// Config holds the sweep schedule and thresholds.
type Config struct {
	Spec       string        // cron schedule (empty = DefaultSpec)
	StaleAfter time.Duration // idle time before a Running execution counts as abandoned (zero = 5m)

	// Gates and GateTTL reject executions whose approval gate has been open
	// longer than GateTTL. Expiry is off when either is unset.
	Gates   GateSource
	GateTTL time.Duration
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Recovered    int `json:"recovered"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
	GatesExpired int `json:"gates_expired"`
}

// Scheduler is the recovery sweeper.
type Scheduler struct {
	engine     Recoverer
	gates      GateSource
	gateTTL    time.Duration
	spec       string
	parser     cron.Parser
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.Mutex
	cron *cron.Cron

	inflightMu sync.Mutex
	inflight   map[string]struct{} // executions this sweeper is recovering
}

// NewScheduler validates the schedule and creates a stopped sweeper.
func NewScheduler(engine Recoverer, cfg Config, opts ...Option) (*Scheduler, error) {
	spec := cfg.Spec
	if spec == "" {
		spec = DefaultSpec
	}
	s := &Scheduler{
		engine:     engine,
		gates:      cfg.Gates,
		gateTTL:    cfg.GateTTL,
		spec:       spec,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		staleAfter: cfg.StaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
		inflight:   make(map[string]struct{}),
	}
	if s.staleAfter <= 0 {
		s.staleAfter = 5 * time.Minute
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse sweep schedule %q: %s", spec, err.Error()).WithCause(err)
	}
	return s, nil
}

// Start schedules sweeps. Overlapping sweeps are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.spec, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("recovery sweeper started", slog.String("schedule", s.spec), slog.Duration("stale_after", s.staleAfter))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return nil
	}
	<-s.cron.Stop().Done()
	s.cron = nil

	s.logger.Info("recovery sweeper stopped")
	return nil
}

// Sweep recovers stale executions once and, when configured, expires old gates.
func (s *Scheduler) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	cutoff := s.now().Add(-s.staleAfter)
	for _, status := range []schema.ExecutionStatus{schema.ExecutionRunning, schema.ExecutionPending} {
		execs, err := s.engine.List(ctx, store.ExecutionFilter{Status: &status, UpdatedBefore: &cutoff})
		if err != nil {
			s.logger.Error("list stale executions", slog.String("status", string(status)), slog.String("error", err.Error()))
			continue
		}
		for _, exec := range execs {
			s.recoverOne(ctx, exec, &res)
		}
	}
	if s.gates != nil && s.gateTTL > 0 {
		res.GatesExpired = s.expireGates(ctx)
	}

	if res.Recovered > 0 || res.Failed > 0 || res.GatesExpired > 0 {
		s.logger.Info("sweep finished",
			slog.Int("recovered", res.Recovered),
			slog.Int("skipped", res.Skipped),
			slog.Int("failed", res.Failed),
			slog.Int("gates_expired", res.GatesExpired),
		)
	}
	return res
}

func (s *Scheduler) recoverOne(ctx context.Context, exec *schema.ChainExecution, res *SweepResult) {
	if s.engine.InFlight(exec.ID) || !s.tryAcquire(exec.ID) {
		res.Skipped++
		return
	}
	defer s.release(exec.ID)

	_, err := s.engine.Recover(ctx, exec.ID)
	switch {
	case err == nil:
		res.Recovered++
	case schema.IsCode(err, schema.ErrCodeConflict):
		// Picked up elsewhere or finished since the listing.
		res.Skipped++
	default:
		res.Failed++
		s.logger.Error("recover execution",
			slog.String("execution_id", exec.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) expireGates(ctx context.Context) int {
	gates, err := s.gates.ListGates(ctx, store.GateFilter{State: schema.GatePaused})
	if err != nil {
		s.logger.Error("list open gates", slog.String("error", err.Error()))
		return 0
	}
	cutoff := s.now().Add(-s.gateTTL)
	expired := 0
	for _, g := range gates {
		if g.ExecutionID == "" || g.PausedAt == nil || g.PausedAt.After(cutoff) {
			continue
		}
		_, err := s.engine.Reject(ctx, g.ExecutionID, "system", "approval expired")
		if err != nil {
			if !schema.IsCode(err, schema.ErrCodeConflict) {
				s.logger.Warn("expire gate", slog.String("gate_id", g.ID), slog.String("error", err.Error()))
			}
			continue
		}
		expired++
	}
	return expired
}

// tryAcquire returns true and marks the execution as being recovered if it is not already.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// NextSweep returns the first sweep time after from.
func (s *Scheduler) NextSweep(from time.Time) time.Time {
	schedule, err := s.parser.Parse(s.spec)
	if err != nil {
		return time.Time{}
	}
	return schedule.Next(from)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
