package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/chainops/internal/expressions"
	"github.com/rendis/chainops/internal/gate"
	"github.com/rendis/chainops/internal/logging"
	"github.com/rendis/chainops/internal/metrics"
	"github.com/rendis/chainops/internal/stepexec"
	"github.com/rendis/chainops/pkg/schema"
)

// stepRun carries one step through a single advance.
type stepRun struct {
	index  int
	spec   schema.StepSpec
	record *schema.ChainExecutionStep
	input  map[string]any
	reused bool

	output      *stepexec.Output
	transformed map[string]any
	err         error
}

// Advance executes exactly one step, or one contiguous parallel group, of the
// execution. Completed, Failed and Paused executions are returned unchanged.
// Step failures are recorded on the execution, not returned.
func (e *Engine) Advance(ctx context.Context, id string) (*schema.ChainExecution, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	ctx = logging.WithExecutionID(ctx, id)
	ctx, span := metrics.StartSpan(ctx, "chainops.advance", metrics.AttrExecutionID.String(id))
	exec, err := e.advance(ctx, id)
	metrics.EndSpanWithError(span, err)
	return exec, err
}

func (e *Engine) advance(ctx context.Context, id string) (*schema.ChainExecution, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Done() || exec.Status == schema.ExecutionPaused {
		return exec, nil
	}
	ctx = logging.WithSubject(ctx, exec.TriggerSubject.String())

	if exec.Status == schema.ExecutionPending {
		exec, err = e.begin(ctx, id)
		if err != nil || exec.Status != schema.ExecutionRunning {
			return exec, err
		}
	}

	if exec.CurrentStepIndex >= len(exec.Steps) {
		return e.complete(ctx, id)
	}

	start, end := groupBounds(exec.Steps, exec.CurrentStepIndex)
	records, err := e.stepRecords(ctx, id)
	if err != nil {
		return exec, err
	}

	runs := make([]*stepRun, 0, end-start)
	for i := start; i < end; i++ {
		spec := exec.Steps[i]
		run := &stepRun{index: i, spec: spec, record: records[i]}
		if run.record != nil && run.record.Status == schema.StepCompleted {
			// Completed before the index moved; keep its output instead of calling the agent again.
			run.reused = true
			run.transformed = run.record.OutputData
			runs = append(runs, run)
			continue
		}
		env := conditionEnv{exec: exec, index: i, groupHead: start, steps: records}
		if err := checkConditions(ctx, e.cel, schema.ErrCodePreconditionFailed, spec.PreConditions, exec.Context, env); err != nil {
			return e.fail(ctx, id, start, err)
		}
		run.input = FilterContext(exec.Context, spec.ContextFilter)
		runs = append(runs, run)
	}

	for _, run := range runs {
		if run.reused {
			continue
		}
		if err := e.markRunning(ctx, exec, run); err != nil {
			return exec, err
		}
	}

	callCtx, cancel := context.WithCancel(ctx)
	e.registerInflight(id, cancel)
	e.executeGroup(callCtx, cancel, exec, runs)
	e.clearInflight(id)
	cancel()

	return e.settle(ctx, exec, start, end, runs, records)
}

// groupBounds returns the half-open range of the step group starting at i.
func groupBounds(steps []schema.StepSpec, i int) (int, int) {
	end := i + 1
	if steps[i].IsParallel() {
		for end < len(steps) && steps[end].IsParallel() {
			end++
		}
	}
	return i, end
}

func (e *Engine) stepRecords(ctx context.Context, id string) (map[int]*schema.ChainExecutionStep, error) {
	list, err := e.store.ListExecutionSteps(ctx, id)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list steps: %s", err.Error()).WithCause(err)
	}
	out := make(map[int]*schema.ChainExecutionStep, len(list))
	for _, st := range list {
		out[st.StepIndex] = st
	}
	return out, nil
}

func (e *Engine) begin(ctx context.Context, id string) (*schema.ChainExecution, error) {
	exec, err := e.mutate(ctx, id, func(exec *schema.ChainExecution) error {
		if exec.Status != schema.ExecutionPending {
			return errStale
		}
		if err := e.execFSM.Check(id, exec.Status, schema.ExecutionRunning); err != nil {
			return err
		}
		now := e.now()
		exec.Status = schema.ExecutionRunning
		exec.StartedAt = &now
		return nil
	})
	if errors.Is(err, errStale) {
		return exec, nil
	}
	if err != nil {
		return exec, err
	}
	e.transitioned(ctx, id, schema.ExecutionPending, schema.ExecutionRunning, map[string]any{
		"steps": len(exec.Steps),
	})
	return exec, nil
}

func (e *Engine) complete(ctx context.Context, id string) (*schema.ChainExecution, error) {
	exec, err := e.mutate(ctx, id, func(exec *schema.ChainExecution) error {
		if exec.Done() {
			return errAbandon
		}
		if exec.Status != schema.ExecutionRunning || exec.CurrentStepIndex < len(exec.Steps) {
			return errStale
		}
		now := e.now()
		exec.Status = schema.ExecutionCompleted
		exec.CompletedAt = &now
		return nil
	})
	if errors.Is(err, errAbandon) || errors.Is(err, errStale) {
		return exec, nil
	}
	if err != nil {
		return exec, err
	}
	e.transitioned(ctx, id, schema.ExecutionRunning, schema.ExecutionCompleted, nil)
	logging.LogWith(ctx, e.logger).Info("execution completed", slog.String("chain_id", exec.ChainID))
	return exec, nil
}

// fail records err on the execution. Nothing happens if another caller already
// finished the execution or moved past the step group at start.
func (e *Engine) fail(ctx context.Context, id string, start int, cause error) (*schema.ChainExecution, error) {
	code := schema.CodeOf(cause)
	if code == "" {
		code = schema.ErrCodeExecutorFailure
	}
	var from schema.ExecutionStatus
	exec, err := e.mutate(ctx, id, func(exec *schema.ChainExecution) error {
		if exec.Done() {
			return errAbandon
		}
		if exec.CurrentStepIndex != start {
			return errStale
		}
		from = exec.Status
		now := e.now()
		exec.Status = schema.ExecutionFailed
		exec.ErrorCode = code
		exec.ErrorMessage = cause.Error()
		exec.FailedAt = &now
		return nil
	})
	if errors.Is(err, errAbandon) || errors.Is(err, errStale) {
		return exec, nil
	}
	if err != nil {
		return exec, err
	}
	e.transitioned(ctx, id, from, schema.ExecutionFailed, map[string]any{
		"error_code":    code,
		"error_message": cause.Error(),
		"step_index":    start,
	})
	logging.LogWith(ctx, e.logger).Warn("execution failed",
		slog.String("error_code", code), slog.String("error", cause.Error()))
	return exec, nil
}

func (e *Engine) markRunning(ctx context.Context, exec *schema.ChainExecution, run *stepRun) error {
	from := schema.StepPending
	attempt := 1
	if run.record != nil {
		from = run.record.Status
		attempt = run.record.Attempt + 1
	}
	now := e.now()
	rec := &schema.ChainExecutionStep{
		ExecutionID: exec.ID,
		StepIndex:   run.index,
		AgentRef:    run.spec.AgentRef,
		Status:      schema.StepRunning,
		Attempt:     attempt,
		InputKeys:   inputKeys(run.input),
		StartedAt:   &now,
	}
	if from == schema.StepFailed {
		// A failed record belongs to an earlier attempt; the step starts over.
		from = schema.StepPending
	}
	if err := e.store.UpsertExecutionStep(ctx, rec); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "record step start: %s", err.Error()).
			WithStep(run.index).WithCause(err)
	}
	run.record = rec
	if err := e.stepFSM.Transition(ctx, exec.ID, run.index, from, schema.StepRunning, map[string]any{
		"agent_ref":  rec.AgentRef,
		"attempt":    rec.Attempt,
		"input_keys": rec.InputKeys,
	}); err != nil {
		e.logger.Warn("step event not recorded", slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
	}
	return nil
}

// executeGroup runs every non-reused member. Parallel members run
// concurrently and the first failure cancels the rest.
func (e *Engine) executeGroup(ctx context.Context, cancel context.CancelFunc, exec *schema.ChainExecution, runs []*stepRun) {
	pending := make([]*stepRun, 0, len(runs))
	for _, run := range runs {
		if !run.reused {
			pending = append(pending, run)
		}
	}
	switch len(pending) {
	case 0:
		return
	case 1:
		e.callStep(ctx, exec, pending[0])
		return
	}

	head := runs[0].index
	e.appendEvent(ctx, exec.ID, &head, schema.EventParallelStarted, "", map[string]any{"members": len(pending)})
	var wg sync.WaitGroup
	for _, run := range pending {
		wg.Add(1)
		go func(run *stepRun) {
			defer wg.Done()
			e.callStep(ctx, exec, run)
			if run.err != nil {
				cancel()
			}
		}(run)
	}
	wg.Wait()
	e.appendEvent(context.WithoutCancel(ctx), exec.ID, &head, schema.EventParallelCompleted, "", map[string]any{"members": len(pending)})
}

func (e *Engine) callStep(ctx context.Context, exec *schema.ChainExecution, run *stepRun) {
	agent := run.spec.AgentRef
	ctx = logging.WithAgentRef(logging.WithStepIndex(ctx, run.index), agent)
	ctx, span := metrics.StartSpan(ctx, "chainops.step",
		metrics.AttrChainID.String(exec.ChainID),
		metrics.AttrStepIndex.Int(run.index),
		metrics.AttrAgentRef.String(agent),
	)
	began := time.Now()
	run.output, run.err = e.invoke(ctx, exec, run)
	status := string(schema.StepCompleted)
	if run.err != nil {
		status = string(schema.StepFailed)
	}
	e.metrics.RecordStep(agent, status, time.Since(began))
	metrics.EndSpanWithError(span, run.err)

	log := logging.LogWith(ctx, e.logger)
	if run.err != nil {
		log.Warn("step failed", slog.String("error", run.err.Error()))
		return
	}
	log.Debug("step returned", slog.Duration("elapsed", time.Since(began)))
}

type invokeResult struct {
	out *stepexec.Output
	err error
}

// invoke calls the executor behind the breaker and the step timeout.
func (e *Engine) invoke(ctx context.Context, exec *schema.ChainExecution, run *stepRun) (*stepexec.Output, error) {
	agent := run.spec.AgentRef
	if err := e.breakers.Allow(agent); err != nil {
		return nil, executorFailure(run.index, agent, err)
	}
	timeout, err := e.timeoutFor(run.spec)
	if err != nil {
		return nil, err.WithStep(run.index)
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	in := stepexec.Input{
		ExecutionID: exec.ID,
		ChainID:     exec.ChainID,
		StepIndex:   run.index,
		Step:        run.spec,
		Subject:     exec.TriggerSubject,
		Attempt:     run.record.Attempt,
		Context:     run.input,
	}
	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("agent panicked: %v", r)}
			}
		}()
		out, err := e.executor.Execute(callCtx, in)
		done <- invokeResult{out: out, err: err}
	}()

	var res invokeResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = callCtx.Err()
	}

	switch {
	case res.err == nil:
		e.breakers.RecordSuccess(agent)
		e.metrics.SetCircuitBreakerState(agent, float64(CircuitClosed))
		if res.out == nil {
			res.out = &stepexec.Output{}
		}
		if res.out.Data == nil {
			res.out.Data = map[string]any{}
		}
		return res.out, nil
	case ctx.Err() != nil:
		// Cancelled from outside the step: operator cancel or a failed parallel sibling.
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "step %s interrupted", run.spec.Label()).
			WithStep(run.index).WithCause(ctx.Err())
	case errors.Is(res.err, context.DeadlineExceeded) && callCtx.Err() != nil:
		e.recordAgentFailure(ctx, exec.ID, agent)
		return nil, schema.NewErrorf(schema.ErrCodeExecutorFailure,
			"agent %s timed out after %s", agent, timeout).
			WithStep(run.index).WithCause(res.err).
			WithDetails(map[string]any{"agent_ref": agent, "timeout": true, "timeout_after": timeout.String()})
	default:
		e.recordAgentFailure(ctx, exec.ID, agent)
		return nil, executorFailure(run.index, agent, res.err)
	}
}

func executorFailure(index int, agent string, cause error) *schema.ChainopsError {
	ce := schema.NewErrorf(schema.ErrCodeExecutorFailure, "agent %s failed: %s", agent, cause.Error()).
		WithStep(index).WithCause(cause).
		WithDetails(map[string]any{"agent_ref": agent})
	if code := schema.CodeOf(cause); code != "" {
		ce.WithDetails(map[string]any{"cause_code": code})
	}
	return ce
}

func (e *Engine) recordAgentFailure(ctx context.Context, executionID, agent string) {
	state := e.breakers.RecordFailure(agent)
	e.metrics.SetCircuitBreakerState(agent, float64(state))
	if state == CircuitOpen {
		e.logger.Warn("circuit opened", slog.String("agent_ref", agent))
		e.appendEvent(context.WithoutCancel(ctx), executionID, nil, schema.EventCircuitBreakerOpen, "",
			map[string]any{"agent_ref": agent})
	}
}

func (e *Engine) timeoutFor(spec schema.StepSpec) (time.Duration, *schema.ChainopsError) {
	if spec.Timeout == "" {
		return e.stepTimeout, nil
	}
	d, err := time.ParseDuration(spec.Timeout)
	if err != nil || d <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid step timeout %q", spec.Timeout)
	}
	return d, nil
}

// settle records the group's results and moves the execution forward or fails it.
func (e *Engine) settle(ctx context.Context, exec *schema.ChainExecution, start, end int, runs []*stepRun, records map[int]*schema.ChainExecutionStep) (*schema.ChainExecution, error) {
	merged := expressions.DeepCopy(exec.Context)
	if merged == nil {
		merged = map[string]any{}
	}
	for _, run := range runs {
		if run.err != nil || run.reused {
			continue
		}
		run.transformed, run.err = ApplyTransformers(ctx, e.jq, run.output.Data, run.spec.OutputTransformers)
		if run.err != nil {
			if ce, ok := schema.AsError(run.err); ok && ce.StepIndex == nil {
				ce.WithStep(run.index)
			}
		}
	}
	for _, run := range runs {
		if run.err == nil {
			merged = mergeContext(merged, run.transformed)
		}
	}
	if firstFailure(runs) == nil {
		for _, run := range runs {
			if run.reused {
				continue
			}
			env := conditionEnv{exec: exec, index: run.index, groupHead: start, steps: records, output: run.transformed}
			run.err = checkConditions(ctx, e.cel, schema.ErrCodePostconditionFailed, run.spec.PostConditions, merged, env)
		}
	}

	bg := context.WithoutCancel(ctx)
	for _, run := range runs {
		if run.reused {
			continue
		}
		if err := e.finishStep(bg, exec.ID, run); err != nil {
			return exec, err
		}
	}

	if failed := firstFailure(runs); failed != nil {
		if schema.IsCode(failed.err, schema.ErrCodeCancelled) && ctx.Err() != nil {
			// The caller went away (shutdown); leave the execution Running for recovery.
			return exec, ctx.Err()
		}
		return e.fail(bg, exec.ID, start, failed.err)
	}

	approval := approvalFor(runs)
	var gateID string
	if approval != nil && e.gates != nil {
		idx := approval.index
		g, err := e.gates.Open(bg, gate.OpenRequest{
			AgentID:     approval.spec.AgentRef,
			CurrentNode: approval.spec.Label(),
			StateData: map[string]any{
				"chain_id": exec.ChainID,
				"output":   approval.transformed,
			},
			Reason:        approvalReason(approval),
			ApprovableRef: exec.TriggerSubject.String(),
			ExecutionID:   exec.ID,
			StepIndex:     &idx,
		})
		if err != nil {
			return e.fail(bg, exec.ID, start, err)
		}
		gateID = g.ID
	}

	var from schema.ExecutionStatus
	saved, err := e.mutate(bg, exec.ID, func(cur *schema.ChainExecution) error {
		if cur.Done() {
			return errAbandon
		}
		if cur.CurrentStepIndex != start {
			return errStale
		}
		from = cur.Status
		now := e.now()
		cur.Context = merged
		cur.ContextVersion++
		cur.CurrentStepIndex = end
		switch {
		case approval != nil:
			cur.Status = schema.ExecutionPaused
			cur.GateID = gateID
			cur.PausedAt = &now
			cur.PauseReason = approvalReason(approval)
		case end >= len(cur.Steps) && cur.Status == schema.ExecutionRunning:
			cur.Status = schema.ExecutionCompleted
			cur.CompletedAt = &now
		}
		return nil
	})
	if errors.Is(err, errAbandon) || errors.Is(err, errStale) {
		if gateID != "" {
			if _, rerr := e.gates.Reject(bg, gateID, "system", "execution no longer waiting"); rerr != nil {
				e.logger.Warn("orphaned gate not rejected", slog.String("gate_id", gateID), slog.String("error", rerr.Error()))
			}
		}
		return saved, nil
	}
	if err != nil {
		return saved, err
	}

	switch saved.Status {
	case schema.ExecutionPaused:
		e.transitioned(bg, exec.ID, from, saved.Status, map[string]any{
			"gate_id":    gateID,
			"reason":     saved.PauseReason,
			"step_index": approval.index,
		})
		logging.LogWith(ctx, e.logger).Info("execution paused for approval",
			slog.String("gate_id", gateID), slog.Int("step_index", approval.index))
	case schema.ExecutionCompleted:
		e.transitioned(bg, exec.ID, from, saved.Status, nil)
		logging.LogWith(ctx, e.logger).Info("execution completed", slog.String("chain_id", saved.ChainID))
	}
	return saved, nil
}

func (e *Engine) finishStep(ctx context.Context, executionID string, run *stepRun) error {
	now := e.now()
	rec := *run.record
	rec.CompletedAt = &now
	var payload map[string]any
	if run.err != nil {
		rec.Status = schema.StepFailed
		rec.Error = run.err.Error()
		payload = map[string]any{"error": rec.Error, "error_code": schema.CodeOf(run.err)}
	} else {
		rec.Status = schema.StepCompleted
		rec.OutputData = run.transformed
		payload = map[string]any{"output_keys": inputKeys(run.transformed)}
	}
	if err := e.store.UpsertExecutionStep(ctx, &rec); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "record step result: %s", err.Error()).
			WithStep(run.index).WithCause(err)
	}
	run.record = &rec
	if err := e.stepFSM.Transition(ctx, executionID, run.index, schema.StepRunning, rec.Status, payload); err != nil {
		e.logger.Warn("step event not recorded", slog.String("execution_id", executionID), slog.String("error", err.Error()))
	}
	return nil
}

// firstFailure prefers a real failure over a sibling that was cancelled because of it.
func firstFailure(runs []*stepRun) *stepRun {
	var cancelled *stepRun
	for _, run := range runs {
		if run.err == nil {
			continue
		}
		if schema.IsCode(run.err, schema.ErrCodeCancelled) {
			if cancelled == nil {
				cancelled = run
			}
			continue
		}
		return run
	}
	return cancelled
}

func approvalFor(runs []*stepRun) *stepRun {
	for _, run := range runs {
		if run.spec.RequiresApproval || (run.output != nil && run.output.RequiresApproval) {
			return run
		}
	}
	return nil
}

func approvalReason(run *stepRun) string {
	if run.output != nil && run.output.ApprovalReason != "" {
		return run.output.ApprovalReason
	}
	if run.spec.ApprovalReason != "" {
		return run.spec.ApprovalReason
	}
	return "approval required after " + run.spec.Label()
}
