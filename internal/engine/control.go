package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/chainops/internal/expressions"
	"github.com/rendis/chainops/pkg/schema"
)

func notInStatus(exec *schema.ChainExecution, op string, want ...schema.ExecutionStatus) *schema.ChainopsError {
	wanted := make([]string, len(want))
	for i, s := range want {
		wanted[i] = string(s)
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "cannot %s execution %s in status %s", op, exec.ID, exec.Status).
		WithDetails(map[string]any{"status": string(exec.Status), "expected": wanted})
}

// Resume re-enters a Paused execution at its unchanged step index. The
// execution is claimed first; its open approval gate, if any, is then
// approved by actor and closed.
func (e *Engine) Resume(ctx context.Context, id, actor string) (*schema.ChainExecution, error) {
	var gateID string
	exec, err := e.mutate(ctx, id, func(cur *schema.ChainExecution) error {
		if cur.Status != schema.ExecutionPaused {
			return notInStatus(cur, "resume", schema.ExecutionPaused)
		}
		if err := e.execFSM.Check(id, cur.Status, schema.ExecutionRunning); err != nil {
			return err
		}
		now := e.now()
		gateID = cur.GateID
		cur.Status = schema.ExecutionRunning
		cur.ResumedAt = &now
		cur.GateID = ""
		cur.PauseReason = ""
		return nil
	})
	if err != nil {
		return exec, err
	}

	if gateID != "" && e.gates != nil {
		if _, err := e.gates.Approve(ctx, gateID, actor); err != nil {
			e.logger.Warn("gate not approved on resume", slog.String("gate_id", gateID), slog.String("error", err.Error()))
		} else if _, err := e.gates.Complete(ctx, gateID); err != nil {
			e.logger.Warn("approved gate not completed", slog.String("gate_id", gateID), slog.String("error", err.Error()))
		}
	}

	e.transitioned(ctx, id, schema.ExecutionPaused, schema.ExecutionRunning, map[string]any{
		"actor":   actor,
		"gate_id": gateID,
	})
	e.logger.Info("execution resumed", slog.String("execution_id", id), slog.String("actor", actor))
	return e.drive(ctx, exec)
}

// Pause stops a Running execution before its next step. A step already in
// flight finishes and is recorded.
func (e *Engine) Pause(ctx context.Context, id, actor, reason string) (*schema.ChainExecution, error) {
	if reason == "" {
		reason = "paused by operator"
	}
	exec, err := e.mutate(ctx, id, func(cur *schema.ChainExecution) error {
		if cur.Status != schema.ExecutionRunning {
			return notInStatus(cur, "pause", schema.ExecutionRunning)
		}
		now := e.now()
		cur.Status = schema.ExecutionPaused
		cur.PausedAt = &now
		cur.PauseReason = reason
		return nil
	})
	if err != nil {
		return exec, err
	}
	e.transitioned(ctx, id, schema.ExecutionRunning, schema.ExecutionPaused, map[string]any{
		"actor":  actor,
		"reason": reason,
	})
	return exec, nil
}

// Cancel fails a non-terminal execution with code CANCELLED and interrupts
// the step in flight, if any.
func (e *Engine) Cancel(ctx context.Context, id, actor, reason string) (*schema.ChainExecution, error) {
	if reason == "" {
		reason = "cancelled by operator"
	}
	var from schema.ExecutionStatus
	exec, err := e.mutate(ctx, id, func(cur *schema.ChainExecution) error {
		if cur.Done() {
			return notInStatus(cur, "cancel", schema.ExecutionPending, schema.ExecutionRunning, schema.ExecutionPaused)
		}
		from = cur.Status
		now := e.now()
		cur.Status = schema.ExecutionFailed
		cur.ErrorCode = schema.ErrCodeCancelled
		cur.ErrorMessage = reason
		cur.FailedAt = &now
		return nil
	})
	if err != nil {
		return exec, err
	}
	interrupted := e.interrupt(id)
	if exec.GateID != "" && e.gates != nil {
		if _, err := e.gates.Reject(ctx, exec.GateID, actor, reason); err != nil {
			e.logger.Warn("gate not rejected on cancel", slog.String("gate_id", exec.GateID), slog.String("error", err.Error()))
		}
	}
	e.transitioned(ctx, id, from, schema.ExecutionFailed, map[string]any{
		"error_code":    schema.ErrCodeCancelled,
		"error_message": reason,
	})
	e.appendEvent(ctx, id, nil, schema.EventExecutionCancelled, actor, map[string]any{
		"reason":      reason,
		"interrupted": interrupted,
	})
	e.logger.Info("execution cancelled", slog.String("execution_id", id), slog.String("actor", actor))
	return exec, nil
}

// Reject refuses the approval a Paused execution is waiting on. The
// execution fails with APPROVAL_REJECTED and its gate becomes rejected.
func (e *Engine) Reject(ctx context.Context, id, actor, reason string) (*schema.ChainExecution, error) {
	msg := "approval rejected"
	if reason != "" {
		msg += ": " + reason
	}
	var gateID string
	exec, err := e.mutate(ctx, id, func(cur *schema.ChainExecution) error {
		if cur.Status != schema.ExecutionPaused || cur.GateID == "" {
			return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is not waiting for approval", id).
				WithDetails(map[string]any{"status": string(cur.Status)})
		}
		now := e.now()
		gateID = cur.GateID
		cur.Status = schema.ExecutionFailed
		cur.ErrorCode = schema.ErrCodeApprovalRejected
		cur.ErrorMessage = msg
		cur.FailedAt = &now
		return nil
	})
	if err != nil {
		return exec, err
	}
	if e.gates != nil {
		if _, err := e.gates.Reject(ctx, gateID, actor, reason); err != nil {
			e.logger.Warn("gate not rejected", slog.String("gate_id", gateID), slog.String("error", err.Error()))
		}
	}
	e.transitioned(ctx, id, schema.ExecutionPaused, schema.ExecutionFailed, map[string]any{
		"actor":         actor,
		"error_code":    schema.ErrCodeApprovalRejected,
		"error_message": msg,
	})
	return exec, nil
}

// Rerun starts a new execution that continues a Failed one from the step
// that failed, with the context it had accumulated.
func (e *Engine) Rerun(ctx context.Context, id, actor string) (*schema.ChainExecution, error) {
	prev, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev.Status != schema.ExecutionFailed {
		return prev, notInStatus(prev, "rerun", schema.ExecutionFailed)
	}

	now := e.now()
	exec := &schema.ChainExecution{
		ID:                uuid.NewString(),
		ChainID:           prev.ChainID,
		ChainName:         prev.ChainName,
		ChainVersion:      prev.ChainVersion,
		Steps:             prev.Steps,
		Status:            schema.ExecutionPending,
		CurrentStepIndex:  prev.CurrentStepIndex,
		Context:           expressions.DeepCopy(prev.Context),
		ContextVersion:    prev.ContextVersion,
		TriggerSubject:    prev.TriggerSubject,
		TriggerID:         prev.TriggerID,
		ParentExecutionID: prev.ID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if exec.Context == nil {
		exec.Context = map[string]any{}
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create execution: %s", err.Error()).WithCause(err)
	}
	carried, err := e.carryCompletedSteps(ctx, prev.ID, exec.ID)
	if err != nil {
		return exec, err
	}
	e.appendEvent(ctx, exec.ID, nil, schema.EventExecutionCreated, actor, map[string]any{
		"chain_id":            exec.ChainID,
		"chain_version":       exec.ChainVersion,
		"parent_execution_id": prev.ID,
		"from_step":           exec.CurrentStepIndex,
		"carried_steps":       carried,
	})
	e.metrics.RecordExecutionStarted(exec.ChainID)
	e.logger.Info("execution rerun",
		slog.String("execution_id", exec.ID),
		slog.String("parent_execution_id", prev.ID),
		slog.Int("from_step", exec.CurrentStepIndex),
	)
	return e.drive(ctx, exec)
}

// carryCompletedSteps copies the Completed step records of one execution
// onto another so conditions and parallel groups see them as done.
func (e *Engine) carryCompletedSteps(ctx context.Context, fromID, toID string) ([]int, error) {
	records, err := e.store.ListExecutionSteps(ctx, fromID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list steps: %s", err.Error()).WithCause(err)
	}
	carried := make([]int, 0, len(records))
	for _, rec := range records {
		if rec.Status != schema.StepCompleted {
			continue
		}
		cp := *rec
		cp.ExecutionID = toID
		cp.OutputData = expressions.DeepCopy(rec.OutputData)
		if err := e.store.UpsertExecutionStep(ctx, &cp); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "carry step %d: %s", rec.StepIndex, err.Error()).
				WithStep(rec.StepIndex).WithCause(err)
		}
		carried = append(carried, rec.StepIndex)
	}
	return carried, nil
}

// Recover re-drives a Running execution that no goroutine in this process is
// advancing, typically after a crash. The interrupted step is invoked again.
func (e *Engine) Recover(ctx context.Context, id string) (*schema.ChainExecution, error) {
	unlock, ok := e.locks.TryLock(id)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is in flight", id)
	}
	exec, err := e.store.GetExecution(ctx, id)
	unlock()
	if err != nil {
		return nil, err
	}
	if exec.Status != schema.ExecutionRunning && exec.Status != schema.ExecutionPending {
		return exec, notInStatus(exec, "recover", schema.ExecutionPending, schema.ExecutionRunning)
	}

	e.appendEvent(ctx, id, nil, schema.EventExecutionRecovered, "", map[string]any{
		"status":     string(exec.Status),
		"step_index": exec.CurrentStepIndex,
	})
	e.metrics.RecordRecovered()
	e.logger.Info("recovering execution",
		slog.String("execution_id", id), slog.Int("step_index", exec.CurrentStepIndex))
	return e.drive(ctx, exec)
}

// Signal dispatches an operator signal to the matching control operation.
func (e *Engine) Signal(ctx context.Context, id string, sig schema.Signal) (*schema.ChainExecution, error) {
	switch sig.Type {
	case schema.SignalResume:
		return e.Resume(ctx, id, sig.ActorID)
	case schema.SignalPause:
		return e.Pause(ctx, id, sig.ActorID, sig.Reason)
	case schema.SignalCancel:
		return e.Cancel(ctx, id, sig.ActorID, sig.Reason)
	case schema.SignalReject:
		return e.Reject(ctx, id, sig.ActorID, sig.Reason)
	case schema.SignalRerun:
		return e.Rerun(ctx, id, sig.ActorID)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown signal %q", sig.Type)
	}
}
