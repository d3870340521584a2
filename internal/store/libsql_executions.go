package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/chainops/pkg/schema"
)

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *schema.ChainExecution) error {
	steps, err := json.Marshal(exec.Steps)
	if err != nil {
		return fmt.Errorf("marshal execution steps: %w", err)
	}
	execCtx, err := marshalMapOrDefault(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal execution context: %w", err)
	}
	if exec.Version <= 0 {
		exec.Version = 1
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = timeOrNow(exec.UpdatedAt)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, chain_id, chain_name, chain_version, steps, status, current_step_index, context,
		 context_version, subject_type, subject_id, trigger_id, parent_execution_id, gate_id, pause_reason,
		 error_code, error_message, version, started_at, paused_at, resumed_at, completed_at, failed_at,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.ChainID, nullStr(exec.ChainName), exec.ChainVersion, string(steps), exec.Status,
		exec.CurrentStepIndex, execCtx, exec.ContextVersion, exec.TriggerSubject.Type, exec.TriggerSubject.ID,
		nullStr(exec.TriggerID), nullStr(exec.ParentExecutionID), nullStr(exec.GateID), nullStr(exec.PauseReason),
		nullStr(exec.ErrorCode), nullStr(exec.ErrorMessage), exec.Version,
		nullTime(exec.StartedAt), nullTime(exec.PausedAt), nullTime(exec.ResumedAt),
		nullTime(exec.CompletedAt), nullTime(exec.FailedAt), exec.CreatedAt, exec.UpdatedAt,
	)
	return err
}

// SaveExecution persists exec only if the stored version equals exec.Version.
// On success exec.Version is incremented. A stale version yields CONCURRENT_MODIFICATION.
func (s *LibSQLStore) SaveExecution(ctx context.Context, exec *schema.ChainExecution) error {
	execCtx, err := marshalMapOrDefault(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal execution context: %w", err)
	}
	exec.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, current_step_index = ?, context = ?, context_version = ?, gate_id = ?,
		 pause_reason = ?, error_code = ?, error_message = ?, version = version + 1, started_at = ?, paused_at = ?,
		 resumed_at = ?, completed_at = ?, failed_at = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		exec.Status, exec.CurrentStepIndex, execCtx, exec.ContextVersion, nullStr(exec.GateID),
		nullStr(exec.PauseReason), nullStr(exec.ErrorCode), nullStr(exec.ErrorMessage),
		nullTime(exec.StartedAt), nullTime(exec.PausedAt), nullTime(exec.ResumedAt),
		nullTime(exec.CompletedAt), nullTime(exec.FailedAt), exec.UpdatedAt,
		exec.ID, exec.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var stored int64
		err := s.db.QueryRowContext(ctx, `SELECT version FROM executions WHERE id = ?`, exec.ID).Scan(&stored)
		if err == sql.ErrNoRows {
			return storeNotFound("execution", exec.ID)
		}
		if err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeConcurrentModification,
			"execution %s was modified concurrently", exec.ID).
			WithDetails(map[string]any{"expected_version": exec.Version, "actual_version": stored})
	}
	exec.Version++
	return nil
}

const executionColumns = `id, chain_id, chain_name, chain_version, steps, status, current_step_index, context,
	context_version, subject_type, subject_id, trigger_id, parent_execution_id, gate_id, pause_reason,
	error_code, error_message, version, started_at, paused_at, resumed_at, completed_at, failed_at,
	created_at, updated_at`

func scanExecution(row interface{ Scan(...any) error }) (*schema.ChainExecution, error) {
	e := &schema.ChainExecution{}
	var (
		chainName, triggerID, parentID, gateID, pauseReason, errCode, errMsg sql.NullString
		steps, execCtx                                                      string
		status                                                              string
		startedAt, pausedAt, resumedAt, completedAt, failedAt               sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.ChainID, &chainName, &e.ChainVersion, &steps, &status, &e.CurrentStepIndex,
		&execCtx, &e.ContextVersion, &e.TriggerSubject.Type, &e.TriggerSubject.ID, &triggerID, &parentID,
		&gateID, &pauseReason, &errCode, &errMsg, &e.Version, &startedAt, &pausedAt, &resumedAt,
		&completedAt, &failedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	e.ChainName = chainName.String
	e.TriggerID = triggerID.String
	e.ParentExecutionID = parentID.String
	e.GateID = gateID.String
	e.PauseReason = pauseReason.String
	e.ErrorCode = errCode.String
	e.ErrorMessage = errMsg.String
	e.StartedAt = timePtr(startedAt)
	e.PausedAt = timePtr(pausedAt)
	e.ResumedAt = timePtr(resumedAt)
	e.CompletedAt = timePtr(completedAt)
	e.FailedAt = timePtr(failedAt)
	if err := json.Unmarshal([]byte(steps), &e.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal execution steps: %w", err)
	}
	if err := json.Unmarshal([]byte(execCtx), &e.Context); err != nil {
		return nil, fmt.Errorf("unmarshal execution context: %w", err)
	}
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	return e, nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.ChainExecution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return e, err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ChainExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Subject != nil {
		where = append(where, "subject_type = ? AND subject_id = ?")
		args = append(args, filter.Subject.Type, filter.Subject.ID)
	}
	if filter.ChainID != "" {
		where = append(where, "chain_id = ?")
		args = append(args, filter.ChainID)
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, *filter.UpdatedBefore)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.ChainExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Execution steps ---

func (s *LibSQLStore) UpsertExecutionStep(ctx context.Context, step *schema.ChainExecutionStep) error {
	inputKeys, err := nullableJSON(step.InputKeys)
	if err != nil {
		return fmt.Errorf("marshal step input keys: %w", err)
	}
	output, err := nullableJSON(step.OutputData)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	if step.Attempt <= 0 {
		step.Attempt = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_steps (execution_id, step_index, agent_ref, status, attempt, input_keys, output_data,
		 error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, step_index) DO UPDATE SET
		   agent_ref = excluded.agent_ref,
		   status = excluded.status,
		   attempt = excluded.attempt,
		   input_keys = excluded.input_keys,
		   output_data = excluded.output_data,
		   error = excluded.error,
		   started_at = excluded.started_at,
		   completed_at = excluded.completed_at`,
		step.ExecutionID, step.StepIndex, step.AgentRef, string(step.Status), step.Attempt, inputKeys, output,
		nullStr(step.Error), nullTime(step.StartedAt), nullTime(step.CompletedAt),
	)
	return err
}

const stepColumns = `execution_id, step_index, agent_ref, status, attempt, input_keys, output_data, error,
	started_at, completed_at`

func scanStep(row interface{ Scan(...any) error }) (*schema.ChainExecutionStep, error) {
	st := &schema.ChainExecutionStep{}
	var status string
	var inputKeys, output, errText sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&st.ExecutionID, &st.StepIndex, &st.AgentRef, &status, &st.Attempt, &inputKeys, &output,
		&errText, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	st.Status = schema.StepStatus(status)
	st.Error = errText.String
	st.StartedAt = timePtr(startedAt)
	st.CompletedAt = timePtr(completedAt)
	if inputKeys.Valid && inputKeys.String != "" {
		if err := json.Unmarshal([]byte(inputKeys.String), &st.InputKeys); err != nil {
			return nil, fmt.Errorf("unmarshal step input keys: %w", err)
		}
	}
	m, err := unmarshalMap(output)
	if err != nil {
		return nil, fmt.Errorf("unmarshal step output: %w", err)
	}
	st.OutputData = m
	return st, nil
}

func (s *LibSQLStore) GetExecutionStep(ctx context.Context, executionID string, index int) (*schema.ChainExecutionStep, error) {
	st, err := scanStep(s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE execution_id = ? AND step_index = ?`, executionID, index))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution step", fmt.Sprintf("%s#%d", executionID, index))
	}
	return st, err
}

func (s *LibSQLStore) ListExecutionSteps(ctx context.Context, executionID string) ([]*schema.ChainExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE execution_id = ? ORDER BY step_index ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.ChainExecutionStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
