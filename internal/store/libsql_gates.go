package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rendis/chainops/pkg/schema"
)

// gateStatePredicate mirrors schema.DeriveGateState in SQL.
func gateStatePredicate(state schema.GateState) string {
	switch state {
	case schema.GateRejected:
		return "rejected_at IS NOT NULL"
	case schema.GateCompleted:
		return "rejected_at IS NULL AND completed_at IS NOT NULL"
	case schema.GatePaused:
		return "rejected_at IS NULL AND completed_at IS NULL AND paused_at IS NOT NULL AND resumed_at IS NULL"
	case schema.GateRunning:
		return "rejected_at IS NULL AND completed_at IS NULL AND (paused_at IS NULL OR resumed_at IS NOT NULL)"
	}
	return "1 = 0"
}

func (s *LibSQLStore) CreateGate(ctx context.Context, g *schema.WorkflowPauseGate) error {
	state, err := nullableJSON(g.StateData)
	if err != nil {
		return fmt.Errorf("marshal gate state: %w", err)
	}
	g.CreatedAt = timeOrNow(g.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pause_gates (id, agent_id, current_node, state_data, pause_reason, approval_required,
		 approvable_ref, execution_id, step_index, approved_by, rejected_by, rejection_reason,
		 paused_at, resumed_at, completed_at, rejected_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.AgentID, g.CurrentNode, state, nullStr(g.PauseReason), boolInt(g.ApprovalRequired),
		nullStr(g.ApprovableRef), nullStr(g.ExecutionID), nullInt(g.StepIndex), nullStr(g.ApprovedBy),
		nullStr(g.RejectedBy), nullStr(g.RejectionReason), nullTime(g.PausedAt), nullTime(g.ResumedAt),
		nullTime(g.CompletedAt), nullTime(g.RejectedAt), g.CreatedAt,
	)
	return err
}

// UpdateGate writes the gate only if its stored timestamps still derive to expected.
func (s *LibSQLStore) UpdateGate(ctx context.Context, g *schema.WorkflowPauseGate, expected schema.GateState) error {
	state, err := nullableJSON(g.StateData)
	if err != nil {
		return fmt.Errorf("marshal gate state: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pause_gates SET current_node = ?, state_data = ?, pause_reason = ?, approved_by = ?, rejected_by = ?,
		 rejection_reason = ?, paused_at = ?, resumed_at = ?, completed_at = ?, rejected_at = ?
		 WHERE id = ? AND `+gateStatePredicate(expected),
		g.CurrentNode, state, nullStr(g.PauseReason), nullStr(g.ApprovedBy), nullStr(g.RejectedBy),
		nullStr(g.RejectionReason), nullTime(g.PausedAt), nullTime(g.ResumedAt), nullTime(g.CompletedAt),
		nullTime(g.RejectedAt), g.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		current, err := s.GetGate(ctx, g.ID)
		if err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeConflict,
			"gate %s is %s, expected %s", g.ID, current.State(), expected).
			WithDetails(map[string]any{"state": string(current.State())})
	}
	return nil
}

const gateColumns = `id, agent_id, current_node, state_data, pause_reason, approval_required, approvable_ref,
	execution_id, step_index, approved_by, rejected_by, rejection_reason, paused_at, resumed_at,
	completed_at, rejected_at, created_at`

func scanGate(row interface{ Scan(...any) error }) (*schema.WorkflowPauseGate, error) {
	g := &schema.WorkflowPauseGate{}
	var (
		state, reason, approvable, execID, approvedBy, rejectedBy, rejection sql.NullString
		approval                                                             int
		stepIndex                                                            sql.NullInt64
		pausedAt, resumedAt, completedAt, rejectedAt                         sql.NullTime
	)
	if err := row.Scan(&g.ID, &g.AgentID, &g.CurrentNode, &state, &reason, &approval, &approvable, &execID,
		&stepIndex, &approvedBy, &rejectedBy, &rejection, &pausedAt, &resumedAt, &completedAt, &rejectedAt,
		&g.CreatedAt); err != nil {
		return nil, err
	}
	g.PauseReason = reason.String
	g.ApprovalRequired = approval != 0
	g.ApprovableRef = approvable.String
	g.ExecutionID = execID.String
	g.StepIndex = intPtr(stepIndex)
	g.ApprovedBy = approvedBy.String
	g.RejectedBy = rejectedBy.String
	g.RejectionReason = rejection.String
	g.PausedAt = timePtr(pausedAt)
	g.ResumedAt = timePtr(resumedAt)
	g.CompletedAt = timePtr(completedAt)
	g.RejectedAt = timePtr(rejectedAt)
	m, err := unmarshalMap(state)
	if err != nil {
		return nil, fmt.Errorf("unmarshal gate state: %w", err)
	}
	g.StateData = m
	return g, nil
}

func (s *LibSQLStore) GetGate(ctx context.Context, id string) (*schema.WorkflowPauseGate, error) {
	g, err := scanGate(s.db.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM pause_gates WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("gate", id)
	}
	return g, err
}

func (s *LibSQLStore) ListGates(ctx context.Context, filter GateFilter) ([]*schema.WorkflowPauseGate, error) {
	query := `SELECT ` + gateColumns + ` FROM pause_gates`
	var where []string
	var args []any
	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.State != "" {
		where = append(where, "("+gateStatePredicate(filter.State)+")")
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

	var out []*schema.WorkflowPauseGate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
