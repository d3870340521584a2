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

// --- Subjects ---

func (s *LibSQLStore) CreateSubject(ctx context.Context, subject *Subject) error {
	attrs, err := marshalMapOrDefault(subject.Attributes)
	if err != nil {
		return fmt.Errorf("marshal subject attributes: %w", err)
	}
	subject.CreatedAt = timeOrNow(subject.CreatedAt)
	subject.UpdatedAt = timeOrNow(subject.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subjects (type, id, status, attributes, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(type, id) DO UPDATE SET attributes = excluded.attributes, updated_at = excluded.updated_at`,
		subject.Type, subject.ID, subject.Status, attrs, subject.CreatedAt, subject.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) GetSubject(ctx context.Context, ref schema.SubjectRef) (*Subject, error) {
	sub := &Subject{}
	var attrs sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT type, id, status, attributes, created_at, updated_at FROM subjects WHERE type = ? AND id = ?`,
		ref.Type, ref.ID,
	).Scan(&sub.Type, &sub.ID, &sub.Status, &attrs, &sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("subject", ref.String())
	}
	if err != nil {
		return nil, err
	}
	if sub.Attributes, err = unmarshalMap(attrs); err != nil {
		return nil, fmt.Errorf("unmarshal subject attributes: %w", err)
	}
	return sub, nil
}

func (s *LibSQLStore) ListSubjects(ctx context.Context, filter SubjectFilter) ([]*Subject, error) {
	query := `SELECT type, id, status, attributes, created_at, updated_at FROM subjects`
	var where []string
	var args []any
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY type, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Subject
	for rows.Next() {
		sub := &Subject{}
		var attrs sql.NullString
		if err := rows.Scan(&sub.Type, &sub.ID, &sub.Status, &attrs, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, err
		}
		if sub.Attributes, err = unmarshalMap(attrs); err != nil {
			return nil, fmt.Errorf("unmarshal subject attributes: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) GetStatus(ctx context.Context, ref schema.SubjectRef) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM subjects WHERE type = ? AND id = ?`, ref.Type, ref.ID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return "", storeNotFound("subject", ref.String())
	}
	return status, err
}

func (s *LibSQLStore) SetStatus(ctx context.Context, ref schema.SubjectRef, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subjects SET status = ?, updated_at = ? WHERE type = ? AND id = ?`,
		status, time.Now().UTC(), ref.Type, ref.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "subject", ref.String())
}

// --- Transition history ---

// ApplyTransition updates the subject status and appends the record in one transaction.
// The update only applies while the stored status still equals rec.FromStatus.
func (s *LibSQLStore) ApplyTransition(ctx context.Context, rec *schema.TransitionRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM subjects WHERE type = ? AND id = ?`, rec.SubjectType, rec.SubjectID,
		).Scan(&current)
		if err == sql.ErrNoRows {
			return storeNotFound("subject", rec.Subject().String())
		}
		if err != nil {
			return err
		}
		if current != rec.FromStatus {
			return schema.NewErrorf(schema.ErrCodeConcurrentModification,
				"subject %s changed status from %q to %q concurrently", rec.Subject(), rec.FromStatus, current).
				WithDetails(map[string]any{"expected": rec.FromStatus, "actual": current})
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE subjects SET status = ?, updated_at = ? WHERE type = ? AND id = ?`,
			rec.ToStatus, timeOrNow(rec.OccurredAt), rec.SubjectType, rec.SubjectID,
		); err != nil {
			return fmt.Errorf("update subject status: %w", err)
		}
		return insertTransition(ctx, tx, rec)
	})
}

// AppendTransition appends a record without touching the subject row.
func (s *LibSQLStore) AppendTransition(ctx context.Context, rec *schema.TransitionRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertTransition(ctx, tx, rec)
	})
}

func insertTransition(ctx context.Context, tx *sql.Tx, rec *schema.TransitionRecord) error {
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM transition_records WHERE subject_type = ? AND subject_id = ?`,
		rec.SubjectType, rec.SubjectID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next transition sequence: %w", err)
	}
	rec.Sequence = seq
	rec.OccurredAt = timeOrNow(rec.OccurredAt)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO transition_records (subject_type, subject_id, sequence, from_status, to_status, actor_id, comment, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SubjectType, rec.SubjectID, seq, rec.FromStatus, rec.ToStatus,
		nullStr(rec.ActorID), nullStr(rec.Comment), rec.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func (s *LibSQLStore) ListTransitions(ctx context.Context, ref schema.SubjectRef) ([]*schema.TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_type, subject_id, sequence, from_status, to_status, actor_id, comment, occurred_at
		 FROM transition_records WHERE subject_type = ? AND subject_id = ? ORDER BY sequence ASC`,
		ref.Type, ref.ID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.TransitionRecord
	for rows.Next() {
		r := &schema.TransitionRecord{}
		var actor, comment sql.NullString
		if err := rows.Scan(&r.ID, &r.SubjectType, &r.SubjectID, &r.Sequence, &r.FromStatus, &r.ToStatus,
			&actor, &comment, &r.OccurredAt); err != nil {
			return nil, err
		}
		r.ActorID = actor.String
		r.Comment = comment.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Rule sets ---

func (s *LibSQLStore) PutRuleSet(ctx context.Context, rs *schema.TransitionRuleSet) error {
	transitions, err := json.Marshal(rs.Transitions)
	if err != nil {
		return fmt.Errorf("marshal transitions: %w", err)
	}
	rs.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rule_sets (subject_type, initial_status, transitions, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(subject_type) DO UPDATE SET initial_status = excluded.initial_status,
		 transitions = excluded.transitions, updated_at = excluded.updated_at`,
		rs.SubjectType, nullStr(rs.InitialStatus), string(transitions), rs.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) GetRuleSet(ctx context.Context, subjectType string) (*schema.TransitionRuleSet, error) {
	rs := &schema.TransitionRuleSet{}
	var initial sql.NullString
	var transitions string
	err := s.db.QueryRowContext(ctx,
		`SELECT subject_type, initial_status, transitions, updated_at FROM rule_sets WHERE subject_type = ?`, subjectType,
	).Scan(&rs.SubjectType, &initial, &transitions, &rs.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("rule set", subjectType)
	}
	if err != nil {
		return nil, err
	}
	rs.InitialStatus = initial.String
	if err := json.Unmarshal([]byte(transitions), &rs.Transitions); err != nil {
		return nil, fmt.Errorf("unmarshal transitions: %w", err)
	}
	return rs, nil
}

func (s *LibSQLStore) ListRuleSets(ctx context.Context) ([]*schema.TransitionRuleSet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject_type, initial_status, transitions, updated_at FROM rule_sets ORDER BY subject_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.TransitionRuleSet
	for rows.Next() {
		rs := &schema.TransitionRuleSet{}
		var initial sql.NullString
		var transitions string
		if err := rows.Scan(&rs.SubjectType, &initial, &transitions, &rs.UpdatedAt); err != nil {
			return nil, err
		}
		rs.InitialStatus = initial.String
		if err := json.Unmarshal([]byte(transitions), &rs.Transitions); err != nil {
			return nil, fmt.Errorf("unmarshal transitions: %w", err)
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}
