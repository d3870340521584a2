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

// --- Chains ---

func (s *LibSQLStore) CreateChain(ctx context.Context, def *schema.ChainDefinition) error {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal chain steps: %w", err)
	}
	if def.Version <= 0 {
		def.Version = 1
	}
	def.CreatedAt = timeOrNow(def.CreatedAt)
	def.UpdatedAt = timeOrNow(def.UpdatedAt)

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chains (id, name, description, version, enabled, template_id, steps, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			def.ID, def.Name, nullStr(def.Description), def.Version, boolInt(def.Enabled),
			nullStr(def.TemplateID), string(steps), def.CreatedAt, def.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert chain: %w", err)
		}
		return insertChainVersion(ctx, tx, def, string(steps))
	})
}

// UpdateChain replaces the chain definition and bumps its version.
// Previous versions stay readable through GetChainVersion.
func (s *LibSQLStore) UpdateChain(ctx context.Context, def *schema.ChainDefinition) error {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal chain steps: %w", err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var current int
		err := tx.QueryRowContext(ctx, `SELECT version FROM chains WHERE id = ?`, def.ID).Scan(&current)
		if err == sql.ErrNoRows {
			return storeNotFound("chain", def.ID)
		}
		if err != nil {
			return err
		}
		def.Version = current + 1
		def.UpdatedAt = time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE chains SET name = ?, description = ?, version = ?, enabled = ?, template_id = ?, steps = ?, updated_at = ?
			 WHERE id = ?`,
			def.Name, nullStr(def.Description), def.Version, boolInt(def.Enabled),
			nullStr(def.TemplateID), string(steps), def.UpdatedAt, def.ID,
		); err != nil {
			return fmt.Errorf("update chain: %w", err)
		}
		return insertChainVersion(ctx, tx, def, string(steps))
	})
}

func insertChainVersion(ctx context.Context, tx *sql.Tx, def *schema.ChainDefinition, steps string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO chain_versions (chain_id, version, name, steps, created_at) VALUES (?, ?, ?, ?, ?)`,
		def.ID, def.Version, def.Name, steps, def.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert chain version: %w", err)
	}
	return nil
}

const chainColumns = `id, name, description, version, enabled, template_id, steps, created_at, updated_at`

func scanChain(row interface{ Scan(...any) error }) (*schema.ChainDefinition, error) {
	def := &schema.ChainDefinition{}
	var desc, tmpl sql.NullString
	var enabled int
	var steps string
	if err := row.Scan(&def.ID, &def.Name, &desc, &def.Version, &enabled, &tmpl, &steps,
		&def.CreatedAt, &def.UpdatedAt); err != nil {
		return nil, err
	}
	def.Description = desc.String
	def.TemplateID = tmpl.String
	def.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(steps), &def.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal chain steps: %w", err)
	}
	return def, nil
}

func (s *LibSQLStore) GetChain(ctx context.Context, id string) (*schema.ChainDefinition, error) {
	def, err := scanChain(s.db.QueryRowContext(ctx,
		`SELECT `+chainColumns+` FROM chains WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("chain", id)
	}
	return def, err
}

// GetChainVersion returns the chain as it was at the given version.
func (s *LibSQLStore) GetChainVersion(ctx context.Context, id string, version int) (*schema.ChainDefinition, error) {
	def := &schema.ChainDefinition{ID: id, Version: version}
	var steps string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, steps, created_at FROM chain_versions WHERE chain_id = ? AND version = ?`, id, version,
	).Scan(&def.Name, &steps, &def.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("chain version", fmt.Sprintf("%s@%d", id, version))
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &def.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal chain steps: %w", err)
	}
	def.UpdatedAt = def.CreatedAt
	return def, nil
}

func (s *LibSQLStore) ListChains(ctx context.Context) ([]*schema.ChainDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chainColumns+` FROM chains ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.ChainDefinition
	for rows.Next() {
		def, err := scanChain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// --- Triggers ---

func (s *LibSQLStore) CreateTrigger(ctx context.Context, t *schema.Trigger) error {
	conds, err := marshalMapOrDefault(t.Conditions)
	if err != nil {
		return fmt.Errorf("marshal trigger conditions: %w", err)
	}
	t.CreatedAt = timeOrNow(t.CreatedAt)
	t.UpdatedAt = timeOrNow(t.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO triggers (id, name, entity_type, status_from, status_to, chain_id, conditions, enabled, priority,
		 last_triggered_at, dispatch_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, nullStr(t.Name), t.EntityType, nullStrPtr(t.StatusFrom), nullStrPtr(t.StatusTo), t.ChainID, conds,
		boolInt(t.Enabled), t.Priority, nullTime(t.LastTriggeredAt), t.DispatchCount, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

const triggerColumns = `id, name, entity_type, status_from, status_to, chain_id, conditions, enabled, priority,
	last_triggered_at, dispatch_count, created_at, updated_at`

func scanTrigger(row interface{ Scan(...any) error }) (*schema.Trigger, error) {
	t := &schema.Trigger{}
	var name, from, to, conds sql.NullString
	var enabled int
	var last sql.NullTime
	if err := row.Scan(&t.ID, &name, &t.EntityType, &from, &to, &t.ChainID, &conds, &enabled, &t.Priority,
		&last, &t.DispatchCount, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Name = name.String
	t.StatusFrom = strPtr(from)
	t.StatusTo = strPtr(to)
	t.Enabled = enabled != 0
	t.LastTriggeredAt = timePtr(last)
	m, err := unmarshalMap(conds)
	if err != nil {
		return nil, fmt.Errorf("unmarshal trigger conditions: %w", err)
	}
	t.Conditions = m
	return t, nil
}

func (s *LibSQLStore) GetTrigger(ctx context.Context, id string) (*schema.Trigger, error) {
	t, err := scanTrigger(s.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("trigger", id)
	}
	return t, err
}

func (s *LibSQLStore) UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, nullStr(*update.Name))
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *update.Priority)
	}
	if update.Conditions != nil {
		conds, err := marshalMapOrDefault(update.Conditions)
		if err != nil {
			return fmt.Errorf("marshal trigger conditions: %w", err)
		}
		sets = append(sets, "conditions = ?")
		args = append(args, conds)
	}
	if update.ChainID != nil {
		sets = append(sets, "chain_id = ?")
		args = append(args, *update.ChainID)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", id)
}

func (s *LibSQLStore) ListTriggers(ctx context.Context, filter TriggerFilter) ([]*schema.Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers`
	var where []string
	var args []any
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.ChainID != "" {
		where = append(where, "chain_id = ?")
		args = append(args, filter.ChainID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", id)
}

// MarkTriggerDispatched records a dispatch. It only applies while dispatch_count
// still equals expectedCount, so two concurrent dispatchers cannot both claim the
// same window.
func (s *LibSQLStore) MarkTriggerDispatched(ctx context.Context, id string, expectedCount int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET last_triggered_at = ?, dispatch_count = dispatch_count + 1, updated_at = ?
		 WHERE id = ? AND dispatch_count = ?`,
		at, time.Now().UTC(), id, expectedCount,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTrigger(ctx, id); err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeConcurrentModification,
			"trigger %q was dispatched concurrently", id)
	}
	return nil
}
