package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meikuraledutech/flow"
)

const triggerColumns = `id, workflow_id, trigger_on, card_type_name, filter, is_active`

// CreateTrigger inserts t. If t.ID is empty, a UUID is auto-generated.
// Returns ErrWorkflowNotFound if t.WorkflowID doesn't exist.
func (s *PGStore) CreateTrigger(ctx context.Context, t *flow.Trigger) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	filter, err := marshalJSON(t.Filter)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO workflow_triggers (id, workflow_id, trigger_on, card_type_name, filter, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.WorkflowID, string(t.On), t.CardTypeName, filter, t.IsActive,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return flow.ErrWorkflowNotFound
		}
		return fmt.Errorf("flow: insert trigger: %w", err)
	}
	return nil
}

// GetTrigger fetches a trigger by its ID.
// Returns nil, nil if not found.
func (s *PGStore) GetTrigger(ctx context.Context, id string) (*flow.Trigger, error) {
	t, err := scanTrigger(s.db.QueryRow(ctx,
		`SELECT `+triggerColumns+` FROM workflow_triggers WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("flow: get trigger: %w", err)
	}
	return t, nil
}

// ListTriggers returns every trigger, ordered by created_at.
func (s *PGStore) ListTriggers(ctx context.Context) ([]flow.Trigger, error) {
	return s.queryTriggers(ctx,
		`SELECT `+triggerColumns+` FROM workflow_triggers ORDER BY created_at, id`)
}

// ActiveTriggers returns the active triggers bound to event.
func (s *PGStore) ActiveTriggers(ctx context.Context, event flow.Event) ([]flow.Trigger, error) {
	return s.queryTriggers(ctx,
		`SELECT `+triggerColumns+` FROM workflow_triggers
		 WHERE trigger_on = $1 AND is_active
		 ORDER BY created_at, id`, string(event))
}

// UpdateTrigger replaces the stored fields of an existing trigger.
// Returns ErrTriggerNotFound if the trigger doesn't exist.
func (s *PGStore) UpdateTrigger(ctx context.Context, t *flow.Trigger) error {
	filter, err := marshalJSON(t.Filter)
	if err != nil {
		return err
	}
	ct, err := s.db.Exec(ctx,
		`UPDATE workflow_triggers
		 SET workflow_id = $2, trigger_on = $3, card_type_name = $4, filter = $5, is_active = $6
		 WHERE id = $1`,
		t.ID, t.WorkflowID, string(t.On), t.CardTypeName, filter, t.IsActive,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return flow.ErrWorkflowNotFound
		}
		return fmt.Errorf("flow: update trigger: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return flow.ErrTriggerNotFound
	}
	return nil
}

// DeleteTrigger deletes a trigger by its ID.
// No error if the trigger doesn't exist.
func (s *PGStore) DeleteTrigger(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM workflow_triggers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("flow: delete trigger: %w", err)
	}
	return nil
}

func (s *PGStore) queryTriggers(ctx context.Context, sql string, args ...any) ([]flow.Trigger, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("flow: list triggers: %w", err)
	}
	defer rows.Close()

	out := []flow.Trigger{}
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("flow: scan trigger: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flow: rows triggers: %w", err)
	}
	return out, nil
}

func scanTrigger(row pgx.Row) (*flow.Trigger, error) {
	var (
		t      flow.Trigger
		on     string
		filter []byte
	)
	if err := row.Scan(&t.ID, &t.WorkflowID, &on, &t.CardTypeName, &filter, &t.IsActive); err != nil {
		return nil, err
	}
	t.On = flow.Event(on)
	if err := unmarshalJSON(filter, &t.Filter); err != nil {
		return nil, err
	}
	return &t, nil
}
