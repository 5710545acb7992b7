package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meikuraledutech/flow"
)

const workflowColumns = `id, name, description, version, dsl_version, is_built_in, is_active, definition, created_at, updated_at`

// CreateWorkflow inserts wf. If wf.ID is empty, a UUID is auto-generated.
// Version defaults to 1.
func (s *PGStore) CreateWorkflow(ctx context.Context, wf *flow.Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	def, err := marshalJSON(wf.Definition)
	if err != nil {
		return err
	}

	err = s.db.QueryRow(ctx,
		`INSERT INTO workflows (id, name, description, version, dsl_version, is_built_in, is_active, definition)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at, updated_at`,
		wf.ID, wf.Name, wf.Description, wf.Version, wf.DSLVersion, wf.IsBuiltIn, wf.IsActive, def,
	).Scan(&wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("flow: insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow fetches a workflow by its ID.
// Returns nil, nil if not found.
func (s *PGStore) GetWorkflow(ctx context.Context, id string) (*flow.Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("flow: get workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns all workflows, ordered by created_at.
// Returns an empty slice (not nil) if none found.
func (s *PGStore) ListWorkflows(ctx context.Context) ([]flow.Workflow, error) {
	rows, err := s.db.Query(ctx, `SELECT `+workflowColumns+` FROM workflows ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("flow: list workflows: %w", err)
	}
	defer rows.Close()

	out := []flow.Workflow{}
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("flow: scan workflow: %w", err)
		}
		out = append(out, *wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flow: rows workflows: %w", err)
	}
	return out, nil
}

// UpdateWorkflow replaces the stored fields of an existing workflow.
// Returns ErrWorkflowNotFound if the workflow doesn't exist.
func (s *PGStore) UpdateWorkflow(ctx context.Context, wf *flow.Workflow) error {
	def, err := marshalJSON(wf.Definition)
	if err != nil {
		return err
	}
	err = s.db.QueryRow(ctx,
		`UPDATE workflows
		 SET name = $2, description = $3, version = $4, dsl_version = $5,
		     is_built_in = $6, is_active = $7, definition = $8, updated_at = NOW()
		 WHERE id = $1
		 RETURNING created_at, updated_at`,
		wf.ID, wf.Name, wf.Description, wf.Version, wf.DSLVersion, wf.IsBuiltIn, wf.IsActive, def,
	).Scan(&wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return flow.ErrWorkflowNotFound
		}
		return fmt.Errorf("flow: update workflow: %w", err)
	}
	return nil
}

// DeleteWorkflow deletes a workflow by its ID.
// Its triggers are cascade-deleted by the DB; runs are kept as history.
// No error if the workflow doesn't exist.
func (s *PGStore) DeleteWorkflow(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id); err != nil {
		return fmt.Errorf("flow: delete workflow: %w", err)
	}
	return nil
}

func scanWorkflow(row pgx.Row) (*flow.Workflow, error) {
	var (
		wf  flow.Workflow
		def []byte
	)
	if err := row.Scan(&wf.ID, &wf.Name, &wf.Description, &wf.Version, &wf.DSLVersion,
		&wf.IsBuiltIn, &wf.IsActive, &def, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(def, &wf.Definition); err != nil {
		return nil, err
	}
	return &wf, nil
}
