package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meikuraledutech/flow"
)

const runColumns = `id, workflow_id, definition_version, status, scope, params, idempotency_key,
	summary, error, created_at, started_at, finished_at`

// CreateRun inserts run. If run.ID is empty, a UUID is auto-generated.
// Returns flow.ErrActiveRunExists if a queued or running run of the same
// workflow already holds run.IdempotencyKey.
func (s *PGStore) CreateRun(ctx context.Context, run *flow.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	scope, err := marshalJSON(run.Scope)
	if err != nil {
		return err
	}
	params, err := marshalJSON(run.Params)
	if err != nil {
		return err
	}
	summary, err := marshalJSON(run.Summary)
	if err != nil {
		return err
	}
	runErr, err := marshalJSON(run.Error)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO workflow_runs (id, workflow_id, definition_version, status, scope, params,
		     idempotency_key, summary, error, created_at, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.WorkflowID, run.DefinitionVersion, string(run.Status), scope, params,
		run.IdempotencyKey, summary, runErr, run.CreatedAt, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", flow.ErrActiveRunExists, run.IdempotencyKey)
		}
		return fmt.Errorf("flow: insert run: %w", err)
	}
	return nil
}

// GetRun fetches a run by its ID.
// Returns nil, nil if not found.
func (s *PGStore) GetRun(ctx context.Context, id string) (*flow.Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("flow: get run: %w", err)
	}
	return run, nil
}

// UpdateRun saves status, timestamps, summary and error.
// The write is guarded in SQL so a run that already reached a terminal
// status is never overwritten; ErrRunTerminal is returned instead.
// Returns ErrRunNotFound if the run doesn't exist.
func (s *PGStore) UpdateRun(ctx context.Context, run *flow.Run) error {
	summary, err := marshalJSON(run.Summary)
	if err != nil {
		return err
	}
	runErr, err := marshalJSON(run.Error)
	if err != nil {
		return err
	}

	ct, err := s.db.Exec(ctx,
		`UPDATE workflow_runs
		 SET status = $2, started_at = $3, finished_at = $4, summary = $5, error = $6
		 WHERE id = $1 AND status NOT IN ('succeeded', 'failed', 'cancelled', 'partial')`,
		run.ID, string(run.Status), run.StartedAt, run.FinishedAt, summary, runErr,
	)
	if err != nil {
		return fmt.Errorf("flow: update run: %w", err)
	}
	if ct.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflow_runs WHERE id = $1)`, run.ID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("flow: check run: %w", err)
	}
	if !exists {
		return flow.ErrRunNotFound
	}
	return flow.ErrRunTerminal
}

// FindActiveRun returns the oldest queued or running run of workflowID
// carrying key, or nil, nil if there is none.
func (s *PGStore) FindActiveRun(ctx context.Context, workflowID, key string) (*flow.Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx,
		`SELECT `+runColumns+` FROM workflow_runs
		 WHERE workflow_id = $1 AND idempotency_key = $2 AND status IN ('queued', 'running')
		 ORDER BY created_at
		 LIMIT 1`, workflowID, key))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("flow: find active run: %w", err)
	}
	return run, nil
}

func scanRun(row pgx.Row) (*flow.Run, error) {
	var (
		run                          flow.Run
		status                       string
		scope, params, summary, rerr []byte
	)
	if err := row.Scan(&run.ID, &run.WorkflowID, &run.DefinitionVersion, &status, &scope, &params,
		&run.IdempotencyKey, &summary, &rerr, &run.CreatedAt, &run.StartedAt, &run.FinishedAt); err != nil {
		return nil, err
	}
	run.Status = flow.RunStatus(status)
	if err := unmarshalJSON(scope, &run.Scope); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(params, &run.Params); err != nil {
		return nil, err
	}
	if len(summary) > 0 {
		run.Summary = &flow.RunSummary{}
		if err := unmarshalJSON(summary, run.Summary); err != nil {
			return nil, err
		}
	}
	if len(rerr) > 0 {
		run.Error = &flow.RunError{}
		if err := unmarshalJSON(rerr, run.Error); err != nil {
			return nil, err
		}
	}
	return &run, nil
}
