package postgres

import "context"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS workflows (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    version      INT NOT NULL DEFAULT 1,
    dsl_version  INT NOT NULL DEFAULT 1,
    is_built_in  BOOLEAN NOT NULL DEFAULT FALSE,
    is_active    BOOLEAN NOT NULL DEFAULT TRUE,
    definition   JSONB NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS workflow_triggers (
    id             TEXT PRIMARY KEY,
    workflow_id    TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    trigger_on     TEXT NOT NULL,
    card_type_name TEXT NOT NULL DEFAULT '',
    filter         JSONB,
    is_active      BOOLEAN NOT NULL DEFAULT TRUE,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS workflow_runs (
    id                 TEXT PRIMARY KEY,
    workflow_id        TEXT NOT NULL,
    definition_version INT NOT NULL DEFAULT 1,
    status             TEXT NOT NULL,
    scope              JSONB,
    params             JSONB,
    idempotency_key    TEXT NOT NULL DEFAULT '',
    summary            JSONB,
    error              JSONB,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    started_at         TIMESTAMPTZ,
    finished_at        TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS card_types (
    id                          TEXT PRIMARY KEY,
    name                        TEXT NOT NULL UNIQUE,
    model_name                  TEXT NOT NULL DEFAULT '',
    json_schema                 JSONB,
    default_ai_context_template TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS cards (
    id                  TEXT PRIMARY KEY,
    title               TEXT NOT NULL,
    model_name          TEXT NOT NULL DEFAULT '',
    content             JSONB NOT NULL DEFAULT '{}',
    parent_id           TEXT REFERENCES cards(id) ON DELETE CASCADE,
    project_id          TEXT NOT NULL,
    card_type_id        TEXT NOT NULL,
    display_order       INT NOT NULL DEFAULT 0,
    ai_context_template TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_workflow_triggers_on  ON workflow_triggers(trigger_on) WHERE is_active;
CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_runs_active_key ON workflow_runs(workflow_id, idempotency_key)
    WHERE status IN ('queued', 'running') AND idempotency_key <> '';
CREATE INDEX IF NOT EXISTS idx_cards_children        ON cards(project_id, parent_id, card_type_id);
`

// CreateSchema creates the flow tables if they don't exist.
func (s *PGStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaSQL)
	return err
}

// DropSchema drops every table created by CreateSchema.
func (s *PGStore) DropSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DROP TABLE IF EXISTS workflow_runs, workflow_triggers, workflows, cards, card_types CASCADE;`)
	return err
}
