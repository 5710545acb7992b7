// Package postgres implements flow.Store on PostgreSQL via pgx.
package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meikuraledutech/flow"
)

// PGStore implements flow.Store using PostgreSQL via pgx.
type PGStore struct {
	db *pgxpool.Pool
}

var _ flow.Store = (*PGStore)(nil)

// New creates a new PGStore backed by the given pgx connection pool.
func New(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// isNoRows checks if the error is a "no rows" error from pgx.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isForeignKeyViolation reports a failed REFERENCES constraint.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// isUniqueViolation reports a failed UNIQUE constraint or index.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// marshalJSON encodes v for a JSONB column. A nil v is stored as SQL NULL.
func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("flow: encode jsonb: %w", err)
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

func unmarshalJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("flow: decode jsonb: %w", err)
	}
	return nil
}
