package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meikuraledutech/flow"
)

const cardSelect = `SELECT c.id, c.title, c.model_name, c.content, COALESCE(c.parent_id, ''), c.project_id,
	c.card_type_id, COALESCE(t.name, ''), c.display_order, c.ai_context_template, c.created_at
	FROM cards c LEFT JOIN card_types t ON t.id = c.card_type_id`

// GetCard fetches a card by its ID, with its card type name joined in.
// Returns nil, nil if not found.
func (s *PGStore) GetCard(ctx context.Context, id string) (*flow.Card, error) {
	c, err := scanCard(s.db.QueryRow(ctx, cardSelect+` WHERE c.id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("flow: get card: %w", err)
	}
	return c, nil
}

// ListChildren returns the cards of cardTypeID under parentID, ordered by
// display_order. An empty parentID selects cards at the project root.
// Returns an empty slice (not nil) if none found.
func (s *PGStore) ListChildren(ctx context.Context, projectID, parentID, cardTypeID string) ([]flow.Card, error) {
	rows, err := s.db.Query(ctx, cardSelect+`
		WHERE c.project_id = $1 AND COALESCE(c.parent_id, '') = $2 AND c.card_type_id = $3
		ORDER BY c.display_order, c.created_at`,
		projectID, parentID, cardTypeID)
	if err != nil {
		return nil, fmt.Errorf("flow: list children: %w", err)
	}
	defer rows.Close()

	cards := []flow.Card{}
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("flow: scan card: %w", err)
		}
		cards = append(cards, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flow: rows cards: %w", err)
	}
	return cards, nil
}

// CreateCard inserts c. If c.ID is empty, a UUID is auto-generated.
func (s *PGStore) CreateCard(ctx context.Context, c *flow.Card) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Content == nil {
		c.Content = map[string]any{}
	}
	content, err := marshalJSON(c.Content)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO cards (id, title, model_name, content, parent_id, project_id, card_type_id,
		     display_order, ai_context_template, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10)`,
		c.ID, c.Title, c.ModelName, content, c.ParentID, c.ProjectID, c.CardTypeID,
		c.DisplayOrder, c.AIContextTemplate, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("flow: insert card: %w", err)
	}
	return nil
}

// UpdateCard saves the title and content of an existing card.
// Returns ErrCardNotFound if the card doesn't exist.
func (s *PGStore) UpdateCard(ctx context.Context, c *flow.Card) error {
	content, err := marshalJSON(c.Content)
	if err != nil {
		return err
	}
	if content == nil {
		content = []byte("{}")
	}
	ct, err := s.db.Exec(ctx,
		`UPDATE cards SET title = $2, content = $3 WHERE id = $1`,
		c.ID, c.Title, content,
	)
	if err != nil {
		return fmt.Errorf("flow: update card: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return flow.ErrCardNotFound
	}
	return nil
}

// GetCardTypeByName fetches a card type by its unique name.
// Returns nil, nil if not found.
func (s *PGStore) GetCardTypeByName(ctx context.Context, name string) (*flow.CardType, error) {
	var (
		ct     flow.CardType
		schema []byte
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, name, model_name, json_schema, default_ai_context_template
		 FROM card_types WHERE name = $1`, name,
	).Scan(&ct.ID, &ct.Name, &ct.ModelName, &schema, &ct.DefaultAIContextTemplate)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("flow: get card type: %w", err)
	}
	if err := unmarshalJSON(schema, &ct.Schema); err != nil {
		return nil, err
	}
	return &ct, nil
}

// CreateCardType inserts ct. If ct.ID is empty, a UUID is auto-generated.
func (s *PGStore) CreateCardType(ctx context.Context, ct *flow.CardType) error {
	if ct.ID == "" {
		ct.ID = uuid.NewString()
	}
	schema, err := marshalJSON(ct.Schema)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO card_types (id, name, model_name, json_schema, default_ai_context_template)
		 VALUES ($1, $2, $3, $4, $5)`,
		ct.ID, ct.Name, ct.ModelName, schema, ct.DefaultAIContextTemplate,
	)
	if err != nil {
		return fmt.Errorf("flow: insert card type: %w", err)
	}
	return nil
}

func scanCard(row pgx.Row) (*flow.Card, error) {
	var (
		c       flow.Card
		content []byte
	)
	if err := row.Scan(&c.ID, &c.Title, &c.ModelName, &content, &c.ParentID, &c.ProjectID,
		&c.CardTypeID, &c.CardTypeName, &c.DisplayOrder, &c.AIContextTemplate, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Content = map[string]any{}
	if err := unmarshalJSON(content, &c.Content); err != nil {
		return nil, err
	}
	return &c, nil
}
