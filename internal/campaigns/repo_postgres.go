package campaigns

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// PostgresRepo persists campaigns via database/sql (pgx stdlib driver).

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Create(ctx context.Context, c Campaign) (Campaign, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = StatusDraft
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO campaigns (id, organization_id, name, goal, prompt_template, greeting_script, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING created_at, updated_at`,
		c.ID, c.OrganizationID, c.Name, c.Goal, c.PromptTemplate, c.GreetingScript, c.Status,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Campaign{}, err
	}
	return c, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Campaign, error) {
	var c Campaign
	err := r.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, goal, prompt_template, greeting_script, status, created_at, updated_at
		FROM campaigns WHERE id = $1`, id,
	).Scan(&c.ID, &c.OrganizationID, &c.Name, &c.Goal, &c.PromptTemplate, &c.GreetingScript, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	if err != nil {
		return Campaign{}, err
	}
	return c, nil
}

func (r *PostgresRepo) UpdateStatus(ctx context.Context, id string, s Status) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET status = $1, updated_at = NOW() WHERE id = $2`, s, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
