package calls

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// PostgresRepo persists calls via database/sql (pgx stdlib driver).

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Create(ctx context.Context, c Call) (Call, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO calls (id, organization_id, patient_id, campaign_id, state,
			transcript, duration, sentiment, appointment_confirmed, requested_callback,
			summary, structured_output, retry_count, state_metadata, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		RETURNING created_at, updated_at`
	structured := c.StructuredOutput
	if len(structured) == 0 {
		structured = []byte("{}")
	}
	md := c.StateMetadata
	if len(md) == 0 {
		md = []byte("{}")
	}
	err := r.db.QueryRowContext(ctx, q,
		c.ID, c.OrganizationID, c.PatientID, c.CampaignID, c.State,
		c.Transcript, c.DurationSeconds, c.Sentiment, c.AppointmentConfirmed, c.RequestedCallback,
		c.Summary, structured, c.RetryCount, md,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Call{}, err
	}
	return c, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Call, error) {
	const q = `
		SELECT id, organization_id, patient_id, COALESCE(campaign_id::text, ''), state,
			transcript, duration, sentiment, appointment_confirmed, requested_callback,
			summary, structured_output, retry_count, state_metadata, created_at, updated_at
		FROM calls WHERE id = $1`
	var c Call
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&c.ID, &c.OrganizationID, &c.PatientID, &c.CampaignID, &c.State,
		&c.Transcript, &c.DurationSeconds, &c.Sentiment, &c.AppointmentConfirmed, &c.RequestedCallback,
		&c.Summary, &c.StructuredOutput, &c.RetryCount, &c.StateMetadata, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	if err != nil {
		return Call{}, err
	}
	return c, nil
}

func (r *PostgresRepo) CurrentState(ctx context.Context, id string) (State, bool, error) {
	var s State
	err := r.db.QueryRowContext(ctx, `SELECT state FROM calls WHERE id = $1`, id).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

func (r *PostgresRepo) UpdateState(ctx context.Context, id string, s State, metadata []byte) error {
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE calls SET state = $1, state_metadata = $2, updated_at = NOW() WHERE id = $3`,
		s, metadata, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) UpdateTranscript(ctx context.Context, id, transcript string, durationSeconds int, requestedCallback bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE calls SET transcript = $1, duration = $2, requested_callback = $3, updated_at = NOW() WHERE id = $4`,
		transcript, durationSeconds, requestedCallback, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) StoreAnalysis(ctx context.Context, id string, u AnalysisUpdate) error {
	structured := u.StructuredOutput
	if len(structured) == 0 {
		structured = []byte("{}")
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE calls SET transcript = $1, duration = $2, sentiment = $3,
			appointment_confirmed = $4, requested_callback = $5, summary = $6,
			structured_output = $7, updated_at = NOW()
		WHERE id = $8`,
		u.Transcript, u.DurationSeconds, u.Sentiment,
		u.AppointmentConfirmed, u.RequestedCallback, u.Summary,
		structured, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) IncrementRetry(ctx context.Context, id string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`UPDATE calls SET retry_count = retry_count + 1, updated_at = NOW() WHERE id = $1 RETURNING retry_count`,
		id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *PostgresRepo) ByState(ctx context.Context, organizationID string, s State, limit int) ([]Call, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	const q = `
		SELECT id, organization_id, patient_id, COALESCE(campaign_id::text, ''), state,
			transcript, duration, sentiment, appointment_confirmed, requested_callback,
			summary, structured_output, retry_count, state_metadata, created_at, updated_at
		FROM calls
		WHERE state = $1 AND ($2 = '' OR organization_id = $2)
		ORDER BY created_at DESC
		LIMIT $3`
	rows, err := r.db.QueryContext(ctx, q, s, organizationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		var c Call
		if err := rows.Scan(
			&c.ID, &c.OrganizationID, &c.PatientID, &c.CampaignID, &c.State,
			&c.Transcript, &c.DurationSeconds, &c.Sentiment, &c.AppointmentConfirmed, &c.RequestedCallback,
			&c.Summary, &c.StructuredOutput, &c.RetryCount, &c.StateMetadata, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
