package patients

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// PostgresRepo persists patients via database/sql (pgx stdlib driver).

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Create(ctx context.Context, p Patient) (Patient, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	md, err := json.Marshal(p.Metadata)
	if err != nil {
		return Patient{}, err
	}
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO patients (id, organization_id, campaign_id, name, phone, status, metadata, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, NOW(), NOW())
		RETURNING created_at, updated_at`,
		p.ID, p.OrganizationID, p.CampaignID, p.Name, p.Phone, p.Status, md,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Patient{}, err
	}
	return p, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Patient, error) {
	var (
		p  Patient
		md []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, organization_id, COALESCE(campaign_id::text, ''), name, phone, status, metadata, created_at, updated_at
		FROM patients WHERE id = $1`, id,
	).Scan(&p.ID, &p.OrganizationID, &p.CampaignID, &p.Name, &p.Phone, &p.Status, &md, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Patient{}, ErrNotFound
	}
	if err != nil {
		return Patient{}, err
	}
	if len(md) > 0 {
		if err := json.Unmarshal(md, &p.Metadata); err != nil {
			return Patient{}, err
		}
	}
	return p, nil
}

func (r *PostgresRepo) UpdateStatus(ctx context.Context, id string, s Status) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE patients SET status = $1, updated_at = NOW() WHERE id = $2`, s, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) ByCampaignStatus(ctx context.Context, campaignID string, statuses []Status) ([]Patient, error) {
	query := `
		SELECT id, organization_id, COALESCE(campaign_id::text, ''), name, phone, status, metadata, created_at, updated_at
		FROM patients WHERE campaign_id = $1`
	args := []any{campaignID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		ss := make([]string, len(statuses))
		for i, s := range statuses {
			ss[i] = string(s)
		}
		args = append(args, ss)
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Patient
	for rows.Next() {
		var (
			p  Patient
			md []byte
		)
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.CampaignID, &p.Name, &p.Phone, &p.Status, &md, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if len(md) > 0 {
			if err := json.Unmarshal(md, &p.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) CountActiveInCampaign(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM patients
		WHERE campaign_id = $1 AND status IN ('pending', 'queued', 'ringing', 'calling')`,
		campaignID).Scan(&n)
	return n, err
}
