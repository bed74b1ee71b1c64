package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends audit rows via database/sql (pgx stdlib driver).
// The audit_events table carries insert-only rules.

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
		INSERT INTO audit_events (id, organization_id, type, actor_user_id, actor_role,
			ip_address, patient_id, campaign_id, call_id, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.OrganizationID, e.Type, e.ActorUserID, e.ActorRole,
		e.IPAddress, e.PatientID, e.CampaignID, e.CallID, e.Message, e.Metadata, e.CreatedAt,
	)
	return err
}
