package reporting

import (
	"context"
	"database/sql"
	"time"

	"outreach-platform/internal/calls"
)

// PostgresRepo reads call rows via database/sql (pgx stdlib driver).

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) ListCalls(ctx context.Context, organizationID string, from, to time.Time, campaignID string) ([]calls.Call, error) {
	const q = `
		SELECT id, organization_id, patient_id, COALESCE(campaign_id::text, ''), state,
			transcript, duration, sentiment, appointment_confirmed, requested_callback,
			summary, structured_output, retry_count, state_metadata, created_at, updated_at
		FROM calls
		WHERE organization_id = $1
		  AND created_at >= $2 AND created_at < $3
		  AND ($4 = '' OR campaign_id::text = $4)
		ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, q, organizationID, from, to, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]calls.Call, 0)
	for rows.Next() {
		var c calls.Call
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
