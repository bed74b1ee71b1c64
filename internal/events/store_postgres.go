package events

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresStore persists events via database/sql (pgx stdlib driver).
// The events table is INSERT-only; no update or delete is exposed.

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Append(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, organization_id, call_id, type, payload, created_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6)`,
		e.ID, e.OrganizationID, e.CallID, e.Type, payload, e.CreatedAt)
	return err
}

func (s *PostgresStore) ByCall(ctx context.Context, callID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(organization_id::text, ''), COALESCE(call_id::text, ''), type, payload, created_at
		FROM events WHERE call_id = $1
		ORDER BY created_at ASC
		LIMIT $2`, callID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e   Event
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.CallID, &e.Type, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
