package hipaa

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medscribe/medscribe/internal/platform/db"
)

// PGAuditStore persists audit entries in the audit_logs table.
type PGAuditStore struct {
	pool *pgxpool.Pool
}

// NewPGAuditStore creates a new PGAuditStore backed by the given connection pool.
func NewPGAuditStore(pool *pgxpool.Pool) *PGAuditStore {
	return &PGAuditStore{pool: pool}
}

func (s *PGAuditStore) Append(ctx context.Context, e AuditLogEntry) error {
	const query = `
		INSERT INTO audit_logs (id, user_id, action, resource_type, resource_id, details, ip_address, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	return db.WithConn(ctx, s.pool, func(q db.Querier) error {
		_, err := q.Exec(ctx, query,
			e.ID, e.UserID, e.Action,
			nullable(e.ResourceType), nullable(e.ResourceID), nullable(e.Details), nullable(e.IPAddress),
			e.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		return nil
	})
}

func (s *PGAuditStore) Recent(ctx context.Context, limit int) ([]AuditLogEntry, error) {
	const query = `
		SELECT id, user_id, action, resource_type, resource_id, details, ip_address, timestamp
		FROM audit_logs
		ORDER BY timestamp DESC
		LIMIT $1`

	var out []AuditLogEntry
	err := db.WithConn(ctx, s.pool, func(q db.Querier) error {
		rows, err := q.Query(ctx, query, limit)
		if err != nil {
			return fmt.Errorf("query audit entries: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var e AuditLogEntry
			var resType, resID, details, ip *string
			if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &resType, &resID, &details, &ip, &e.Timestamp); err != nil {
				return fmt.Errorf("scan audit entry: %w", err)
			}
			e.ResourceType = deref(resType)
			e.ResourceID = deref(resID)
			e.Details = deref(details)
			e.IPAddress = deref(ip)
			e.Timestamp = e.Timestamp.UTC()
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
