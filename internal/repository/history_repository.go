package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Dhoini/fleet-billing/internal/domain"
	"github.com/Dhoini/fleet-billing/pkg/logger"
)

const defaultHistoryLimit = 50

// postgresHistoryRepo implements HistoryStore on top of sqlx.
type postgresHistoryRepo struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewPostgresHistoryRepository creates a history log backed by PostgreSQL.
func NewPostgresHistoryRepository(db *sqlx.DB, log *logger.Logger) HistoryStore {
	return &postgresHistoryRepo{
		db:  db,
		log: log,
	}
}

// Append inserts a history row and fills in its ID.
func (r *postgresHistoryRepo) Append(ctx context.Context, entry *domain.HistoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO subscription_history (
            tenant_id, event_type, from_plan, from_billing_cycle,
            to_plan, to_billing_cycle, effective, coupon_id,
            external_reference, created_at
        ) VALUES (
            :tenant_id, :event_type, :from_plan, :from_billing_cycle,
            :to_plan, :to_billing_cycle, :effective, :coupon_id,
            :external_reference, :created_at
        ) RETURNING id`

	rows, err := r.db.NamedQueryContext(ctx, query, entry)
	if err != nil {
		r.log.Errorw("Failed to append subscription history", "error", err, "tenantID", entry.TenantID)
		return fmt.Errorf("repository: failed to append history: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&entry.ID); err != nil {
			return fmt.Errorf("repository: failed to read history id: %w", err)
		}
	}
	return rows.Err()
}

// ListByTenant returns the tenant's history, newest first.
func (r *postgresHistoryRepo) ListByTenant(ctx context.Context, tenantID string, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	entries := []domain.HistoryEntry{}
	query := `
        SELECT id, tenant_id, event_type, from_plan, from_billing_cycle,
               to_plan, to_billing_cycle, effective, coupon_id,
               external_reference, created_at
        FROM subscription_history
        WHERE tenant_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2`

	if err := r.db.SelectContext(ctx, &entries, query, tenantID, limit); err != nil {
		r.log.Errorw("Failed to list subscription history", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("repository: failed to list history: %w", err)
	}

	r.log.Debugw("Loaded subscription history", "tenantID", tenantID, "count", len(entries))
	return entries, nil
}
