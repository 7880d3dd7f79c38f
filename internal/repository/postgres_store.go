package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dhoini/fleet-billing/internal/domain"
	"github.com/Dhoini/fleet-billing/pkg/logger"
)

const pgUniqueViolation = "23505"

const recordColumns = `
	tenant_id, external_customer_id, external_subscription_id,
	plan, billing_cycle, status, amount_cents, trial_ends_at,
	scheduled_plan, scheduled_billing_cycle, scheduled_amount_cents,
	cancel_at_period_end, canceled_at, checkout_initiated_at,
	created_at, updated_at`

// PostgresSubscriptionStore stores subscription records in PostgreSQL
type PostgresSubscriptionStore struct {
	db  *pgxpool.Pool
	now func() time.Time
	log *logger.Logger
}

// NewPostgresSubscriptionStore creates a PostgreSQL backed store
func NewPostgresSubscriptionStore(db *pgxpool.Pool, log *logger.Logger) *PostgresSubscriptionStore {
	return &PostgresSubscriptionStore{
		db:  db,
		now: time.Now,
		log: log,
	}
}

// Get returns the tenant's record
func (r *PostgresSubscriptionStore) Get(ctx context.Context, tenantID string) (*domain.SubscriptionRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM subscription_records WHERE tenant_id = $1`

	rec, err := scanRecord(r.db.QueryRow(ctx, query, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("subscription", tenantID)
		}
		return nil, fmt.Errorf("repository: failed to get subscription record: %w", err)
	}
	return rec, nil
}

// FindByExternalSubscriptionID returns the record referencing a provider subscription
func (r *PostgresSubscriptionStore) FindByExternalSubscriptionID(ctx context.Context, externalSubscriptionID string) (*domain.SubscriptionRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM subscription_records WHERE external_subscription_id = $1`

	rec, err := scanRecord(r.db.QueryRow(ctx, query, externalSubscriptionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("subscription", externalSubscriptionID)
		}
		return nil, fmt.Errorf("repository: failed to find subscription record: %w", err)
	}
	return rec, nil
}

// Create inserts a new record
func (r *PostgresSubscriptionStore) Create(ctx context.Context, rec *domain.SubscriptionRecord) error {
	now := r.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	query := `INSERT INTO subscription_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := r.db.Exec(ctx, query,
		rec.TenantID,
		nullString(rec.ExternalCustomerID),
		nullString(rec.ExternalSubscriptionID),
		string(rec.Plan),
		string(rec.BillingCycle),
		string(rec.Status),
		rec.AmountCents,
		rec.TrialEndsAt,
		planPtr(rec.ScheduledPlan),
		cyclePtr(rec.ScheduledBillingCycle),
		rec.ScheduledAmountCents,
		rec.CancelAtPeriodEnd,
		rec.CanceledAt,
		rec.CheckoutInitiatedAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return domain.NewDuplicateError("subscription", "tenant_id", rec.TenantID)
		}
		r.log.Errorw("Failed to insert subscription record", "error", err, "tenantID", rec.TenantID)
		return fmt.Errorf("repository: failed to create subscription record: %w", err)
	}
	return nil
}

// Update applies patch with a single UPDATE ... RETURNING
func (r *PostgresSubscriptionStore) Update(ctx context.Context, tenantID string, patch domain.SubscriptionPatch) (*domain.SubscriptionRecord, error) {
	set, args := buildUpdate(patch, r.now())
	args = append(args, tenantID)
	query := fmt.Sprintf(`UPDATE subscription_records SET %s WHERE tenant_id = $%d RETURNING %s`,
		set, len(args), recordColumns)

	rec, err := scanRecord(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("subscription", tenantID)
		}
		r.log.Errorw("Failed to update subscription record", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("repository: failed to update subscription record: %w", err)
	}
	return rec, nil
}

// buildUpdate renders the SET clause of a patch. updated_at is always written.
func buildUpdate(p domain.SubscriptionPatch, now time.Time) (string, []any) {
	var sets []string
	var args []any
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if p.ExternalCustomerID != nil {
		add("external_customer_id", nullString(*p.ExternalCustomerID))
	}
	if p.ExternalSubscriptionID != nil {
		add("external_subscription_id", nullString(*p.ExternalSubscriptionID))
	}
	if p.Plan != nil {
		add("plan", string(*p.Plan))
	}
	if p.BillingCycle != nil {
		add("billing_cycle", string(*p.BillingCycle))
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.AmountCents != nil {
		add("amount_cents", *p.AmountCents)
	}
	if p.CancelAtPeriodEnd != nil {
		add("cancel_at_period_end", *p.CancelAtPeriodEnd)
	}
	if p.CheckoutInitiatedAt != nil {
		add("checkout_initiated_at", *p.CheckoutInitiatedAt)
	}
	if p.ClearCanceledAt {
		sets = append(sets, "canceled_at = NULL")
	} else if p.CanceledAt != nil {
		add("canceled_at", *p.CanceledAt)
	}
	if p.ClearScheduled {
		sets = append(sets, "scheduled_plan = NULL", "scheduled_billing_cycle = NULL", "scheduled_amount_cents = NULL")
	} else if p.Scheduled != nil {
		add("scheduled_plan", string(p.Scheduled.Plan))
		add("scheduled_billing_cycle", string(p.Scheduled.Cycle))
		add("scheduled_amount_cents", p.Scheduled.AmountCents)
	}
	add("updated_at", now)

	return strings.Join(sets, ", "), args
}

func scanRecord(row pgx.Row) (*domain.SubscriptionRecord, error) {
	var (
		rec                     domain.SubscriptionRecord
		customerID, subID       *string
		plan, cycle, status     string
		scheduledPlan, schCycle *string
	)
	err := row.Scan(
		&rec.TenantID,
		&customerID,
		&subID,
		&plan,
		&cycle,
		&status,
		&rec.AmountCents,
		&rec.TrialEndsAt,
		&scheduledPlan,
		&schCycle,
		&rec.ScheduledAmountCents,
		&rec.CancelAtPeriodEnd,
		&rec.CanceledAt,
		&rec.CheckoutInitiatedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if customerID != nil {
		rec.ExternalCustomerID = *customerID
	}
	if subID != nil {
		rec.ExternalSubscriptionID = *subID
	}
	rec.Plan = domain.PlanTier(plan)
	rec.BillingCycle = domain.BillingCycle(cycle)
	rec.Status = domain.SubscriptionStatus(status)
	if scheduledPlan != nil && schCycle != nil {
		p, c := domain.PlanTier(*scheduledPlan), domain.BillingCycle(*schCycle)
		rec.ScheduledPlan = &p
		rec.ScheduledBillingCycle = &c
	}
	return &rec, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func planPtr(p *domain.PlanTier) *string {
	if p == nil {
		return nil
	}
	s := string(*p)
	return &s
}

func cyclePtr(c *domain.BillingCycle) *string {
	if c == nil {
		return nil
	}
	s := string(*c)
	return &s
}
