package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"reviewdesk/internal/types"
)

// AccountRepository provides data access for the accounts table. Plan
// changes from billing events go through UpdatePlan, which is guarded by
// last_billing_event_at so that out-of-order webhook deliveries cannot
// regress an account.
type AccountRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewAccountRepository creates an AccountRepository.
func NewAccountRepository(db DBTX, logger *slog.Logger) *AccountRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountRepository{db: db, logger: logger}
}

const accountColumns = `id, email, name, plan, stripe_customer_id,
	last_billing_event_at, created_at, updated_at`

func scanAccount(row pgx.Row) (*types.Account, error) {
	var a types.Account
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.Name,
		&a.Plan,
		&a.CustomerRef,
		&a.LastBillingEventAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts a new account. The caller sets ID, Email, Name and Plan.
// A duplicate email yields conflict_account_exists.
func (r *AccountRepository) Create(ctx context.Context, a *types.Account) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO accounts (id, email, name, plan, stripe_customer_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()), COALESCE($6, NOW()))`,
		a.ID,
		a.Email,
		a.Name,
		a.Plan,
		a.CustomerRef,
		nilIfZeroTime(a.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictAccountExists, "an account with this email already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create account", err)
	}
	return nil
}

// FindByID returns the account with the given ID, or (nil, nil) when none
// exists.
func (r *AccountRepository) FindByID(ctx context.Context, id string) (*types.Account, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`,
		id,
	)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve account", err)
	}
	return a, nil
}

// FindByCustomerRef returns the account linked to a payment-provider
// customer, or (nil, nil) when none is linked.
func (r *AccountRepository) FindByCustomerRef(ctx context.Context, customerRef string) (*types.Account, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE stripe_customer_id = $1`,
		customerRef,
	)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve account by customer", err)
	}
	return a, nil
}

// GetByID is FindByID for request handlers: a missing account is
// not_found_account.
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*types.Account, error) {
	a, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	return a, nil
}

// UpdatePlan sets the account's plan, and its customer reference when
// customerRef is non-nil, provided eventTime is not older than the last
// applied billing event. Equal timestamps apply.
//
// Returns applied=false when the row exists but the event is stale, and
// not_found_account when no row has accountID.
func (r *AccountRepository) UpdatePlan(
	ctx context.Context,
	accountID string,
	plan types.PlanID,
	customerRef *string,
	eventTime time.Time,
) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET plan = $1,
		     stripe_customer_id = COALESCE($2, stripe_customer_id),
		     last_billing_event_at = $3,
		     updated_at = NOW()
		 WHERE id = $4
		   AND (last_billing_event_at IS NULL OR last_billing_event_at <= $3)`,
		plan,
		customerRef,
		eventTime,
		accountID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to update account plan", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Zero rows: either the account does not exist or the guard rejected
	// the event.
	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`,
		accountID,
	).Scan(&exists); err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check account existence", err)
	}
	if !exists {
		return false, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}

	r.logger.InfoContext(ctx, "stale billing event ignored",
		slog.String("account_id", accountID),
		slog.Time("event_time", eventTime),
	)
	return false, nil
}
