package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"reviewdesk/internal/types"
)

// BusinessRepository provides data access for the businesses table.
type BusinessRepository struct {
	db DBTX
}

func NewBusinessRepository(db DBTX) *BusinessRepository {
	return &BusinessRepository{db: db}
}

func scanBusiness(row pgx.Row) (*types.Business, error) {
	var b types.Business
	var address *string
	if err := row.Scan(&b.ID, &b.AccountID, &b.Name, &address, &b.CreatedAt); err != nil {
		return nil, err
	}
	if address != nil {
		b.Address = *address
	}
	return &b, nil
}

// Create inserts a business.
func (r *BusinessRepository) Create(ctx context.Context, b *types.Business) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO businesses (id, account_id, name, address, created_at)
		 VALUES ($1, $2, $3, $4, COALESCE($5, NOW()))`,
		b.ID,
		b.AccountID,
		b.Name,
		nilIfEmpty(b.Address),
		nilIfZeroTime(b.CreatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create business", err)
	}
	return nil
}

// ListByAccount returns the account's businesses, oldest first.
func (r *BusinessRepository) ListByAccount(ctx context.Context, accountID string) ([]*types.Business, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, account_id, name, address, created_at
		 FROM businesses
		 WHERE account_id = $1
		 ORDER BY created_at ASC`,
		accountID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list businesses", err)
	}
	defer rows.Close()

	out := []*types.Business{}
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan business", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate businesses", err)
	}
	return out, nil
}

// GetForAccount returns a business owned by accountID. Businesses of other
// accounts are reported as not found.
func (r *BusinessRepository) GetForAccount(ctx context.Context, accountID, id string) (*types.Business, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, account_id, name, address, created_at
		 FROM businesses
		 WHERE id = $1 AND account_id = $2`,
		id,
		accountID,
	)
	b, err := scanBusiness(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundBusiness, "business not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve business", err)
	}
	return b, nil
}

// CountByAccount implements billing.BusinessCounter.
func (r *BusinessRepository) CountByAccount(ctx context.Context, accountID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM businesses WHERE account_id = $1`,
		accountID,
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count businesses", err)
	}
	return n, nil
}
