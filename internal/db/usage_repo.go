package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"reviewdesk/internal/types"
)

// UsageRepository counts AI generations per account per UTC day in the
// ai_usage_daily table. It implements billing.UsageCounter.
type UsageRepository struct {
	db DBTX
}

func NewUsageRepository(db DBTX) *UsageRepository {
	return &UsageRepository{db: db}
}

// DailyAIUsage returns the count for day, zero when no row exists.
func (r *UsageRepository) DailyAIUsage(ctx context.Context, accountID string, day time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT ai_calls FROM ai_usage_daily WHERE account_id = $1 AND usage_date = $2`,
		accountID,
		day.UTC().Format(time.DateOnly),
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to read AI usage", err)
	}
	return count, nil
}

// IncrementAIUsage atomically adds one to the day's counter and returns the
// new value.
func (r *UsageRepository) IncrementAIUsage(ctx context.Context, accountID string, day time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`INSERT INTO ai_usage_daily (account_id, usage_date, ai_calls)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (account_id, usage_date)
		 DO UPDATE SET ai_calls = ai_usage_daily.ai_calls + 1
		 RETURNING ai_calls`,
		accountID,
		day.UTC().Format(time.DateOnly),
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to increment AI usage", err)
	}
	return count, nil
}

// DecrementAIUsage releases one reserved generation. The counter never drops
// below zero and a missing row is left alone.
func (r *UsageRepository) DecrementAIUsage(ctx context.Context, accountID string, day time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE ai_usage_daily
		 SET ai_calls = GREATEST(ai_calls - 1, 0)
		 WHERE account_id = $1 AND usage_date = $2`,
		accountID,
		day.UTC().Format(time.DateOnly),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release AI usage", err)
	}
	return nil
}
