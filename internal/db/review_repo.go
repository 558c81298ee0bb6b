package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"reviewdesk/internal/types"
)

// reviewColumns selects a review with its owning account and whether any
// response has been saved for it. Callers join reviews rv to businesses b.
const reviewColumns = `rv.id, rv.business_id, b.account_id, rv.author_name, rv.rating, rv.text,
	EXISTS (SELECT 1 FROM responses rs WHERE rs.review_id = rv.id), rv.created_at`

// ReviewRepository reads reviews. Reviews are written by the review sync
// integration, not by this service.
type ReviewRepository struct {
	db DBTX
}

func NewReviewRepository(db DBTX) *ReviewRepository {
	return &ReviewRepository{db: db}
}

func scanReview(row pgx.Row) (*types.Review, error) {
	var rv types.Review
	var text *string
	if err := row.Scan(&rv.ID, &rv.BusinessID, &rv.AccountID, &rv.Author, &rv.Rating, &text, &rv.Responded, &rv.CreatedAt); err != nil {
		return nil, err
	}
	if text != nil {
		rv.Text = *text
	}
	return &rv, nil
}

// GetForAccount returns the review if it belongs to one of the account's
// businesses. Reviews owned by other accounts are reported as not found.
func (r *ReviewRepository) GetForAccount(ctx context.Context, accountID, reviewID string) (*types.Review, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+reviewColumns+`
		 FROM reviews rv
		 JOIN businesses b ON b.id = rv.business_id
		 WHERE rv.id = $1 AND b.account_id = $2`,
		reviewID,
		accountID,
	)
	rv, err := scanReview(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundReview, "review not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve review", err)
	}
	return rv, nil
}

// ListForAccount returns reviews across the account's businesses, newest
// first.
func (r *ReviewRepository) ListForAccount(ctx context.Context, accountID string, f types.ReviewFilter) ([]*types.Review, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+reviewColumns+`
		 FROM reviews rv
		 JOIN businesses b ON b.id = rv.business_id
		 WHERE b.account_id = $1
		   AND ($2::text IS NULL OR rv.business_id = $2)
		   AND ($3::boolean IS NULL OR EXISTS (SELECT 1 FROM responses rs WHERE rs.review_id = rv.id) = $3)
		 ORDER BY rv.created_at DESC
		 LIMIT $4`,
		accountID,
		nilIfEmpty(f.BusinessID),
		f.Responded,
		f.Limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list reviews", err)
	}
	defer rows.Close()

	out := []*types.Review{}
	for rows.Next() {
		rv, err := scanReview(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan review", err)
		}
		out = append(out, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate reviews", err)
	}
	return out, nil
}

// StatsForAccount counts the account's reviews created at or after since.
func (r *ReviewRepository) StatsForAccount(ctx context.Context, accountID string, since time.Time) (types.ReviewStats, error) {
	var s types.ReviewStats
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(rv.rating), 0),
		        COUNT(*) FILTER (WHERE rv.rating >= 4),
		        COUNT(*) FILTER (WHERE rv.rating <= 2),
		        COUNT(*) FILTER (WHERE EXISTS (SELECT 1 FROM responses rs WHERE rs.review_id = rv.id))
		 FROM reviews rv
		 JOIN businesses b ON b.id = rv.business_id
		 WHERE b.account_id = $1 AND rv.created_at >= $2`,
		accountID,
		since,
	).Scan(&s.Total, &s.RatingSum, &s.Positive, &s.Negative, &s.Responded)
	if err != nil {
		return types.ReviewStats{}, types.NewAppError(types.ErrCodeInternalDB, "failed to compute review stats", err)
	}
	return s, nil
}
