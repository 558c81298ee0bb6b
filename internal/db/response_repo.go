package db

import (
	"context"

	"reviewdesk/internal/types"
)

// ResponseRepository stores replies to reviews.
type ResponseRepository struct {
	db DBTX
}

func NewResponseRepository(db DBTX) *ResponseRepository {
	return &ResponseRepository{db: db}
}

// Create inserts a response.
func (r *ResponseRepository) Create(ctx context.Context, resp *types.Response) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO responses (id, review_id, business_id, content, ai_generated, is_published, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`,
		resp.ID,
		resp.ReviewID,
		resp.BusinessID,
		resp.Content,
		resp.AIGenerated,
		resp.IsPublished,
		nilIfZeroTime(resp.CreatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create response", err)
	}
	return nil
}

// ListByReview returns the responses to a review owned by accountID,
// newest first.
func (r *ResponseRepository) ListByReview(ctx context.Context, accountID, reviewID string) ([]*types.Response, error) {
	rows, err := r.db.Query(ctx,
		`SELECT rs.id, rs.review_id, rs.business_id, rs.content, rs.ai_generated, rs.is_published, rs.created_at
		 FROM responses rs
		 JOIN businesses b ON b.id = rs.business_id
		 WHERE rs.review_id = $1 AND b.account_id = $2
		 ORDER BY rs.created_at DESC`,
		reviewID,
		accountID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list responses", err)
	}
	defer rows.Close()

	out := []*types.Response{}
	for rows.Next() {
		var resp types.Response
		if err := rows.Scan(
			&resp.ID,
			&resp.ReviewID,
			&resp.BusinessID,
			&resp.Content,
			&resp.AIGenerated,
			&resp.IsPublished,
			&resp.CreatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan response", err)
		}
		out = append(out, &resp)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate responses", err)
	}
	return out, nil
}
