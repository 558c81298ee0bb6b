package handlers

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"reviewdesk/internal/core"
	"reviewdesk/internal/types"
)

const (
	defaultReviewLimit = 50
	maxReviewLimit     = 200
)

// Review status filters accepted by GET /v1/reviews?status=.
const (
	reviewStatusAll          = "all"
	reviewStatusResponded    = "responded"
	reviewStatusNotResponded = "not_responded"
)

// ReviewLister lists and counts reviews across an account's businesses.
type ReviewLister interface {
	ListForAccount(ctx context.Context, accountID string, f types.ReviewFilter) ([]*types.Review, error)
	StatsForAccount(ctx context.Context, accountID string, since time.Time) (types.ReviewStats, error)
}

// AnalyticsWindow bounds analytics by the plan's retention.
type AnalyticsWindow interface {
	AnalyticsSince(account *types.Account) (time.Time, error)
}

// ReviewAnalytics is the body of GET /v1/analytics.
type ReviewAnalytics struct {
	Since           time.Time `json:"since"`
	TotalReviews    int       `json:"total_reviews"`
	AverageRating   float64   `json:"average_rating"`
	PositiveReviews int       `json:"positive_reviews"`
	NegativeReviews int       `json:"negative_reviews"`
	Responded       int       `json:"responded_reviews"`
	ResponseRate    int       `json:"response_rate"` // percent
}

// summarizeReviews derives the analytics view from raw counts. The average
// is rounded to one decimal and is 0 when there are no reviews.
func summarizeReviews(since time.Time, s types.ReviewStats) ReviewAnalytics {
	out := ReviewAnalytics{
		Since:           since,
		TotalReviews:    s.Total,
		PositiveReviews: s.Positive,
		NegativeReviews: s.Negative,
		Responded:       s.Responded,
	}
	if s.Total > 0 {
		out.AverageRating = math.Round(float64(s.RatingSum)/float64(s.Total)*10) / 10
		out.ResponseRate = int(math.Round(float64(s.Responded) / float64(s.Total) * 100))
	}
	return out
}

// ReviewHandler serves the review inbox and its analytics.
type ReviewHandler struct {
	reviews  ReviewLister
	accounts AccountReader
	window   AnalyticsWindow
}

func NewReviewHandler(reviews ReviewLister, accounts AccountReader, window AnalyticsWindow) *ReviewHandler {
	return &ReviewHandler{reviews: reviews, accounts: accounts, window: window}
}

func (h *ReviewHandler) RegisterRoutes(r chi.Router) {
	r.Get("/reviews", h.List)
	r.Get("/analytics", h.Analytics)
}

// List handles GET /v1/reviews?status=&business_id=&limit=, newest first.
func (h *ReviewHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	limit, err := core.QueryLimit(r, defaultReviewLimit, maxReviewLimit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	filter := types.ReviewFilter{
		BusinessID: r.URL.Query().Get("business_id"),
		Limit:      limit,
	}
	switch status := r.URL.Query().Get("status"); status {
	case "", reviewStatusAll:
	case reviewStatusResponded, reviewStatusNotResponded:
		responded := status == reviewStatusResponded
		filter.Responded = &responded
	default:
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidInput,
			"status must be all, responded or not_responded", nil,
			map[string]any{"field": "status"}))
		return
	}

	out, err := h.reviews.ListForAccount(r.Context(), id, filter)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.List(w, r, out)
}

// Analytics handles GET /v1/analytics. Only reviews inside the plan's
// retention window are counted.
func (h *ReviewHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	account, err := h.accounts.GetByID(ctx, id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	since, err := h.window.AnalyticsSince(account)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	stats, err := h.reviews.StatsForAccount(ctx, id, since)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: summarizeReviews(since, stats)})
}
