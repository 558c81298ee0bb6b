package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"reviewdesk/internal/core"
	"reviewdesk/internal/external"
	"reviewdesk/internal/types"
)

// ReviewReader loads a review owned by an account.
type ReviewReader interface {
	GetForAccount(ctx context.Context, accountID, reviewID string) (*types.Review, error)
}

// BusinessReader loads a business owned by an account.
type BusinessReader interface {
	GetForAccount(ctx context.Context, accountID, id string) (*types.Business, error)
}

// ResponseRepo stores replies to reviews.
type ResponseRepo interface {
	Create(ctx context.Context, resp *types.Response) error
	ListByReview(ctx context.Context, accountID, reviewID string) ([]*types.Response, error)
}

// ReplyGenerator drafts a reply with the AI provider.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, req external.ReplyRequest) (string, error)
}

// FeatureGate rejects accounts whose plan lacks a feature.
type FeatureGate interface {
	RequireFeature(account *types.Account, feature types.Feature) error
}

// AIQuota reserves one generation from the plan's daily allowance. The
// returned release gives the slot back when the generation fails.
type AIQuota interface {
	ReserveAI(ctx context.Context, account *types.Account) (release func(context.Context), err error)
}

// GenerateReplyRequest is the body of POST /v1/responses/ai-generate.
type GenerateReplyRequest struct {
	ReviewID string `json:"review_id" validate:"required"`
	// Instructions is a custom reply template. Plans without
	// custom_templates are rejected when it is set.
	Instructions string `json:"instructions" validate:"max=1000"`
}

// GeneratedReply is the draft returned by POST /v1/responses/ai-generate.
// It is not stored; the client saves it with POST /v1/responses.
type GeneratedReply struct {
	ReviewID string        `json:"review_id"`
	Content  string        `json:"content"`
	Tone     external.Tone `json:"tone"`
}

// CreateResponseRequest is the body of POST /v1/responses.
type CreateResponseRequest struct {
	ReviewID    string `json:"review_id" validate:"required"`
	BusinessID  string `json:"business_id" validate:"required"`
	Content     string `json:"content" validate:"required,max=4000"`
	AIGenerated bool   `json:"ai_generated"`
}

// ResponseHandler drafts and stores replies to reviews.
type ResponseHandler struct {
	reviews    ReviewReader
	businesses BusinessReader
	responses  ResponseRepo
	accounts   AccountReader
	generator  ReplyGenerator
	quota      AIQuota
	features   FeatureGate
	metrics    LimitMetrics
	validator  *core.Validator
	logger     *slog.Logger
}

func NewResponseHandler(
	reviews ReviewReader,
	businesses BusinessReader,
	responses ResponseRepo,
	accounts AccountReader,
	generator ReplyGenerator,
	quota AIQuota,
	features FeatureGate,
	metrics LimitMetrics,
	v *core.Validator,
	l *slog.Logger,
) *ResponseHandler {
	if l == nil {
		l = slog.Default()
	}
	if metrics == nil {
		metrics = nopLimitMetrics{}
	}
	return &ResponseHandler{
		reviews:    reviews,
		businesses: businesses,
		responses:  responses,
		accounts:   accounts,
		generator:  generator,
		quota:      quota,
		features:   features,
		metrics:    metrics,
		validator:  v,
		logger:     l,
	}
}

func (h *ResponseHandler) RegisterRoutes(r chi.Router) {
	r.Post("/responses/ai-generate", h.Generate)
	r.Post("/responses", h.Create)
	r.Get("/responses", h.List)
}

// Generate handles POST /v1/responses/ai-generate:
//  1. Rejects custom instructions with 403 permission_feature_unavailable
//     unless the plan includes custom_templates.
//  2. Loads the review, which must belong to the caller.
//  3. Reserves a slot from today's allowance, rejecting with 429
//     limit_ai_exceeded when it is used up.
//  4. Drafts a reply whose tone follows the star rating.
//  5. Gives the slot back if the draft could not be produced.
func (h *ResponseHandler) Generate(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	logger := types.LoggerFromContext(ctx, h.logger)

	var req GenerateReplyRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	account, err := h.accounts.GetByID(ctx, id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	instructions := strings.TrimSpace(req.Instructions)
	if instructions != "" {
		if err := h.features.RequireFeature(account, types.FeatureCustomTemplates); err != nil {
			core.Error(w, r, err)
			return
		}
	}
	review, err := h.reviews.GetForAccount(ctx, id, req.ReviewID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	business, err := h.businesses.GetForAccount(ctx, id, review.BusinessID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	release, err := h.quota.ReserveAI(ctx, account)
	if err != nil {
		if types.IsCode(err, types.ErrCodeLimitAI) {
			h.metrics.RecordLimitRejection(types.ErrCodeLimitAI, account.Plan)
		}
		core.Error(w, r, err)
		return
	}

	content, err := h.generator.GenerateReply(ctx, external.ReplyRequest{
		BusinessName: business.Name,
		Review:       review,
		Instructions: instructions,
	})
	if err != nil {
		release(context.WithoutCancel(ctx))
		h.metrics.RecordAIGeneration(false)
		logger.ErrorContext(ctx, "AI reply generation failed",
			"account_id", id,
			"review_id", review.ID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	h.metrics.RecordAIGeneration(true)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: GeneratedReply{
		ReviewID: review.ID,
		Content:  content,
		Tone:     external.ToneForRating(review.Rating),
	}})
}

// Create handles POST /v1/responses.
func (h *ResponseHandler) Create(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	var req CreateResponseRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	review, err := h.reviews.GetForAccount(r.Context(), id, req.ReviewID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if review.BusinessID != req.BusinessID {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidInput,
			"review does not belong to business", nil,
			map[string]any{"field": "business_id"}))
		return
	}

	resp := &types.Response{
		ID:          uuid.NewString(),
		ReviewID:    review.ID,
		BusinessID:  review.BusinessID,
		Content:     strings.TrimSpace(req.Content),
		AIGenerated: req.AIGenerated,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.responses.Create(r.Context(), resp); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: resp})
}

// List handles GET /v1/responses?review_id=.
func (h *ResponseHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	reviewID := r.URL.Query().Get("review_id")
	if reviewID == "" {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"review_id is required", nil, map[string]any{"field": "review_id"}))
		return
	}
	out, err := h.responses.ListByReview(r.Context(), id, reviewID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.List(w, r, out)
}
