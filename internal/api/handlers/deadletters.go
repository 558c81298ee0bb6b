package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"reviewdesk/internal/billing"
	"reviewdesk/internal/core"
	"reviewdesk/internal/types"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 200
)

// DeadLetterStore is the dead-letter log the operator endpoints read and
// resolve.
type DeadLetterStore interface {
	ListUnresolved(ctx context.Context, limit int) ([]*types.DeadLetter, error)
	GetByID(ctx context.Context, id string) (*types.DeadLetter, error)
	MarkResolved(ctx context.Context, id string) error
}

// ReplayResult is returned by POST /v1/admin/dead-letters/{id}/replay.
type ReplayResult struct {
	DeadLetterID string                 `json:"dead_letter_id"`
	Outcome      types.ReconcileOutcome `json:"outcome"`
	Resolved     bool                   `json:"resolved"`
	Reason       types.ErrorCode        `json:"reason,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// DeadLetterHandler lets operators inspect and replay billing events that
// could not be applied.
//
// The reconciler given here must not write dead letters itself; otherwise a
// failed replay would add a second record for the same event.
type DeadLetterHandler struct {
	store      DeadLetterStore
	reconciler EventReconciler
	logger     *slog.Logger
}

func NewDeadLetterHandler(store DeadLetterStore, reconciler EventReconciler, l *slog.Logger) *DeadLetterHandler {
	if l == nil {
		l = slog.Default()
	}
	return &DeadLetterHandler{store: store, reconciler: reconciler, logger: l}
}

// RegisterRoutes mounts the operator routes under /v1/admin.
func (h *DeadLetterHandler) RegisterRoutes(r chi.Router) {
	r.Get("/dead-letters", h.List)
	r.Post("/dead-letters/{id}/replay", h.Replay)
}

// List handles GET /v1/admin/dead-letters?limit=.
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := core.QueryLimit(r, defaultDeadLetterLimit, maxDeadLetterLimit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	out, err := h.store.ListUnresolved(r.Context(), limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.List(w, r, out)
}

// Replay handles POST /v1/admin/dead-letters/{id}/replay. The stored event
// is reconciled again; applied, stale and ignored outcomes resolve the dead
// letter.
func (h *DeadLetterHandler) Replay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := types.LoggerFromContext(ctx, h.logger)

	dl, err := h.store.GetByID(ctx, chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if dl.ResolvedAt != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeConflictAlreadyResolved,
			"dead letter is already resolved", nil))
		return
	}

	var ev types.BillingEvent
	if err := json.Unmarshal(dl.Payload, &ev); err != nil || ev.ID == "" || ev.Type == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeEventMalformed,
			"dead letter does not hold a replayable event", err))
		return
	}

	res := h.reconciler.Reconcile(ctx, ev)
	out := ReplayResult{DeadLetterID: dl.ID, Outcome: res.Outcome}
	if res.Err != nil {
		out.Reason = types.CodeOf(res.Err)
		out.Error = res.Err.Error()
	}

	if billing.Settles(res.Outcome) {
		if err := h.store.MarkResolved(ctx, dl.ID); err != nil {
			core.Error(w, r, err)
			return
		}
		out.Resolved = true
	}

	logger.InfoContext(ctx, "dead letter replayed",
		"dead_letter_id", dl.ID,
		"event_id", ev.ID,
		"outcome", string(res.Outcome),
		"resolved", out.Resolved,
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: out})
}
