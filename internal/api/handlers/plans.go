package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"reviewdesk/internal/billing"
	"reviewdesk/internal/core"
)

// PlansHandler serves the public plan catalog.
type PlansHandler struct {
	catalog *billing.Catalog
}

func NewPlansHandler(catalog *billing.Catalog) *PlansHandler {
	return &PlansHandler{catalog: catalog}
}

func (h *PlansHandler) RegisterRoutes(r chi.Router) {
	r.Get("/plans", h.List)
}

// List handles GET /v1/plans.
func (h *PlansHandler) List(w http.ResponseWriter, r *http.Request) {
	core.List(w, r, h.catalog.List())
}
