package purchase

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/astroweb/astro-server/internal/api"
	"github.com/astroweb/astro-server/internal/identity"
)

// Handler serves the plan catalog and purchase creation endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates the purchase handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers purchase routes (behind the identity middleware).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/plans", h.ListPlans)
	r.Post("/api/purchase", h.CreatePurchase)
}

// ListPlans returns the purchasable plan catalog.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, map[string]interface{}{
		"plans": h.service.Plans(),
	})
}

type createPurchaseRequest struct {
	PlanID string `json:"plan_id"`
}

// CreatePurchase records a pending purchase. The response is 202: credits
// arrive only after the settlement worker processes the payment delay, and
// the balance update reaches the client over the balance socket.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := h.service.Create(r.Context(), userID, req.PlanID)
	if err != nil {
		if errors.Is(err, ErrUnknownPlan) {
			api.Error(w, http.StatusBadRequest, "unknown plan")
			return
		}
		api.Error(w, http.StatusInternalServerError, "failed to create purchase")
		return
	}

	api.JSON(w, http.StatusAccepted, p)
}
