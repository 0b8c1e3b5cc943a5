// Package handler exposes staff account management inside the tenant API.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/narthex-io/narthex/domains/users/be/service"
	"github.com/narthex-io/narthex/platform/go/apperr"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

func New(svc *service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("users service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Register registers the staff endpoints; callers wrap them in the tenant
// resolution middleware.
func (h *Handler) Register(r chi.Router) {
	r.Post("/users", h.Invite)
	r.Get("/users", h.List)
	r.Get("/users/{userID}", h.Get)
	r.Post("/users/{userID}/activate", h.Activate)
	r.Post("/users/{userID}/roles", h.AssignRole)
	r.Delete("/users/{userID}", h.Disable)
}

// Invite implements POST /v1/users. The response carries the one-time
// temporary password; it is never retrievable again.
func (h *Handler) Invite(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("tenant not resolved"))
		return
	}
	var input service.InviteInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_body", "request body must be valid JSON"))
		return
	}
	result, err := h.svc.Invite(r.Context(), space, input)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusCreated, result)
}

// List implements GET /v1/users.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("tenant not resolved"))
		return
	}
	users, err := h.svc.List(r.Context(), space)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, map[string]any{"users": users})
}

// Get implements GET /v1/users/{userID}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("tenant not resolved"))
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_user_id", "user id must be a UUID"))
		return
	}
	user, err := h.svc.Get(r.Context(), space, id)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, user)
}

// Activate implements POST /v1/users/{userID}/activate.
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("tenant not resolved"))
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_user_id", "user id must be a UUID"))
		return
	}
	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_body", "request body must be valid JSON"))
		return
	}
	if err := h.svc.Activate(r.Context(), space, id, body.Password); err != nil {
		apperr.Render(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AssignRole implements POST /v1/users/{userID}/roles.
func (h *Handler) AssignRole(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("tenant not resolved"))
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_user_id", "user id must be a UUID"))
		return
	}
	var body struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_body", "request body must be valid JSON"))
		return
	}
	user, err := h.svc.AssignRole(r.Context(), space, id, body.Role)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, user)
}

// Disable implements DELETE /v1/users/{userID}. Accounts are disabled,
// never removed, so their audit history stays intact.
func (h *Handler) Disable(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("tenant not resolved"))
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_user_id", "user id must be a UUID"))
		return
	}
	if err := h.svc.Disable(r.Context(), space, id); err != nil {
		apperr.Render(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
