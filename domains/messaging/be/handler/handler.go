// Package handler exposes the messaging endpoints of the tenant API.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/narthex-io/narthex/domains/messaging/be/service"
	"github.com/narthex-io/narthex/platform/go/apperr"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

func New(svc *service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("messaging service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Register registers the messaging routes on the shared tenant router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/messages", h.Send)
	r.Post("/messages/send", h.Send)
	r.Get("/messages/{messageID}", h.GetMessage)
	r.Post("/templates", h.CreateTemplate)
	r.Get("/templates", h.ListTemplates)
}

// Send implements POST /v1/messages. The Idempotency-Key header is
// mandatory; replays return the original message.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("tenant not resolved"))
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		apperr.Render(w, r, apperr.Validation("idempotency_key_required", "Idempotency-Key header is required"))
		return
	}

	var input service.SendInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_body", "request body must be valid JSON"))
		return
	}
	msg, err := h.svc.Send(r.Context(), space, key, input)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusAccepted, msg)
}

// GetMessage implements GET /v1/messages/{messageID}.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("tenant not resolved"))
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_message_id", "message id must be a UUID"))
		return
	}
	msg, err := h.svc.GetMessage(r.Context(), space, id)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, msg)
}

// CreateTemplate implements POST /v1/templates.
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("tenant not resolved"))
		return
	}
	var input service.TemplateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_body", "request body must be valid JSON"))
		return
	}
	t, err := h.svc.CreateTemplate(r.Context(), space, input)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusCreated, t)
}

// ListTemplates implements GET /v1/templates.
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("tenant not resolved"))
		return
	}
	templates, err := h.svc.ListTemplates(r.Context(), space)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, map[string]any{"templates": templates})
}
