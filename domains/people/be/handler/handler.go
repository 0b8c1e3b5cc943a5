// Package handler exposes the people and consent endpoints of the tenant API.
package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/narthex-io/narthex/domains/people/be/service"
	"github.com/narthex-io/narthex/platform/go/apperr"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

// maxImageBytes caps enrollment uploads.
const maxImageBytes = 8 << 20

type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

func New(svc *service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("people service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Register registers the people endpoints; callers wrap them in the tenant
// resolution middleware.
func (h *Handler) Register(r chi.Router) {
	r.Post("/people", h.Create)
	r.Get("/people/{personID}", h.Get)
	r.Put("/people/{personID}/consent", h.SetConsent)
	r.Post("/people/{personID}/faces", h.EnrollFace)
}

// Create implements POST /v1/people.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("tenant not resolved"))
		return
	}

	var input service.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_body", "request body must be valid JSON"))
		return
	}
	person, err := h.svc.Create(r.Context(), space, input)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusCreated, person)
}

// Get implements GET /v1/people/{personID}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("tenant not resolved"))
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "personID"))
	if err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_person_id", "person id must be a UUID"))
		return
	}
	person, err := h.svc.Get(r.Context(), space, id)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, person)
}

// SetConsent implements PUT /v1/people/{personID}/consent.
func (h *Handler) SetConsent(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("tenant not resolved"))
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "personID"))
	if err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_person_id", "person id must be a UUID"))
		return
	}

	var body struct {
		Status string `json:"status"`
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_body", "request body must be valid JSON"))
		return
	}
	person, err := h.svc.SetConsent(r.Context(), space, id, body.Status, body.Source)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, person)
}

// EnrollFace implements POST /v1/people/{personID}/faces (multipart image).
func (h *Handler) EnrollFace(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("tenant not resolved"))
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "personID"))
	if err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_person_id", "person id must be a UUID"))
		return
	}

	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_multipart", "request must be multipart form data"))
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		apperr.Render(w, r, apperr.Validation("missing_image", "image part is required"))
		return
	}
	defer file.Close()
	image, err := io.ReadAll(io.LimitReader(file, maxImageBytes))
	if err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_image", "could not read image"))
		return
	}

	profiles, err := h.svc.EnrollFace(r.Context(), space, id, image)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusCreated, map[string]any{"face_profiles": profiles})
}
