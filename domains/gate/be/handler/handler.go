// Package handler exposes the gate admin and device endpoints of the
// tenant API.
package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/narthex-io/narthex/domains/gate/be/service"
	"github.com/narthex-io/narthex/platform/go/apperr"
	"github.com/narthex-io/narthex/platform/go/auth"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

const maxFrameBytes = 8 << 20

type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

func New(svc *service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("gate service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// RegisterAdmin registers gate management and attendance reporting routes.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post("/gates", h.Register)
	r.Get("/gates", h.List)
	r.Get("/visits", h.Visits)
}

// RegisterDevice registers the endpoints gate devices call.
func (h *Handler) RegisterDevice(r chi.Router) {
	r.Post("/gate/auth/session", h.StartSession)
	r.Post("/gate/frames", h.IngestFrame)
}

// Register implements POST /v1/gates. The response carries the one-time
// bootstrap token; it is never retrievable again.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("tenant not resolved"))
		return
	}
	var body struct {
		Name     string `json:"name"`
		Location string `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_body", "request body must be valid JSON"))
		return
	}
	g, err := h.svc.Register(r.Context(), space, body.Name, body.Location)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusCreated, g)
}

// List implements GET /v1/gates.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("tenant not resolved"))
		return
	}
	gates, err := h.svc.List(r.Context(), space)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, map[string]any{"gates": gates})
}

// Visits implements GET /v1/visits?from=&to=&limit=.
func (h *Handler) Visits(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("tenant not resolved"))
		return
	}
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_from", "from must be an RFC3339 timestamp"))
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_to", "to must be an RFC3339 timestamp"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	visits, err := h.svc.Visits(r.Context(), space, from, to, limit)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, map[string]any{"visits": visits})
}

// StartSession implements POST /v1/gate/auth/session.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("tenant not resolved"))
		return
	}
	var body struct {
		BootstrapToken string `json:"bootstrap_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_body", "request body must be valid JSON"))
		return
	}
	sess, err := h.svc.StartSession(r.Context(), space, body.BootstrapToken)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusCreated, sess)
}

// IngestFrame implements POST /v1/gate/frames (multipart: frame_id,
// captured_at, image). The bearer token is the gate's session token.
func (h *Handler) IngestFrame(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("tenant not resolved"))
		return
	}

	token, ok := auth.ExtractBearer(r)
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("gate session token is required"))
		return
	}
	gateID, err := h.svc.ValidateSession(r.Context(), space, token)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}

	if err := r.ParseMultipartForm(maxFrameBytes); err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_multipart", "request must be multipart form data"))
		return
	}
	frameID, err := uuid.Parse(r.FormValue("frame_id"))
	if err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_frame_id", "frame_id must be a UUID"))
		return
	}
	var capturedAt time.Time
	if raw := r.FormValue("captured_at"); raw != "" {
		capturedAt, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			apperr.Render(w, r, apperr.Validation("invalid_captured_at", "captured_at must be an RFC3339 timestamp"))
			return
		}
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		apperr.Render(w, r, apperr.Validation("missing_image", "image part is required"))
		return
	}
	defer file.Close()
	image, err := io.ReadAll(io.LimitReader(file, maxFrameBytes))
	if err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_image", "could not read image"))
		return
	}

	ack, err := h.svc.IngestFrame(r.Context(), space, gateID, frameID, capturedAt, image)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	status := http.StatusAccepted
	if ack.Replayed {
		status = http.StatusOK
	}
	apperr.WriteJSON(w, status, ack)
}
