// Package handler streams attendance events to dashboards over SSE.
package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/narthex-io/narthex/domains/realtime/be/hub"
	"github.com/narthex-io/narthex/platform/go/apperr"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

const heartbeatInterval = 25 * time.Second

type Handler struct {
	hub    *hub.Hub
	logger *zap.Logger
}

func New(h *hub.Hub, logger *zap.Logger) *Handler {
	if h == nil {
		panic("hub is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{hub: h, logger: logger}
}

// Register registers the stream endpoint on the shared tenant router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/realtime/sessions/{sessionID}/stream", h.Stream)
}

// Stream implements GET /v1/realtime/sessions/{sessionID}/stream as a
// server-sent event feed of one session's recognition and visit events.
// Comment lines keep the connection alive through idle periods.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		apperr.Render(w, r, apperr.Unauthorized("tenant not resolved"))
		return
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_session_id", "session id must be a uuid"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		apperr.Render(w, r, apperr.New(apperr.KindInternal, "streaming_unsupported", "response writer does not support streaming"))
		return
	}

	events, cancel := h.hub.Subscribe(space.TenantID, sessionID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Debug("realtime subscriber connected", zap.String("tenant", space.Slug))
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case payload, ok := <-events:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
