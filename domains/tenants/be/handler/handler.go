// Package handler exposes the control plane's HTTP surface: tenant
// provisioning and admin actions for super admins, and the internal resolve
// endpoint for sibling services.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/narthex-io/narthex/domains/tenants/be/service"
	"github.com/narthex-io/narthex/platform/go/apperr"
	"github.com/narthex-io/narthex/platform/go/auth"
	platformmiddleware "github.com/narthex-io/narthex/platform/go/middleware"
	"github.com/narthex-io/narthex/platform/go/persistence"
)

// Handler wires the tenants service to HTTP.
type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc *service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("tenants service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the tenant endpoints. superAdmin guards the admin surface,
// internal guards service-to-service resolve.
func (h *Handler) Routes(superAdmin, internal func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(internal)
		r.Get("/v1/tenants/resolve", h.Resolve)
	})

	r.Group(func(r chi.Router) {
		r.Use(superAdmin)
		// Runs after auth so audit entries carry the admin identity.
		r.Use(platformmiddleware.RequestTrace)
		r.Post("/v1/tenants", h.Create)
		r.Get("/v1/tenants", h.List)
		r.Get("/v1/tenants/{tenantID}", h.Get)
		r.Post("/v1/tenants/{tenantID}/suspend", h.Suspend)
		r.Post("/v1/tenants/{tenantID}/unsuspend", h.Unsuspend)
		r.Post("/v1/tenants/{tenantID}/rotate-secrets", h.RotateSecrets)
		r.Get("/v1/tenants/{tenantID}/audit", h.AuditTrail)
	})

	return r
}

type tenantResponse struct {
	TenantID          uuid.UUID `json:"tenant_id"`
	Slug              string    `json:"slug"`
	Name              string    `json:"name"`
	AdminEmail        string    `json:"admin_email"`
	Status            string    `json:"status"`
	ProvisioningState string    `json:"provisioning_state"`
	CreatedAt         time.Time `json:"created_at"`
}

func toTenantResponse(t service.Tenant) tenantResponse {
	return tenantResponse{
		TenantID:          t.ID,
		Slug:              t.Slug,
		Name:              t.Name,
		AdminEmail:        t.AdminEmail,
		Status:            t.Status,
		ProvisioningState: t.ProvisioningState,
		CreatedAt:         t.CreatedAt,
	}
}

// Create implements POST /v1/tenants.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		apperr.Render(w, r, apperr.Validation("idempotency_key_required", "Idempotency-Key header is required"))
		return
	}

	var input service.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_body", "request body must be valid JSON"))
		return
	}

	result, err := h.svc.CreateTenant(r.Context(), input, idemKey)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.ProvisioningState != persistence.ProvStateReady {
		// Another request with the same key is still provisioning.
		status = http.StatusOK
	}
	apperr.WriteJSON(w, status, result)
}

// List implements GET /v1/tenants.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	tenants, err := h.svc.List(r.Context(), limit, offset)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	items := make([]tenantResponse, 0, len(tenants))
	for _, t := range tenants {
		items = append(items, toTenantResponse(t))
	}
	apperr.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Get implements GET /v1/tenants/{tenantID}, the provisioning poll endpoint.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_tenant_id", "tenant id must be a UUID"))
		return
	}
	t, err := h.svc.Get(r.Context(), id)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, toTenantResponse(t))
}

// Resolve implements GET /v1/tenants/resolve?slug= for sibling services.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	slug := r.URL.Query().Get("slug")
	if slug == "" {
		apperr.Render(w, r, apperr.Validation("slug_required", "slug query parameter is required"))
		return
	}
	conn, err := h.svc.Resolve(r.Context(), slug)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, map[string]any{
		"tenant_id":  conn.TenantID,
		"slug":       slug,
		"db_host":    conn.DBHost,
		"db_port":    conn.DBPort,
		"db_name":    conn.DBName,
		"db_user":    conn.DBUser,
		"secret_ref": conn.SecretRef,
	})
}

// Suspend implements POST /v1/tenants/{tenantID}/suspend.
func (h *Handler) Suspend(w http.ResponseWriter, r *http.Request) {
	h.adminAction(w, r, h.svc.Suspend)
}

// Unsuspend implements POST /v1/tenants/{tenantID}/unsuspend.
func (h *Handler) Unsuspend(w http.ResponseWriter, r *http.Request) {
	h.adminAction(w, r, h.svc.Unsuspend)
}

// AuditTrail implements GET /v1/tenants/{tenantID}/audit?limit= with the
// newest events first.
func (h *Handler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_tenant_id", "tenant id must be a UUID"))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			apperr.Render(w, r, apperr.Validation("invalid_limit", "limit must be an integer"))
			return
		}
	}
	events, err := h.svc.AuditTrail(r.Context(), id, limit)
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, map[string]any{"items": events})
}

// RotateSecrets implements POST /v1/tenants/{tenantID}/rotate-secrets.
func (h *Handler) RotateSecrets(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_tenant_id", "tenant id must be a UUID"))
		return
	}
	if err := h.svc.RotateSecrets(r.Context(), id, actor(r)); err != nil {
		apperr.Render(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) adminAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID, string) (service.Tenant, error)) {
	id, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		apperr.Render(w, r, apperr.Validation("invalid_tenant_id", "tenant id must be a UUID"))
		return
	}
	t, err := fn(r.Context(), id, actor(r))
	if err != nil {
		apperr.Render(w, r, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, toTenantResponse(t))
}

func actor(r *http.Request) string {
	if creds, ok := auth.AdminFromContext(r.Context()); ok && creds.Subject != "" {
		return creds.Subject
	}
	return "unknown"
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && n > 0 {
		offset = n
	}
	return limit, offset
}
