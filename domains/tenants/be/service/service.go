// Package service implements the tenant provisioning orchestrator: the
// state machine that turns a create request into a fully usable tenant
// (control row, dedicated database, recognition collection, seeded admin),
// with idempotency and rollback on partial failure.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/narthex-io/narthex/platform/go/apperr"
	"github.com/narthex-io/narthex/platform/go/metrics"
	"github.com/narthex-io/narthex/platform/go/persistence"
	"github.com/narthex-io/narthex/platform/go/requesttrace"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

const (
	scopeTenantCreate = "tenant_create"

	idemInProgress = "in_progress"
	idemSucceeded  = "succeeded"
	idemFailed     = "failed"
)

// Repo is the slice of the control store the orchestrator needs. Satisfied
// by *persistence.ControlStore; mocked in tests.
type Repo interface {
	CreateTenant(ctx context.Context, t persistence.TenantRecord) (persistence.TenantRecord, error)
	GetTenant(ctx context.Context, id uuid.UUID) (persistence.TenantRecord, error)
	GetTenantBySlug(ctx context.Context, slug string) (persistence.TenantRecord, error)
	ListTenants(ctx context.Context, limit, offset int) ([]persistence.TenantRecord, error)
	SetTenantState(ctx context.Context, id uuid.UUID, status, provState string) error
	UpsertConnection(ctx context.Context, c persistence.ConnectionRecord) error
	GetConnection(ctx context.Context, tenantID uuid.UUID) (persistence.ConnectionRecord, error)
	UpdateConnectionSecretRef(ctx context.Context, tenantID uuid.UUID, secretRef string) error
	DeleteConnection(ctx context.Context, tenantID uuid.UUID) error
	ClaimIdempotencyKey(ctx context.Context, rec persistence.IdempotencyRecord) (persistence.IdempotencyRecord, bool, error)
	CompleteIdempotencyKey(ctx context.Context, scope, key, status, responseRef string) error
	AppendAudit(ctx context.Context, e persistence.AuditEntry) error
	RecentAudit(ctx context.Context, tenantID uuid.UUID, limit int) ([]persistence.AuditRecord, error)
}

// Tenant is the domain view of a control-database tenant row.
type Tenant struct {
	ID                uuid.UUID
	Slug              string
	Name              string
	AdminEmail        string
	Status            string
	ProvisioningState string
	CreatedAt         time.Time
}

func fromRecord(r persistence.TenantRecord) Tenant {
	return Tenant{
		ID:                r.ID,
		Slug:              r.Slug,
		Name:              r.Name,
		AdminEmail:        r.AdminEmail,
		Status:            r.Status,
		ProvisioningState: r.ProvisioningState,
		CreatedAt:         r.CreatedAt,
	}
}

// CreateInput is a tenant provisioning request.
type CreateInput struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	AdminEmail  string `json:"admin_email"`
	AdminName   string `json:"admin_name,omitempty"`
	TemplateKey string `json:"template_key,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	Locale      string `json:"locale,omitempty"`
}

// CreateResult is returned to the caller and recorded for idempotent replay.
type CreateResult struct {
	TenantID          uuid.UUID `json:"tenant_id"`
	Slug              string    `json:"slug"`
	ProvisioningState string    `json:"provisioning_state"`
	DBName            string    `json:"db_name"`
}

// Config carries the tenant database server location written into
// connection records.
type Config struct {
	DBHost string
	DBPort int
}

// Service is the provisioning orchestrator.
type Service struct {
	repo        Repo
	creds       Credentials
	db          DBProvisioner
	collections Collections
	cfg         Config
	logger      *zap.Logger
}

// New constructs the orchestrator with required dependencies.
func New(repo Repo, creds Credentials, db DBProvisioner, collections Collections, cfg Config, logger *zap.Logger) *Service {
	if repo == nil {
		panic("tenants repo is required")
	}
	if creds == nil {
		panic("credential manager is required")
	}
	if db == nil {
		panic("db provisioner is required")
	}
	if collections == nil {
		panic("collections provider is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Service{repo: repo, creds: creds, db: db, collections: collections, cfg: cfg, logger: logger}
}

// CreateTenant drives the full provisioning state machine:
// pending -> provisioning_db -> provisioning_collection -> seeding_admin -> ready.
// Each transition is persisted before the next sub-step so a restart resumes
// from durable state instead of repeating side effects. Any failure rolls
// back created resources and leaves the row in (error, failed).
func (s *Service) CreateTenant(ctx context.Context, input CreateInput, idemKey string) (CreateResult, error) {
	slug, err := persistence.NormalizeSlug(input.Slug)
	if err != nil {
		return CreateResult{}, apperr.Validation("invalid_slug", err.Error())
	}
	input.Slug = slug
	if input.Name == "" || input.AdminEmail == "" {
		return CreateResult{}, apperr.Validation("missing_field", "name and admin_email are required")
	}

	if idemKey != "" {
		if result, done, err := s.claimKey(ctx, input, idemKey); done || err != nil {
			return result, err
		}
	}

	rec, err := s.createOrReuseRow(ctx, input)
	if err != nil {
		if idemKey != "" {
			s.finishKey(ctx, idemKey, idemFailed, "")
		}
		return CreateResult{}, err
	}

	s.audit(ctx, rec.ID, "tenant.provisioning_started", map[string]any{"slug": rec.Slug})

	started := time.Now()
	result, err := s.provision(ctx, rec, input)
	metrics.ProvisioningDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.ProvisioningOutcomes.WithLabelValues(persistence.ProvStateFailed).Inc()
		if idemKey != "" {
			s.finishKey(ctx, idemKey, idemFailed, "")
		}
		return CreateResult{}, err
	}

	metrics.ProvisioningOutcomes.WithLabelValues(persistence.ProvStateReady).Inc()
	if idemKey != "" {
		s.finishKey(ctx, idemKey, idemSucceeded, result.TenantID.String())
	}
	s.audit(ctx, result.TenantID, "tenant.provisioning_succeeded", map[string]any{"slug": result.Slug, "db_name": result.DBName})
	return result, nil
}

// claimKey races the (scope, key) unique constraint. done=true means the
// caller must return result/err as-is without executing side effects.
func (s *Service) claimKey(ctx context.Context, input CreateInput, key string) (CreateResult, bool, error) {
	hash := requestHash(input)
	rec, claimed, err := s.repo.ClaimIdempotencyKey(ctx, persistence.IdempotencyRecord{
		Scope:       scopeTenantCreate,
		Key:         key,
		RequestHash: hash,
		Status:      idemInProgress,
	})
	if err != nil {
		return CreateResult{}, true, fmt.Errorf("claim idempotency key: %w", err)
	}
	if claimed {
		return CreateResult{}, false, nil
	}

	// Lost the race or replaying: the stored record decides.
	if rec.RequestHash != hash {
		return CreateResult{}, true, apperr.Conflict("idempotency_key_conflict", "idempotency key was used with a different request")
	}
	switch rec.Status {
	case idemSucceeded:
		id, err := uuid.Parse(rec.ResponseRef)
		if err != nil {
			return CreateResult{}, true, fmt.Errorf("parse idempotency response ref: %w", err)
		}
		result, err := s.resultFor(ctx, id)
		return result, true, err
	case idemFailed:
		// Prior attempt rolled back; re-execute under the same key.
		s.finishKey(ctx, key, idemInProgress, "")
		return CreateResult{}, false, nil
	default:
		// Winner still running; report current state so the caller polls.
		t, err := s.repo.GetTenantBySlug(ctx, input.Slug)
		if err != nil {
			return CreateResult{}, true, apperr.Conflict("provisioning_in_progress", "tenant creation already in progress")
		}
		return CreateResult{TenantID: t.ID, Slug: t.Slug, ProvisioningState: t.ProvisioningState}, true, nil
	}
}

// createOrReuseRow inserts the pending tenant row, or, if the slug belongs
// to a previous failed attempt that was rolled back, resets that row for
// retry. A failed tenant must never silently block re-creation.
func (s *Service) createOrReuseRow(ctx context.Context, input CreateInput) (persistence.TenantRecord, error) {
	rec, err := s.repo.CreateTenant(ctx, persistence.TenantRecord{
		ID:                uuid.New(),
		Slug:              input.Slug,
		Name:              input.Name,
		AdminEmail:        input.AdminEmail,
		Status:            persistence.TenantStatusPending,
		ProvisioningState: persistence.ProvStatePending,
	})
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, persistence.ErrSlugConflict) {
		return persistence.TenantRecord{}, fmt.Errorf("create tenant row: %w", err)
	}

	existing, lookupErr := s.repo.GetTenantBySlug(ctx, input.Slug)
	if lookupErr != nil {
		return persistence.TenantRecord{}, apperr.Conflict("slug_conflict", "slug already exists")
	}
	if existing.ProvisioningState != persistence.ProvStateFailed {
		return persistence.TenantRecord{}, apperr.Conflict("slug_conflict", "slug already exists")
	}
	if err := s.repo.SetTenantState(ctx, existing.ID, persistence.TenantStatusPending, persistence.ProvStatePending); err != nil {
		return persistence.TenantRecord{}, fmt.Errorf("reset failed tenant: %w", err)
	}
	existing.Status = persistence.TenantStatusPending
	existing.ProvisioningState = persistence.ProvStatePending
	return existing, nil
}

func (s *Service) provision(ctx context.Context, rec persistence.TenantRecord, input CreateInput) (CreateResult, error) {
	dbName := tenant.BuildDBName(rec.ID)
	dbUser := dbName

	// provisioning_db: credentials, database, migrations.
	if err := s.repo.SetTenantState(ctx, rec.ID, persistence.TenantStatusPending, persistence.ProvStateDB); err != nil {
		return CreateResult{}, fmt.Errorf("persist state %s: %w", persistence.ProvStateDB, err)
	}
	cred, err := s.creds.Mint(ctx, rec.ID.String())
	if err != nil {
		return CreateResult{}, s.rollback(ctx, rec, dbName, dbUser, "", persistence.ProvStateDB, err)
	}
	conn := persistence.ConnectionRecord{
		TenantID:  rec.ID,
		DBHost:    s.cfg.DBHost,
		DBPort:    s.cfg.DBPort,
		DBName:    dbName,
		DBUser:    dbUser,
		SecretRef: cred.SecretRef,
	}
	if err := s.repo.UpsertConnection(ctx, conn); err != nil {
		return CreateResult{}, s.rollback(ctx, rec, dbName, dbUser, cred.SecretRef, persistence.ProvStateDB, err)
	}
	if err := s.db.Provision(ctx, dbName, dbUser, cred.Password); err != nil {
		return CreateResult{}, s.rollback(ctx, rec, dbName, dbUser, cred.SecretRef, persistence.ProvStateDB, err)
	}
	if err := s.db.ApplyMigrations(ctx, conn); err != nil {
		return CreateResult{}, s.rollback(ctx, rec, dbName, dbUser, cred.SecretRef, persistence.ProvStateDB, err)
	}

	// provisioning_collection: per-tenant face collection keyed by tenant id,
	// the isolation boundary for face search.
	if err := s.repo.SetTenantState(ctx, rec.ID, persistence.TenantStatusPending, persistence.ProvStateCollection); err != nil {
		return CreateResult{}, fmt.Errorf("persist state %s: %w", persistence.ProvStateCollection, err)
	}
	if err := s.collections.EnsureCollection(ctx, rec.ID.String()); err != nil {
		return CreateResult{}, s.rollback(ctx, rec, dbName, dbUser, cred.SecretRef, persistence.ProvStateCollection, err)
	}

	// seeding_admin: roles catalog, admin user, default config.
	if err := s.repo.SetTenantState(ctx, rec.ID, persistence.TenantStatusPending, persistence.ProvStateSeedingAdmin); err != nil {
		return CreateResult{}, fmt.Errorf("persist state %s: %w", persistence.ProvStateSeedingAdmin, err)
	}
	if err := s.db.Seed(ctx, conn, SeedInput{
		AdminEmail:  input.AdminEmail,
		AdminName:   input.AdminName,
		TemplateKey: input.TemplateKey,
		Timezone:    input.Timezone,
		Locale:      input.Locale,
	}); err != nil {
		return CreateResult{}, s.rollback(ctx, rec, dbName, dbUser, cred.SecretRef, persistence.ProvStateSeedingAdmin, err)
	}

	if err := s.repo.SetTenantState(ctx, rec.ID, persistence.TenantStatusActive, persistence.ProvStateReady); err != nil {
		return CreateResult{}, fmt.Errorf("persist state %s: %w", persistence.ProvStateReady, err)
	}

	return CreateResult{
		TenantID:          rec.ID,
		Slug:              rec.Slug,
		ProvisioningState: persistence.ProvStateReady,
		DBName:            dbName,
	}, nil
}

// rollback best-effort unwinds everything a failed run may have created.
// Rollback failures are audited, never retried automatically, and never mask
// the original error.
func (s *Service) rollback(ctx context.Context, rec persistence.TenantRecord, dbName, dbUser, secretRef, step string, cause error) error {
	log := s.logger.With(zap.String("tenant_id", rec.ID.String()), zap.String("step", step))
	log.Error("tenant provisioning failed, rolling back", zap.Error(cause))

	var rollbackErrs []string
	if err := s.db.Teardown(ctx, dbName, dbUser); err != nil {
		rollbackErrs = append(rollbackErrs, fmt.Sprintf("teardown db: %v", err))
	}
	if secretRef != "" {
		if err := s.creds.Delete(ctx, secretRef); err != nil {
			rollbackErrs = append(rollbackErrs, fmt.Sprintf("delete secret: %v", err))
		}
	}
	if err := s.collections.DeleteCollection(ctx, rec.ID.String()); err != nil {
		rollbackErrs = append(rollbackErrs, fmt.Sprintf("delete collection: %v", err))
	}
	if err := s.repo.DeleteConnection(ctx, rec.ID); err != nil {
		rollbackErrs = append(rollbackErrs, fmt.Sprintf("delete connection row: %v", err))
	}
	if err := s.repo.SetTenantState(ctx, rec.ID, persistence.TenantStatusError, persistence.ProvStateFailed); err != nil {
		rollbackErrs = append(rollbackErrs, fmt.Sprintf("mark failed: %v", err))
	}

	detail := map[string]any{"step": step, "error": cause.Error()}
	if len(rollbackErrs) > 0 {
		detail["rollback_errors"] = rollbackErrs
		log.Error("rollback left orphaned resources", zap.Strings("rollback_errors", rollbackErrs))
	}
	s.audit(ctx, rec.ID, "tenant.provisioning_failed", detail)

	return apperr.Provisioning(step, "tenant provisioning failed", cause)
}

// Get returns a tenant by id, for state polling.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Tenant, error) {
	rec, err := s.repo.GetTenant(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return Tenant{}, apperr.NotFound("tenant_not_found", "tenant not found")
		}
		return Tenant{}, err
	}
	return fromRecord(rec), nil
}

// List returns tenants newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]Tenant, error) {
	recs, err := s.repo.ListTenants(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]Tenant, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromRecord(r))
	}
	return out, nil
}

// Resolve returns routing info for an active tenant only. Suspended, failed
// and half-provisioned tenants fail closed before any tenant data is touched.
func (s *Service) Resolve(ctx context.Context, slug string) (persistence.ConnectionRecord, error) {
	rec, err := s.repo.GetTenantBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return persistence.ConnectionRecord{}, apperr.NotFound("tenant_not_found", "tenant not found")
		}
		return persistence.ConnectionRecord{}, err
	}
	if rec.Status != persistence.TenantStatusActive {
		return persistence.ConnectionRecord{}, apperr.NotFound("tenant_not_found", "tenant not active")
	}
	conn, err := s.repo.GetConnection(ctx, rec.ID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return persistence.ConnectionRecord{}, apperr.NotFound("tenant_not_found", "tenant has no connection record")
		}
		return persistence.ConnectionRecord{}, err
	}
	return conn, nil
}

// Suspend marks an active tenant suspended. Suspending a suspended tenant is
// a no-op success.
func (s *Service) Suspend(ctx context.Context, id uuid.UUID, actor string) (Tenant, error) {
	return s.setStatus(ctx, id, actor, persistence.TenantStatusSuspended, "tenant.suspended")
}

// Unsuspend re-activates a suspended tenant.
func (s *Service) Unsuspend(ctx context.Context, id uuid.UUID, actor string) (Tenant, error) {
	return s.setStatus(ctx, id, actor, persistence.TenantStatusActive, "tenant.unsuspended")
}

func (s *Service) setStatus(ctx context.Context, id uuid.UUID, actor, target, action string) (Tenant, error) {
	rec, err := s.repo.GetTenant(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return Tenant{}, apperr.NotFound("tenant_not_found", "tenant not found")
		}
		return Tenant{}, err
	}
	if rec.Status == target {
		return fromRecord(rec), nil
	}
	if rec.ProvisioningState != persistence.ProvStateReady {
		return Tenant{}, apperr.Conflict("tenant_not_ready", "tenant is not fully provisioned")
	}
	if err := s.repo.SetTenantState(ctx, id, target, rec.ProvisioningState); err != nil {
		return Tenant{}, err
	}
	rec.Status = target
	s.audit(ctx, id, action, map[string]any{"actor": actor})
	return fromRecord(rec), nil
}

// RotateSecrets mints a new database credential, applies it to the role,
// verifies connectivity with the new password, and only then swaps the
// secret_ref and retires the old secret. If verification fails, the old
// password is restored on the role so the live secret_ref keeps working.
func (s *Service) RotateSecrets(ctx context.Context, id uuid.UUID, actor string) error {
	rec, err := s.repo.GetTenant(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return apperr.NotFound("tenant_not_found", "tenant not found")
		}
		return err
	}
	if rec.ProvisioningState != persistence.ProvStateReady {
		return apperr.Conflict("tenant_not_ready", "tenant is not fully provisioned")
	}
	conn, err := s.repo.GetConnection(ctx, id)
	if err != nil {
		return fmt.Errorf("load connection record: %w", err)
	}

	// Held in memory for the whole rotation: ALTER ROLE replaces the only
	// password the role has, so a failed verification must be able to put
	// the old one back.
	oldPassword, err := s.creds.Read(ctx, conn.SecretRef)
	if err != nil {
		return fmt.Errorf("read current credential: %w", err)
	}

	cred, err := s.creds.Mint(ctx, id.String())
	if err != nil {
		return fmt.Errorf("mint rotated credential: %w", err)
	}
	if err := s.db.AlterPassword(ctx, conn.DBUser, cred.Password); err != nil {
		s.retireSecret(ctx, id, cred.SecretRef)
		s.audit(ctx, id, "tenant.rotate_failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("apply rotated password: %w", err)
	}
	if err := s.db.VerifyLogin(ctx, conn, cred.Password); err != nil {
		if restoreErr := s.db.AlterPassword(ctx, conn.DBUser, oldPassword); restoreErr != nil {
			s.logger.Error("restore previous password failed, tenant role password out of sync with secret store",
				zap.String("tenant_id", id.String()), zap.Error(restoreErr))
		}
		s.retireSecret(ctx, id, cred.SecretRef)
		s.audit(ctx, id, "tenant.rotate_failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("verify rotated credential: %w", err)
	}
	oldRef := conn.SecretRef
	if err := s.repo.UpdateConnectionSecretRef(ctx, id, cred.SecretRef); err != nil {
		return fmt.Errorf("swap secret ref: %w", err)
	}
	if err := s.creds.Delete(ctx, oldRef); err != nil {
		// The new credential is live; a stale secret entry is an operator
		// cleanup, not a rotation failure.
		s.logger.Warn("retire old secret failed", zap.String("tenant_id", id.String()), zap.Error(err))
	}
	s.audit(ctx, id, "tenant.secrets_rotated", map[string]any{"actor": actor})
	return nil
}

// retireSecret drops a secret minted during a rotation that did not land.
func (s *Service) retireSecret(ctx context.Context, id uuid.UUID, ref string) {
	if err := s.creds.Delete(ctx, ref); err != nil {
		s.logger.Warn("retire unused secret failed",
			zap.String("tenant_id", id.String()), zap.Error(err))
	}
}

func (s *Service) resultFor(ctx context.Context, id uuid.UUID) (CreateResult, error) {
	rec, err := s.repo.GetTenant(ctx, id)
	if err != nil {
		return CreateResult{}, fmt.Errorf("load tenant for replay: %w", err)
	}
	result := CreateResult{TenantID: rec.ID, Slug: rec.Slug, ProvisioningState: rec.ProvisioningState}
	if conn, err := s.repo.GetConnection(ctx, id); err == nil {
		result.DBName = conn.DBName
	}
	return result, nil
}

func (s *Service) finishKey(ctx context.Context, key, status, responseRef string) {
	if err := s.repo.CompleteIdempotencyKey(ctx, scopeTenantCreate, key, status, responseRef); err != nil {
		s.logger.Warn("update idempotency key failed", zap.String("key", key), zap.Error(err))
	}
}

// AuditEvent is the API view of one audit row.
type AuditEvent struct {
	ID        uuid.UUID      `json:"id"`
	ActorType string         `json:"actor_type"`
	Action    string         `json:"action"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditTrail returns the newest audit events for a tenant, newest first.
func (s *Service) AuditTrail(ctx context.Context, id uuid.UUID, limit int) ([]AuditEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if _, err := s.repo.GetTenant(ctx, id); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, apperr.NotFound("tenant_not_found", "tenant not found")
		}
		return nil, err
	}
	recs, err := s.repo.RecentAudit(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	out := make([]AuditEvent, 0, len(recs))
	for _, rec := range recs {
		out = append(out, AuditEvent{
			ID:        rec.ID,
			ActorType: rec.ActorType,
			Action:    rec.Action,
			Detail:    rec.Detail,
			CreatedAt: rec.CreatedAt,
		})
	}
	return out, nil
}

// audit never fails the caller's operation.
func (s *Service) audit(ctx context.Context, tenantID uuid.UUID, action string, detail map[string]any) {
	trace := requesttrace.FromContextOrSystem(ctx)
	var actorID *uuid.UUID
	if id, err := uuid.Parse(trace.Subject); err == nil {
		actorID = &id
	}
	err := s.repo.AppendAudit(ctx, persistence.AuditEntry{
		ActorType:  string(trace.ActorKind),
		ActorID:    actorID,
		TenantID:   &tenantID,
		Action:     action,
		TargetType: "tenant",
		TargetID:   &tenantID,
		Detail:     detail,
	})
	if err != nil {
		s.logger.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func requestHash(input CreateInput) string {
	raw, _ := json.Marshal(input)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
