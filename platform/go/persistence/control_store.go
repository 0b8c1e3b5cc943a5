package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	sqlassets "github.com/narthex-io/narthex/database"
)

// Errors surfaced by the control store.
var (
	ErrNotFound     = errors.New("record not found")
	ErrSlugConflict = errors.New("slug already exists")
)

// Tenant lifecycle values persisted in the control database.
const (
	TenantStatusActive    = "active"
	TenantStatusSuspended = "suspended"
	TenantStatusError     = "error"
	TenantStatusPending   = "pending"

	ProvStatePending      = "pending"
	ProvStateDB           = "provisioning_db"
	ProvStateCollection   = "provisioning_collection"
	ProvStateSeedingAdmin = "seeding_admin"
	ProvStateReady        = "ready"
	ProvStateFailed       = "failed"
)

// TenantRecord is a row in the control database's tenants table.
type TenantRecord struct {
	ID                uuid.UUID
	Slug              string
	Name              string
	AdminEmail        string
	Status            string
	ProvisioningState string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ConnectionRecord holds routing info for one tenant database. SecretRef is
// an opaque pointer into the secret store, never the password itself.
type ConnectionRecord struct {
	TenantID  uuid.UUID
	DBHost    string
	DBPort    int
	DBName    string
	DBUser    string
	SecretRef string
	CreatedAt time.Time
}

// IdempotencyRecord stores the outcome of the first execution for a
// client-supplied key within an operation scope.
type IdempotencyRecord struct {
	Scope       string
	Key         string
	RequestHash string
	ResponseRef string
	Status      string
	CreatedAt   time.Time
}

// AuditEntry is one immutable row of the global audit log.
type AuditEntry struct {
	ActorType  string
	ActorID    *uuid.UUID
	TenantID   *uuid.UUID
	Action     string
	TargetType string
	TargetID   *uuid.UUID
	Detail     map[string]any
}

// AuditRecord is an AuditEntry read back with its storage metadata.
type AuditRecord struct {
	ID uuid.UUID
	AuditEntry
	CreatedAt time.Time
}

// ControlStore owns all access to the control database: tenants, their
// connection records, idempotency keys, and the global audit log.
type ControlStore struct {
	pool *pgxpool.Pool
}

// NewControlStore ensures the control schema exists and returns the store.
func NewControlStore(ctx context.Context, pool *pgxpool.Pool) (*ControlStore, error) {
	if pool == nil {
		return nil, errors.New("control store requires pool")
	}
	if _, err := pool.Exec(ctx, sqlassets.ControlSchemaSQL); err != nil {
		return nil, fmt.Errorf("ensure control schema: %w", err)
	}
	return &ControlStore{pool: pool}, nil
}

// Pool exposes the underlying pool for components that need transactional access.
func (s *ControlStore) Pool() *pgxpool.Pool { return s.pool }

// CreateTenant inserts the initial pending row. A unique violation on the
// slug maps to ErrSlugConflict.
func (s *ControlStore) CreateTenant(ctx context.Context, t TenantRecord) (TenantRecord, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO tenants (id, slug, name, admin_email, status, provisioning_state)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, slug, name, admin_email, status, provisioning_state, created_at, updated_at`,
		t.ID, t.Slug, t.Name, t.AdminEmail, t.Status, t.ProvisioningState,
	)
	out, err := scanTenant(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, "slug") {
			return TenantRecord{}, ErrSlugConflict
		}
		return TenantRecord{}, fmt.Errorf("insert tenant: %w", err)
	}
	return out, nil
}

// GetTenant fetches a tenant by id.
func (s *ControlStore) GetTenant(ctx context.Context, id uuid.UUID) (TenantRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, slug, name, admin_email, status, provisioning_state, created_at, updated_at
		FROM tenants WHERE id = $1`, id)
	out, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TenantRecord{}, ErrNotFound
		}
		return TenantRecord{}, fmt.Errorf("get tenant: %w", err)
	}
	return out, nil
}

// GetTenantBySlug fetches a tenant by normalized slug.
func (s *ControlStore) GetTenantBySlug(ctx context.Context, slug string) (TenantRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, slug, name, admin_email, status, provisioning_state, created_at, updated_at
		FROM tenants WHERE slug = $1`, slug)
	out, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TenantRecord{}, ErrNotFound
		}
		return TenantRecord{}, fmt.Errorf("get tenant by slug: %w", err)
	}
	return out, nil
}

// ListTenants returns tenants ordered by creation time, newest first.
func (s *ControlStore) ListTenants(ctx context.Context, limit, offset int) ([]TenantRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, slug, name, admin_email, status, provisioning_state, created_at, updated_at
		FROM tenants ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []TenantRecord
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetTenantState persists a provisioning state transition. Durable state
// persistence before the next sub-step is what makes restarts resume instead
// of repeat.
func (s *ControlStore) SetTenantState(ctx context.Context, id uuid.UUID, status, provState string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenants SET status = $2, provisioning_state = $3, updated_at = now()
		WHERE id = $1`, id, status, provState)
	if err != nil {
		return fmt.Errorf("set tenant state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertConnection writes the routing record for a tenant database.
func (s *ControlStore) UpsertConnection(ctx context.Context, c ConnectionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_db_connections (tenant_id, db_host, db_port, db_name, db_user, secret_ref)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id) DO UPDATE
		SET db_host = EXCLUDED.db_host, db_port = EXCLUDED.db_port, db_name = EXCLUDED.db_name,
		    db_user = EXCLUDED.db_user, secret_ref = EXCLUDED.secret_ref`,
		c.TenantID, c.DBHost, c.DBPort, c.DBName, c.DBUser, c.SecretRef,
	)
	if err != nil {
		return fmt.Errorf("upsert tenant connection: %w", err)
	}
	return nil
}

// GetConnection fetches the routing record for a tenant.
func (s *ControlStore) GetConnection(ctx context.Context, tenantID uuid.UUID) (ConnectionRecord, error) {
	var c ConnectionRecord
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, db_host, db_port, db_name, db_user, secret_ref, created_at
		FROM tenant_db_connections WHERE tenant_id = $1`, tenantID,
	).Scan(&c.TenantID, &c.DBHost, &c.DBPort, &c.DBName, &c.DBUser, &c.SecretRef, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ConnectionRecord{}, ErrNotFound
		}
		return ConnectionRecord{}, fmt.Errorf("get tenant connection: %w", err)
	}
	return c, nil
}

// UpdateConnectionSecretRef swaps the secret reference during rotation.
func (s *ControlStore) UpdateConnectionSecretRef(ctx context.Context, tenantID uuid.UUID, secretRef string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenant_db_connections SET secret_ref = $2 WHERE tenant_id = $1`, tenantID, secretRef)
	if err != nil {
		return fmt.Errorf("update secret ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConnection removes the routing record, part of rollback/teardown only.
func (s *ControlStore) DeleteConnection(ctx context.Context, tenantID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tenant_db_connections WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("delete tenant connection: %w", err)
	}
	return nil
}

// ClaimIdempotencyKey races an INSERT on the (scope, key) unique constraint.
// The constraint is the mutual-exclusion primitive: the loser reads back the
// winner's record and returns claimed=false.
func (s *ControlStore) ClaimIdempotencyKey(ctx context.Context, rec IdempotencyRecord) (IdempotencyRecord, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (scope, key, request_hash, response_ref, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope, key) DO NOTHING`,
		rec.Scope, rec.Key, rec.RequestHash, rec.ResponseRef, rec.Status,
	)
	if err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return rec, true, nil
	}
	existing, err := s.GetIdempotencyKey(ctx, rec.Scope, rec.Key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return existing, false, nil
}

// GetIdempotencyKey fetches a stored record.
func (s *ControlStore) GetIdempotencyKey(ctx context.Context, scope, key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := s.pool.QueryRow(ctx, `
		SELECT scope, key, request_hash, COALESCE(response_ref, ''), status, created_at
		FROM idempotency_keys WHERE scope = $1 AND key = $2`, scope, key,
	).Scan(&rec.Scope, &rec.Key, &rec.RequestHash, &rec.ResponseRef, &rec.Status, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IdempotencyRecord{}, ErrNotFound
		}
		return IdempotencyRecord{}, fmt.Errorf("get idempotency key: %w", err)
	}
	return rec, nil
}

// CompleteIdempotencyKey records the final status and response reference.
func (s *ControlStore) CompleteIdempotencyKey(ctx context.Context, scope, key, status, responseRef string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE idempotency_keys SET status = $3, response_ref = $4
		WHERE scope = $1 AND key = $2`, scope, key, status, responseRef)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// PurgeIdempotencyKeys enforces the bounded retention window.
func (s *ControlStore) PurgeIdempotencyKeys(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_keys WHERE created_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AppendAudit writes one immutable audit row. Audit writes never fail the
// caller's operation; callers log and continue on error.
func (s *ControlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO global_audit_logs (id, actor_type, actor_id, tenant_id, action, target_type, target_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New(), e.ActorType, e.ActorID, e.TenantID, e.Action, e.TargetType, e.TargetID, e.Detail,
	)
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

// RecentAudit returns the newest audit rows for one tenant, newest first.
func (s *ControlStore) RecentAudit(ctx context.Context, tenantID uuid.UUID, limit int) ([]AuditRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, actor_type, actor_id, tenant_id, action, target_type, target_id, detail, created_at
		FROM global_audit_logs
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		err := rows.Scan(&rec.ID, &rec.ActorType, &rec.ActorID, &rec.TenantID,
			&rec.Action, &rec.TargetType, &rec.TargetID, &rec.Detail, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanTenant(row pgx.Row) (TenantRecord, error) {
	var t TenantRecord
	err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.AdminEmail, &t.Status, &t.ProvisioningState, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}
