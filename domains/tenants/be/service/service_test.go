package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/narthex-io/narthex/platform/go/apperr"
	"github.com/narthex-io/narthex/platform/go/persistence"
)

// memRepo is a minimal in-memory impl of Repo for orchestrator tests. It
// reproduces the two constraints that matter: unique slug and unique
// (scope, key).
type memRepo struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]persistence.TenantRecord
	conns   map[uuid.UUID]persistence.ConnectionRecord
	idem    map[string]persistence.IdempotencyRecord
	audits  []persistence.AuditEntry
}

func newMemRepo() *memRepo {
	return &memRepo{
		tenants: map[uuid.UUID]persistence.TenantRecord{},
		conns:   map[uuid.UUID]persistence.ConnectionRecord{},
		idem:    map[string]persistence.IdempotencyRecord{},
	}
}

func (r *memRepo) CreateTenant(_ context.Context, t persistence.TenantRecord) (persistence.TenantRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tenants {
		if existing.Slug == t.Slug {
			return persistence.TenantRecord{}, persistence.ErrSlugConflict
		}
	}
	r.tenants[t.ID] = t
	return t, nil
}

func (r *memRepo) GetTenant(_ context.Context, id uuid.UUID) (persistence.TenantRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return persistence.TenantRecord{}, persistence.ErrNotFound
	}
	return t, nil
}

func (r *memRepo) GetTenantBySlug(_ context.Context, slug string) (persistence.TenantRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tenants {
		if t.Slug == slug {
			return t, nil
		}
	}
	return persistence.TenantRecord{}, persistence.ErrNotFound
}

func (r *memRepo) ListTenants(_ context.Context, _, _ int) ([]persistence.TenantRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]persistence.TenantRecord, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t)
	}
	return out, nil
}

func (r *memRepo) SetTenantState(_ context.Context, id uuid.UUID, status, provState string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return persistence.ErrNotFound
	}
	t.Status = status
	t.ProvisioningState = provState
	r.tenants[id] = t
	return nil
}

func (r *memRepo) UpsertConnection(_ context.Context, c persistence.ConnectionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.TenantID] = c
	return nil
}

func (r *memRepo) GetConnection(_ context.Context, tenantID uuid.UUID) (persistence.ConnectionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[tenantID]
	if !ok {
		return persistence.ConnectionRecord{}, persistence.ErrNotFound
	}
	return c, nil
}

func (r *memRepo) UpdateConnectionSecretRef(_ context.Context, tenantID uuid.UUID, secretRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[tenantID]
	if !ok {
		return persistence.ErrNotFound
	}
	c.SecretRef = secretRef
	r.conns[tenantID] = c
	return nil
}

func (r *memRepo) DeleteConnection(_ context.Context, tenantID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, tenantID)
	return nil
}

func (r *memRepo) ClaimIdempotencyKey(_ context.Context, rec persistence.IdempotencyRecord) (persistence.IdempotencyRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := rec.Scope + "/" + rec.Key
	if existing, ok := r.idem[k]; ok {
		return existing, false, nil
	}
	r.idem[k] = rec
	return rec, true, nil
}

func (r *memRepo) CompleteIdempotencyKey(_ context.Context, scope, key, status, responseRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := scope + "/" + key
	rec, ok := r.idem[k]
	if !ok {
		return persistence.ErrNotFound
	}
	rec.Status = status
	rec.ResponseRef = responseRef
	r.idem[k] = rec
	return nil
}

func (r *memRepo) AppendAudit(_ context.Context, e persistence.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, e)
	return nil
}

func (r *memRepo) RecentAudit(_ context.Context, tenantID uuid.UUID, limit int) ([]persistence.AuditRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []persistence.AuditRecord
	for i := len(r.audits) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.audits[i]
		if e.TenantID == nil || *e.TenantID != tenantID {
			continue
		}
		out = append(out, persistence.AuditRecord{ID: uuid.New(), AuditEntry: e, CreatedAt: time.Now()})
	}
	return out, nil
}

func (r *memRepo) auditActions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.audits))
	for _, e := range r.audits {
		out = append(out, e.Action)
	}
	return out
}

// stubCreds mints predictable credentials and records deletions. Secrets
// stay readable until deleted, mirroring the store-backed manager.
type stubCreds struct {
	mu      sync.Mutex
	minted  int
	secrets map[string]string
	deleted []string
	mintErr error
}

func (c *stubCreds) Mint(_ context.Context, tenantID string) (Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mintErr != nil {
		return Credential{}, c.mintErr
	}
	c.minted++
	cred := Credential{
		SecretRef: "local:tenant_db:" + tenantID + ":" + strings.Repeat("a", c.minted),
		Password:  fmt.Sprintf("pw-%s-%d", tenantID, c.minted),
	}
	if c.secrets == nil {
		c.secrets = make(map[string]string)
	}
	c.secrets[cred.SecretRef] = cred.Password
	return cred, nil
}

func (c *stubCreds) Read(_ context.Context, ref string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	password, ok := c.secrets[ref]
	if !ok {
		return "", fmt.Errorf("unknown secret ref %s", ref)
	}
	return password, nil
}

func (c *stubCreds) Delete(_ context.Context, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.secrets, ref)
	c.deleted = append(c.deleted, ref)
	return nil
}

// stubDB is a configurable DBProvisioner stub.
type stubDB struct {
	mu            sync.Mutex
	provisionErr  error
	migrateErr    error
	seedErr       error
	verifyErr     error
	tornDown      []string
	altered       []string
	rolePassword  string
	provisioned   []string
	seeded        int
	migrationRuns int
}

func (s *stubDB) Provision(_ context.Context, dbName, _, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provisionErr != nil {
		return s.provisionErr
	}
	s.provisioned = append(s.provisioned, dbName)
	s.rolePassword = password
	return nil
}

func (s *stubDB) ApplyMigrations(_ context.Context, _ persistence.ConnectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.migrateErr != nil {
		return s.migrateErr
	}
	s.migrationRuns++
	return nil
}

func (s *stubDB) Seed(_ context.Context, _ persistence.ConnectionRecord, _ SeedInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seedErr != nil {
		return s.seedErr
	}
	s.seeded++
	return nil
}

func (s *stubDB) AlterPassword(_ context.Context, dbUser, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.altered = append(s.altered, dbUser)
	s.rolePassword = password
	return nil
}

func (s *stubDB) VerifyLogin(_ context.Context, _ persistence.ConnectionRecord, _ string) error {
	return s.verifyErr
}

func (s *stubDB) Teardown(_ context.Context, dbName, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tornDown = append(s.tornDown, dbName)
	return nil
}

// stubCollections records collection lifecycle calls.
type stubCollections struct {
	mu        sync.Mutex
	ensured   []string
	deleted   []string
	ensureErr error
}

func (c *stubCollections) EnsureCollection(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ensureErr != nil {
		return c.ensureErr
	}
	c.ensured = append(c.ensured, id)
	return nil
}

func (c *stubCollections) DeleteCollection(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, id)
	return nil
}

type fixture struct {
	repo  *memRepo
	creds *stubCreds
	db    *stubDB
	coll  *stubCollections
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:  newMemRepo(),
		creds: &stubCreds{},
		db:    &stubDB{},
		coll:  &stubCollections{},
	}
	f.svc = New(f.repo, f.creds, f.db, f.coll, Config{DBHost: "localhost", DBPort: 5432}, zap.NewNop())
	return f
}

func validInput() CreateInput {
	return CreateInput{Slug: "grace", Name: "Grace Chapel", AdminEmail: "admin@grace.local"}
}

func TestCreateTenantHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.CreateTenant(ctx, validInput(), "seed-grace")
	require.NoError(t, err)
	require.Equal(t, persistence.ProvStateReady, result.ProvisioningState)
	require.True(t, strings.HasPrefix(result.DBName, "tenant_"), "db name %q", result.DBName)

	rec, err := f.repo.GetTenant(ctx, result.TenantID)
	require.NoError(t, err)
	require.Equal(t, persistence.TenantStatusActive, rec.Status)
	require.Equal(t, persistence.ProvStateReady, rec.ProvisioningState)

	conn, err := f.repo.GetConnection(ctx, result.TenantID)
	require.NoError(t, err)
	require.NotEmpty(t, conn.SecretRef)
	require.Equal(t, result.DBName, conn.DBName)

	require.Equal(t, []string{result.TenantID.String()}, f.coll.ensured)
	require.Equal(t, 1, f.db.seeded)
	require.Contains(t, f.repo.auditActions(), "tenant.provisioning_succeeded")
}

func TestCreateTenantIdempotentReplay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateTenant(ctx, validInput(), "seed-grace")
	require.NoError(t, err)

	second, err := f.svc.CreateTenant(ctx, validInput(), "seed-grace")
	require.NoError(t, err)

	require.Equal(t, first.TenantID, second.TenantID)
	require.Equal(t, first.DBName, second.DBName)

	tenants, err := f.repo.ListTenants(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, tenants, 1)
	require.Equal(t, 1, f.creds.minted, "replay must not re-run side effects")
}

func TestCreateTenantKeyReuseWithDifferentPayload(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateTenant(ctx, validInput(), "seed-grace")
	require.NoError(t, err)

	other := validInput()
	other.Slug = "hope"
	_, err = f.svc.CreateTenant(ctx, other, "seed-grace")
	require.Error(t, err)
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	require.Equal(t, "idempotency_key_conflict", apperr.CodeOf(err))
}

func TestCreateTenantSlugConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateTenant(ctx, validInput(), "key-1")
	require.NoError(t, err)

	_, err = f.svc.CreateTenant(ctx, validInput(), "key-2")
	require.Error(t, err)
	require.Equal(t, "slug_conflict", apperr.CodeOf(err))

	// First tenant is untouched.
	rec, err := f.repo.GetTenant(ctx, first.TenantID)
	require.NoError(t, err)
	require.Equal(t, persistence.TenantStatusActive, rec.Status)
}

func TestProvisioningFailureRollsBackAndAllowsRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.db.migrateErr = errors.New("migrations blew up")
	_, err := f.svc.CreateTenant(ctx, validInput(), "key-1")
	require.Error(t, err)
	require.Equal(t, apperr.KindProvisioning, apperr.KindOf(err))

	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, persistence.ProvStateDB, ae.Step)

	// Rollback removed everything the failed run created.
	require.Len(t, f.db.tornDown, 1)
	require.Len(t, f.creds.deleted, 1)
	require.Len(t, f.coll.deleted, 1)
	rec, err := f.repo.GetTenantBySlug(ctx, "grace")
	require.NoError(t, err)
	require.Equal(t, persistence.TenantStatusError, rec.Status)
	require.Equal(t, persistence.ProvStateFailed, rec.ProvisioningState)
	_, err = f.repo.GetConnection(ctx, rec.ID)
	require.ErrorIs(t, err, persistence.ErrNotFound)
	require.Contains(t, f.repo.auditActions(), "tenant.provisioning_failed")

	// A failed tenant must not block re-creation of the same slug.
	f.db.migrateErr = nil
	result, err := f.svc.CreateTenant(ctx, validInput(), "key-2")
	require.NoError(t, err)
	require.Equal(t, rec.ID, result.TenantID, "failed row is reused, not duplicated")
	require.Equal(t, persistence.ProvStateReady, result.ProvisioningState)
}

func TestCollectionFailureReportsCollectionStep(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.coll.ensureErr = errors.New("provider down")
	_, err := f.svc.CreateTenant(ctx, validInput(), "key-1")
	require.Error(t, err)

	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, persistence.ProvStateCollection, ae.Step)
}

func TestResolveOnlyReturnsActiveTenants(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.CreateTenant(ctx, validInput(), "key-1")
	require.NoError(t, err)

	conn, err := f.svc.Resolve(ctx, "grace")
	require.NoError(t, err)
	require.Equal(t, result.DBName, conn.DBName)

	_, err = f.svc.Suspend(ctx, result.TenantID, "ops")
	require.NoError(t, err)

	_, err = f.svc.Resolve(ctx, "grace")
	require.Error(t, err)
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSuspendIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.CreateTenant(ctx, validInput(), "key-1")
	require.NoError(t, err)

	first, err := f.svc.Suspend(ctx, result.TenantID, "ops")
	require.NoError(t, err)
	require.Equal(t, persistence.TenantStatusSuspended, first.Status)

	second, err := f.svc.Suspend(ctx, result.TenantID, "ops")
	require.NoError(t, err)
	require.Equal(t, persistence.TenantStatusSuspended, second.Status)

	back, err := f.svc.Unsuspend(ctx, result.TenantID, "ops")
	require.NoError(t, err)
	require.Equal(t, persistence.TenantStatusActive, back.Status)
}

func TestRotateSecretsSwapsRefAfterVerification(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.CreateTenant(ctx, validInput(), "key-1")
	require.NoError(t, err)
	before, err := f.repo.GetConnection(ctx, result.TenantID)
	require.NoError(t, err)

	require.NoError(t, f.svc.RotateSecrets(ctx, result.TenantID, "ops"))

	after, err := f.repo.GetConnection(ctx, result.TenantID)
	require.NoError(t, err)
	require.NotEqual(t, before.SecretRef, after.SecretRef)
	require.Equal(t, []string{before.SecretRef}, f.creds.deleted, "old secret retired")
	require.Equal(t, []string{after.DBUser}, f.db.altered)
}

func TestRotateSecretsKeepsOldRefWhenVerificationFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.CreateTenant(ctx, validInput(), "key-1")
	require.NoError(t, err)
	before, err := f.repo.GetConnection(ctx, result.TenantID)
	require.NoError(t, err)

	f.db.verifyErr = errors.New("login refused")
	require.Error(t, f.svc.RotateSecrets(ctx, result.TenantID, "ops"))

	after, err := f.repo.GetConnection(ctx, result.TenantID)
	require.NoError(t, err)
	require.Equal(t, before.SecretRef, after.SecretRef)

	// The role must still accept the password the live secret_ref points at:
	// the failed candidate was rolled back, not left on the role.
	oldPassword, err := f.creds.Read(ctx, before.SecretRef)
	require.NoError(t, err)
	require.Equal(t, oldPassword, f.db.rolePassword)

	// The abandoned candidate secret is retired; the live one is not.
	require.Len(t, f.creds.deleted, 1)
	require.NotContains(t, f.creds.deleted, before.SecretRef)
}
