// Package service implements gate registration, device session exchange and
// frame ingestion. Gates authenticate with a one-time bootstrap token minted
// at registration; the exchange yields a bearer session token whose hash
// lives in Redis so any API instance can validate it.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/narthex-io/narthex/domains/gate/be/repo"
	"github.com/narthex-io/narthex/platform/go/apperr"
	"github.com/narthex-io/narthex/platform/go/cache"
	"github.com/narthex-io/narthex/platform/go/persistence"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

const (
	defaultSessionTTLHours = 12

	sessionKeyPrefix = "gate_session"
	currentKeyPrefix = "gate_current"
)

// Gate is the API shape of a registered gate.
type Gate struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Location  string    `json:"location,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`

	// BootstrapToken is only populated on registration and re-issue; it is
	// never stored or returned again.
	BootstrapToken string `json:"bootstrap_token,omitempty"`
}

// Session is the result of a bootstrap exchange.
type Session struct {
	GateID    uuid.UUID `json:"gate_id"`
	Token     string    `json:"session_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Publisher narrows the queue publisher to what frame ingestion needs.
type Publisher interface {
	Publish(ctx context.Context, queueName string, job any) error
}

type Service struct {
	pools  *persistence.TenantPools
	cache  *cache.Client
	pub    Publisher
	logger *zap.Logger
}

func New(pools *persistence.TenantPools, cacheClient *cache.Client, pub Publisher, logger *zap.Logger) *Service {
	if pools == nil {
		panic("tenant pools are required")
	}
	if cacheClient == nil {
		panic("cache client is required")
	}
	if pub == nil {
		panic("queue publisher is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Service{pools: pools, cache: cacheClient, pub: pub, logger: logger}
}

// Register creates a gate and mints its one-time bootstrap token. The token
// is returned exactly once; only its hash is stored.
func (s *Service) Register(ctx context.Context, space tenant.Space, name, location string) (Gate, error) {
	if name == "" {
		return Gate{}, apperr.Validation("name_required", "gate name is required")
	}
	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return Gate{}, fmt.Errorf("tenant pool: %w", err)
	}

	token, err := randomToken(24)
	if err != nil {
		return Gate{}, err
	}
	g := repo.Gate{ID: uuid.New(), Name: name, Location: location, Status: "active"}
	if err := repo.InsertGate(ctx, db, g, hashToken(token)); err != nil {
		return Gate{}, err
	}

	s.logger.Info("gate registered",
		zap.String("tenant_id", space.TenantID.String()),
		zap.String("gate_id", g.ID.String()))
	return Gate{
		ID:             g.ID,
		Name:           g.Name,
		Location:       g.Location,
		Status:         g.Status,
		CreatedAt:      time.Now().UTC(),
		BootstrapToken: token,
	}, nil
}

// List returns the tenant's registered gates without token material.
func (s *Service) List(ctx context.Context, space tenant.Space) ([]Gate, error) {
	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return nil, fmt.Errorf("tenant pool: %w", err)
	}
	records, err := repo.ListGates(ctx, db)
	if err != nil {
		return nil, err
	}
	gates := make([]Gate, 0, len(records))
	for _, g := range records {
		gates = append(gates, Gate{ID: g.ID, Name: g.Name, Location: g.Location, Status: g.Status, CreatedAt: g.CreatedAt})
	}
	return gates, nil
}

// StartSession exchanges a bootstrap token for a session token. The bootstrap
// token is single-use: a second exchange with the same token conflicts. Any
// previous session for the gate is revoked.
func (s *Service) StartSession(ctx context.Context, space tenant.Space, bootstrapToken string) (Session, error) {
	if bootstrapToken == "" {
		return Session{}, apperr.Validation("bootstrap_token_required", "bootstrap token is required")
	}
	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return Session{}, fmt.Errorf("tenant pool: %w", err)
	}

	g, err := repo.ConsumeBootstrapToken(ctx, db, hashToken(bootstrapToken))
	if errors.Is(err, repo.ErrBootstrapUsed) {
		return Session{}, apperr.Conflict("bootstrap_token_used", "bootstrap token was already exchanged")
	}
	if errors.Is(err, repo.ErrNotFound) {
		return Session{}, apperr.Unauthorized("unknown bootstrap token")
	}
	if err != nil {
		return Session{}, err
	}

	ttlHours, err := repo.ConfigInt(ctx, db, "gate.session_ttl_hours", defaultSessionTTLHours)
	if err != nil {
		return Session{}, err
	}
	ttl := time.Duration(ttlHours) * time.Hour

	token, err := randomToken(32)
	if err != nil {
		return Session{}, err
	}
	tokenHash := hashToken(token)

	if err := s.revokeCurrent(ctx, space.TenantID, g.ID); err != nil {
		s.logger.Warn("failed to revoke previous gate session",
			zap.String("gate_id", g.ID.String()), zap.Error(err))
	}
	if err := s.cache.Set(ctx, sessionKey(space.TenantID, tokenHash), g.ID.String(), ttl); err != nil {
		return Session{}, fmt.Errorf("store gate session: %w", err)
	}
	if err := s.cache.Set(ctx, currentKey(space.TenantID, g.ID), tokenHash, ttl); err != nil {
		return Session{}, fmt.Errorf("track current session: %w", err)
	}

	s.logger.Info("gate session started",
		zap.String("tenant_id", space.TenantID.String()),
		zap.String("gate_id", g.ID.String()),
		zap.Time("expires_at", time.Now().UTC().Add(ttl)))
	return Session{GateID: g.ID, Token: token, ExpiresAt: time.Now().UTC().Add(ttl)}, nil
}

// ValidateSession resolves a session token to its gate id, fail-closed.
func (s *Service) ValidateSession(ctx context.Context, space tenant.Space, token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, apperr.Unauthorized("gate session token is required")
	}
	val, err := s.cache.Get(ctx, sessionKey(space.TenantID, hashToken(token)))
	if errors.Is(err, cache.ErrNotFound) {
		return uuid.Nil, apperr.Unauthorized("gate session expired or revoked")
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("read gate session: %w", err)
	}
	gateID, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, fmt.Errorf("corrupt gate session record: %w", err)
	}
	return gateID, nil
}

func (s *Service) revokeCurrent(ctx context.Context, tenantID, gateID uuid.UUID) error {
	prev, err := s.cache.Get(ctx, currentKey(tenantID, gateID))
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, sessionKey(tenantID, prev))
}

func sessionKey(tenantID uuid.UUID, tokenHash string) string {
	return fmt.Sprintf("%s:%s:%s", sessionKeyPrefix, tenantID, tokenHash)
}

func currentKey(tenantID, gateID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", currentKeyPrefix, tenantID, gateID)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
