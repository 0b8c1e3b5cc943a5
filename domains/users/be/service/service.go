// Package service implements staff account management inside a tenant:
// inviting users with a temporary password, activating accounts, and
// assigning catalog roles. Provisioning seeds the first admin; everything
// after that goes through here.
package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/narthex-io/narthex/domains/users/be/repo"
	"github.com/narthex-io/narthex/platform/go/apperr"
	"github.com/narthex-io/narthex/platform/go/persistence"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

// Account statuses.
const (
	StatusInvited  = "invited"
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

const minPasswordLen = 10

// User is the API view of a staff account. Password material never
// appears here.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name,omitempty"`
	Status    string    `json:"status"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"created_at"`
}

// InviteInput creates a staff account in the invited state.
type InviteInput struct {
	Email    string `json:"email"`
	FullName string `json:"full_name,omitempty"`
	Role     string `json:"role"`
}

// InviteResult carries the one-time temporary password back to the
// caller. It is never stored in clear anywhere.
type InviteResult struct {
	User         User   `json:"user"`
	TempPassword string `json:"temp_password"`
}

type Service struct {
	pools  *persistence.TenantPools
	logger *zap.Logger
}

func New(pools *persistence.TenantPools, logger *zap.Logger) *Service {
	if pools == nil {
		panic("users service requires tenant pools")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Service{pools: pools, logger: logger}
}

// Invite creates a staff account with a random temporary password and the
// given catalog role. The temporary password is returned exactly once.
func (s *Service) Invite(ctx context.Context, space tenant.Space, in InviteInput) (InviteResult, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || !strings.Contains(email, "@") {
		return InviteResult{}, apperr.Validation("invalid_email", "a valid email is required")
	}
	if in.Role == "" {
		return InviteResult{}, apperr.Validation("role_required", "a role name is required")
	}

	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return InviteResult{}, err
	}
	role, err := repo.RoleByName(ctx, db, in.Role)
	if err != nil {
		if errors.Is(err, repo.ErrRoleNotFound) {
			return InviteResult{}, apperr.Validation("role_not_found", fmt.Sprintf("role %q does not exist", in.Role))
		}
		return InviteResult{}, err
	}

	tempPassword, err := randomPassword()
	if err != nil {
		return InviteResult{}, fmt.Errorf("generate temp password: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(tempPassword), bcrypt.DefaultCost)
	if err != nil {
		return InviteResult{}, fmt.Errorf("hash temp password: %w", err)
	}
	hashStr := string(hash)

	user := repo.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: &hashStr,
		Status:       StatusInvited,
	}
	if name := strings.TrimSpace(in.FullName); name != "" {
		user.FullName = &name
	}
	if err := repo.InsertUser(ctx, db, user); err != nil {
		if errors.Is(err, repo.ErrEmailConflict) {
			return InviteResult{}, apperr.Conflict("email_conflict", "email is already registered")
		}
		return InviteResult{}, err
	}
	if err := repo.AssignRole(ctx, db, user.ID, role.ID); err != nil {
		return InviteResult{}, err
	}

	s.logger.Info("staff invited",
		zap.String("tenant", space.Slug),
		zap.String("user_id", user.ID.String()),
		zap.String("role", role.Name))
	return InviteResult{
		User:         toUser(user, []string{role.Name}),
		TempPassword: tempPassword,
	}, nil
}

// List returns every staff account with its active roles.
func (s *Service) List(ctx context.Context, space tenant.Space) ([]User, error) {
	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return nil, err
	}
	records, err := repo.ListUsers(ctx, db)
	if err != nil {
		return nil, err
	}
	out := make([]User, 0, len(records))
	for _, rec := range records {
		roles, err := repo.RolesForUser(ctx, db, rec.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, toUser(rec, roles))
	}
	return out, nil
}

// Get returns one staff account.
func (s *Service) Get(ctx context.Context, space tenant.Space, id uuid.UUID) (User, error) {
	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return User{}, err
	}
	rec, err := repo.GetUser(ctx, db, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return User{}, apperr.NotFound("user_not_found", "user not found")
		}
		return User{}, err
	}
	roles, err := repo.RolesForUser(ctx, db, rec.ID)
	if err != nil {
		return User{}, err
	}
	return toUser(rec, roles), nil
}

// Activate replaces the invited account's temporary password with one the
// user chose, and moves the account to active.
func (s *Service) Activate(ctx context.Context, space tenant.Space, id uuid.UUID, password string) error {
	if len(password) < minPasswordLen {
		return apperr.Validation("password_too_short",
			fmt.Sprintf("password must be at least %d characters", minPasswordLen))
	}
	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return err
	}
	rec, err := repo.GetUser(ctx, db, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.NotFound("user_not_found", "user not found")
		}
		return err
	}
	if rec.Status == StatusDisabled {
		return apperr.Conflict("user_disabled", "disabled accounts cannot be activated")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return repo.SetUserPassword(ctx, db, id, string(hash))
}

// AssignRole grants a catalog role to an existing staff account.
func (s *Service) AssignRole(ctx context.Context, space tenant.Space, id uuid.UUID, roleName string) (User, error) {
	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return User{}, err
	}
	rec, err := repo.GetUser(ctx, db, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return User{}, apperr.NotFound("user_not_found", "user not found")
		}
		return User{}, err
	}
	role, err := repo.RoleByName(ctx, db, roleName)
	if err != nil {
		if errors.Is(err, repo.ErrRoleNotFound) {
			return User{}, apperr.Validation("role_not_found", fmt.Sprintf("role %q does not exist", roleName))
		}
		return User{}, err
	}
	if err := repo.AssignRole(ctx, db, rec.ID, role.ID); err != nil {
		return User{}, err
	}
	roles, err := repo.RolesForUser(ctx, db, rec.ID)
	if err != nil {
		return User{}, err
	}
	return toUser(rec, roles), nil
}

// Disable blocks a staff account without deleting its audit trail.
func (s *Service) Disable(ctx context.Context, space tenant.Space, id uuid.UUID) error {
	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return err
	}
	if err := repo.SetUserStatus(ctx, db, id, StatusDisabled); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.NotFound("user_not_found", "user not found")
		}
		return err
	}
	return nil
}

// VerifyPassword checks credentials for an active account. It exists for
// the dashboard login flow and intentionally gives one generic error for
// unknown email, wrong password and non-active status.
func (s *Service) VerifyPassword(ctx context.Context, space tenant.Space, email, password string) (User, error) {
	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return User{}, err
	}
	rec, err := repo.UserByEmail(ctx, db, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return User{}, apperr.Unauthorized("invalid credentials")
		}
		return User{}, err
	}
	if rec.Status != StatusActive || rec.PasswordHash == nil {
		return User{}, apperr.Unauthorized("invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(*rec.PasswordHash), []byte(password)) != nil {
		return User{}, apperr.Unauthorized("invalid credentials")
	}
	roles, err := repo.RolesForUser(ctx, db, rec.ID)
	if err != nil {
		return User{}, err
	}
	return toUser(rec, roles), nil
}

func toUser(rec repo.User, roles []string) User {
	u := User{
		ID:        rec.ID,
		Email:     rec.Email,
		Status:    rec.Status,
		Roles:     roles,
		CreatedAt: rec.CreatedAt,
	}
	if rec.FullName != nil {
		u.FullName = *rec.FullName
	}
	if u.Roles == nil {
		u.Roles = []string{}
	}
	return u
}

func randomPassword() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
