// Package repo holds the tenant-database access for staff accounts and
// role assignments. Functions take the pool explicitly because every
// request targets a different tenant database.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound      = errors.New("user not found")
	ErrEmailConflict = errors.New("email already registered")
	ErrRoleNotFound  = errors.New("role not found")
)

// User is a staff account row. PasswordHash is bcrypt and never leaves
// the repo/service boundary.
type User struct {
	ID           uuid.UUID
	Email        string
	FullName     *string
	PasswordHash *string
	Status       string
	CreatedAt    time.Time
}

// Role is one entry of the seeded role catalog.
type Role struct {
	ID       uuid.UUID
	Name     string
	IsSystem bool
}

// InsertUser writes a new staff account.
func InsertUser(ctx context.Context, db *pgxpool.Pool, u User) error {
	_, err := db.Exec(ctx, `
		INSERT INTO users (id, email, full_name, password_hash, status)
		VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.FullName, u.PasswordHash, u.Status,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrEmailConflict
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser fetches one staff account by id.
func GetUser(ctx context.Context, db *pgxpool.Pool, id uuid.UUID) (User, error) {
	var u User
	err := db.QueryRow(ctx, `
		SELECT id, email, full_name, password_hash, status, created_at
		FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.FullName, &u.PasswordHash, &u.Status, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// UserByEmail fetches one staff account by email.
func UserByEmail(ctx context.Context, db *pgxpool.Pool, email string) (User, error) {
	var u User
	err := db.QueryRow(ctx, `
		SELECT id, email, full_name, password_hash, status, created_at
		FROM users WHERE email = $1`, email,
	).Scan(&u.ID, &u.Email, &u.FullName, &u.PasswordHash, &u.Status, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

// ListUsers returns all staff accounts ordered by creation time.
func ListUsers(ctx context.Context, db *pgxpool.Pool) ([]User, error) {
	rows, err := db.Query(ctx, `
		SELECT id, email, full_name, password_hash, status, created_at
		FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.FullName, &u.PasswordHash, &u.Status, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SetUserStatus transitions a staff account between invited/active/disabled.
func SetUserStatus(ctx context.Context, db *pgxpool.Pool, id uuid.UUID, status string) error {
	tag, err := db.Exec(ctx, `UPDATE users SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set user status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetUserPassword stores a new bcrypt hash and activates the account.
func SetUserPassword(ctx context.Context, db *pgxpool.Pool, id uuid.UUID, passwordHash string) error {
	tag, err := db.Exec(ctx, `
		UPDATE users SET password_hash = $2, status = 'active' WHERE id = $1`,
		id, passwordHash)
	if err != nil {
		return fmt.Errorf("set user password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RoleByName looks a catalog role up by name.
func RoleByName(ctx context.Context, db *pgxpool.Pool, name string) (Role, error) {
	var r Role
	err := db.QueryRow(ctx, `
		SELECT id, name, is_system FROM roles WHERE name = $1`, name,
	).Scan(&r.ID, &r.Name, &r.IsSystem)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrRoleNotFound
	}
	if err != nil {
		return Role{}, fmt.Errorf("get role: %w", err)
	}
	return r, nil
}

// AssignRole records an active role assignment. Assigning a role the user
// already holds is a no-op.
func AssignRole(ctx context.Context, db *pgxpool.Pool, userID, roleID uuid.UUID) error {
	var exists bool
	err := db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_roles
			WHERE user_id = $1 AND role_id = $2 AND is_active
		)`, userID, roleID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check role assignment: %w", err)
	}
	if exists {
		return nil
	}
	_, err = db.Exec(ctx, `
		INSERT INTO user_roles (id, user_id, role_id) VALUES ($1, $2, $3)`,
		uuid.New(), userID, roleID)
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

// RolesForUser returns the names of the user's active roles.
func RolesForUser(ctx context.Context, db *pgxpool.Pool, userID uuid.UUID) ([]string, error) {
	rows, err := db.Query(ctx, `
		SELECT r.name
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1 AND ur.is_active
		ORDER BY r.name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user roles: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan role name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
