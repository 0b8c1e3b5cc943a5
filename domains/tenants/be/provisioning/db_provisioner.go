package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/narthex-io/narthex/domains/tenants/be/service"
	"github.com/narthex-io/narthex/platform/go/persistence"
)

// seeded role and permission catalog. Admin gets everything; staff runs the
// floor; viewer is read-only.
var (
	seedPermissions = []string{
		"people.read", "people.write", "gates.manage",
		"messages.send", "attendance.read", "settings.manage",
	}
	seedRoles = map[string][]string{
		"admin":  seedPermissions,
		"staff":  {"people.read", "people.write", "attendance.read", "messages.send"},
		"viewer": {"people.read", "attendance.read"},
	}
)

// DBProvisioner creates one database and login role per tenant on a shared
// Postgres server, applies the embedded tenant migrations, and seeds the
// initial contents. All operations are idempotent so a resumed provisioning
// run skips what already exists.
type DBProvisioner struct {
	admin *pgxpool.Pool
	pools *persistence.TenantPools
}

// NewDBProvisioner takes an admin pool on the maintenance database (a role
// with CREATEDB and CREATEROLE) and the tenant pool manager used to reach
// freshly created databases.
func NewDBProvisioner(admin *pgxpool.Pool, pools *persistence.TenantPools) *DBProvisioner {
	if admin == nil {
		panic("db provisioner requires admin pool")
	}
	if pools == nil {
		panic("db provisioner requires tenant pools")
	}
	return &DBProvisioner{admin: admin, pools: pools}
}

// Provision creates the login role and database if missing. An existing role
// gets its password reset so a resumed run ends up with the credential the
// orchestrator just minted.
func (p *DBProvisioner) Provision(ctx context.Context, dbName, dbUser, password string) error {
	var roleExists bool
	if err := p.admin.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)", dbUser,
	).Scan(&roleExists); err != nil {
		return fmt.Errorf("check role existence: %w", err)
	}
	if roleExists {
		if err := p.AlterPassword(ctx, dbUser, password); err != nil {
			return err
		}
	} else {
		roleSQL := fmt.Sprintf("CREATE ROLE %s LOGIN PASSWORD %s",
			pgx.Identifier{dbUser}.Sanitize(), quoteLiteral(password))
		if _, err := p.admin.Exec(ctx, roleSQL); err != nil {
			return fmt.Errorf("create role: %w", err)
		}
	}

	var dbExists bool
	if err := p.admin.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", dbName,
	).Scan(&dbExists); err != nil {
		return fmt.Errorf("check database existence: %w", err)
	}
	if !dbExists {
		// CREATE DATABASE cannot run inside a transaction; single Exec only.
		dbSQL := fmt.Sprintf("CREATE DATABASE %s OWNER %s",
			pgx.Identifier{dbName}.Sanitize(), pgx.Identifier{dbUser}.Sanitize())
		if _, err := p.admin.Exec(ctx, dbSQL); err != nil {
			return fmt.Errorf("create database: %w", err)
		}
	}
	return nil
}

// ApplyMigrations brings the tenant database schema to head.
func (p *DBProvisioner) ApplyMigrations(ctx context.Context, conn persistence.ConnectionRecord) error {
	pool, err := p.pools.Get(ctx, conn)
	if err != nil {
		return err
	}
	return persistence.ApplyTenantMigrations(ctx, pool)
}

// Seed installs the role/permission catalog, the admin user with a bcrypt
// invite password, and default tenant configuration. Safe to re-run.
func (p *DBProvisioner) Seed(ctx context.Context, conn persistence.ConnectionRecord, input service.SeedInput) error {
	pool, err := p.pools.Get(ctx, conn)
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin seed tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	roleIDs := map[string]uuid.UUID{}
	for name := range seedRoles {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `
			INSERT INTO roles (id, name, description, is_system)
			VALUES ($1, $2, $3, TRUE)
			ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
			RETURNING id`,
			uuid.New(), name, "seeded "+name+" role",
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("seed role %s: %w", name, err)
		}
		roleIDs[name] = id
	}

	permIDs := map[string]uuid.UUID{}
	for _, name := range seedPermissions {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `
			INSERT INTO permissions (id, name)
			VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id`,
			uuid.New(), name,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("seed permission %s: %w", name, err)
		}
		permIDs[name] = id
	}

	for role, perms := range seedRoles {
		for _, perm := range perms {
			if _, err := tx.Exec(ctx, `
				INSERT INTO role_permissions (role_id, permission_id)
				VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				roleIDs[role], permIDs[perm],
			); err != nil {
				return fmt.Errorf("grant %s to %s: %w", perm, role, err)
			}
		}
	}

	if err := p.seedAdminUser(ctx, tx, roleIDs["admin"], input); err != nil {
		return err
	}
	if err := seedConfig(ctx, tx, input); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit seed tx: %w", err)
	}
	return nil
}

func (p *DBProvisioner) seedAdminUser(ctx context.Context, tx pgx.Tx, adminRoleID uuid.UUID, input service.SeedInput) error {
	invite, err := randomToken(12)
	if err != nil {
		return fmt.Errorf("generate invite password: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(invite), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash invite password: %w", err)
	}

	var userID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO users (id, email, full_name, password_hash, status)
		VALUES ($1, $2, $3, $4, 'invited')
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id`,
		uuid.New(), strings.ToLower(input.AdminEmail), input.AdminName, string(hash),
	).Scan(&userID)
	if err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO user_roles (id, user_id, role_id)
		SELECT $1, $2, $3
		WHERE NOT EXISTS (
			SELECT 1 FROM user_roles WHERE user_id = $2 AND role_id = $3
		)`, uuid.New(), userID, adminRoleID,
	); err != nil {
		return fmt.Errorf("assign admin role: %w", err)
	}
	return nil
}

func seedConfig(ctx context.Context, tx pgx.Tx, input service.SeedInput) error {
	defaults := map[string]string{
		"recognition.threshold":  `0.90`,
		"dedupe.window_seconds":  `300`,
		"gate.session_ttl_hours": `12`,
	}
	if input.Timezone != "" {
		defaults["tenant.timezone"] = fmt.Sprintf("%q", input.Timezone)
	}
	if input.Locale != "" {
		defaults["tenant.locale"] = fmt.Sprintf("%q", input.Locale)
	}
	if input.TemplateKey != "" {
		defaults["tenant.template_key"] = fmt.Sprintf("%q", input.TemplateKey)
	}
	for key, value := range defaults {
		if _, err := tx.Exec(ctx, `
			INSERT INTO tenant_config (key, value_json)
			VALUES ($1, $2::jsonb)
			ON CONFLICT (key) DO NOTHING`, key, value,
		); err != nil {
			return fmt.Errorf("seed config %s: %w", key, err)
		}
	}
	return nil
}

// AlterPassword sets a new password on the tenant role.
func (p *DBProvisioner) AlterPassword(ctx context.Context, dbUser, password string) error {
	sql := fmt.Sprintf("ALTER ROLE %s PASSWORD %s",
		pgx.Identifier{dbUser}.Sanitize(), quoteLiteral(password))
	if _, err := p.admin.Exec(ctx, sql); err != nil {
		return fmt.Errorf("alter role password: %w", err)
	}
	return nil
}

// VerifyLogin opens a throwaway connection with the candidate password to
// confirm it is live before the orchestrator swaps the secret ref.
func (p *DBProvisioner) VerifyLogin(ctx context.Context, conn persistence.ConnectionRecord, password string) error {
	dsn := persistence.BuildDSN(conn.DBHost, conn.DBPort, conn.DBName, conn.DBUser, password)
	c, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("verify login: %w", err)
	}
	defer c.Close(ctx)
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("verify login ping: %w", err)
	}
	return nil
}

// Teardown removes the tenant database and role during rollback. Backends
// are terminated first so the drop cannot hang on live connections. All
// errors are collected; the caller audits what could not be removed.
func (p *DBProvisioner) Teardown(ctx context.Context, dbName, dbUser string) error {
	var errs []error

	if _, err := p.admin.Exec(ctx, `
		SELECT pg_terminate_backend(pid) FROM pg_stat_activity
		WHERE datname = $1 AND pid <> pg_backend_pid()`, dbName,
	); err != nil {
		errs = append(errs, fmt.Errorf("terminate backends: %w", err))
	}
	if _, err := p.admin.Exec(ctx,
		fmt.Sprintf("DROP DATABASE IF EXISTS %s", pgx.Identifier{dbName}.Sanitize()),
	); err != nil {
		errs = append(errs, fmt.Errorf("drop database: %w", err))
	}
	if _, err := p.admin.Exec(ctx,
		fmt.Sprintf("DROP ROLE IF EXISTS %s", pgx.Identifier{dbUser}.Sanitize()),
	); err != nil {
		errs = append(errs, fmt.Errorf("drop role: %w", err))
	}
	return errors.Join(errs...)
}

// quoteLiteral escapes a string for use as a SQL literal in DDL, where bind
// parameters are not accepted.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

var _ service.DBProvisioner = (*DBProvisioner)(nil)
