package service

import (
	"context"

	"github.com/narthex-io/narthex/platform/go/persistence"
)

// Credential is a freshly minted database credential. Password lives only in
// memory for the duration of the provisioning step; SecretRef is what gets
// persisted in the control database.
type Credential struct {
	SecretRef string
	Password  string
}

// Credentials mints and retires per-tenant database credentials backed by
// the secret store. Read recovers a live password so rotation can fall back
// to it when the replacement fails verification.
type Credentials interface {
	Mint(ctx context.Context, tenantID string) (Credential, error)
	Read(ctx context.Context, secretRef string) (string, error)
	Delete(ctx context.Context, secretRef string) error
}

// SeedInput parameterizes the initial contents of a tenant database.
type SeedInput struct {
	AdminEmail  string
	AdminName   string
	TemplateKey string
	Timezone    string
	Locale      string
}

// DBProvisioner creates, seeds and tears down tenant-specific databases.
// Provision and ApplyMigrations are idempotent so a resumed run skips work
// already done.
type DBProvisioner interface {
	Provision(ctx context.Context, dbName, dbUser, password string) error
	ApplyMigrations(ctx context.Context, conn persistence.ConnectionRecord) error
	Seed(ctx context.Context, conn persistence.ConnectionRecord, input SeedInput) error
	AlterPassword(ctx context.Context, dbUser, password string) error
	VerifyLogin(ctx context.Context, conn persistence.ConnectionRecord, password string) error
	Teardown(ctx context.Context, dbName, dbUser string) error
}

// Collections manages the per-tenant face collection at the recognition
// provider. Satisfied by the recognition provider adapter.
type Collections interface {
	EnsureCollection(ctx context.Context, collectionID string) error
	DeleteCollection(ctx context.Context, collectionID string) error
}
