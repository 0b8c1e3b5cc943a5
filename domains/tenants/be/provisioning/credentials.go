// Package provisioning holds the side-effectful halves of tenant creation:
// database credentials and the tenant database itself.
package provisioning

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/narthex-io/narthex/domains/tenants/be/service"
	"github.com/narthex-io/narthex/platform/go/secrets"
)

// CredentialManager mints per-tenant database passwords into the secret
// store. Each mint gets a fresh ref (base ref plus a nonce) so rotation
// produces a distinct secret entry and downstream pool caches keyed by ref
// pick up the new credential instead of serving a stale one.
type CredentialManager struct {
	store secrets.Store
}

func NewCredentialManager(store secrets.Store) *CredentialManager {
	if store == nil {
		panic("credential manager requires secret store")
	}
	return &CredentialManager{store: store}
}

// Mint generates a password, stores it, and returns the credential. The raw
// password is returned only for immediate use by the DB provisioner and is
// never persisted outside the secret store.
func (m *CredentialManager) Mint(ctx context.Context, tenantID string) (service.Credential, error) {
	password, err := randomToken(24)
	if err != nil {
		return service.Credential{}, fmt.Errorf("generate password: %w", err)
	}
	nonce := make([]byte, 4)
	if _, err := rand.Read(nonce); err != nil {
		return service.Credential{}, fmt.Errorf("generate secret ref nonce: %w", err)
	}
	ref := fmt.Sprintf("%s:%s", secrets.TenantDBRef(tenantID), hex.EncodeToString(nonce))
	if err := m.store.Put(ctx, ref, password); err != nil {
		return service.Credential{}, fmt.Errorf("store credential: %w", err)
	}
	return service.Credential{SecretRef: ref, Password: password}, nil
}

// Read returns the password a ref currently points at.
func (m *CredentialManager) Read(ctx context.Context, secretRef string) (string, error) {
	password, err := m.store.Get(ctx, secretRef)
	if err != nil {
		return "", fmt.Errorf("read credential: %w", err)
	}
	return password, nil
}

// Delete retires a secret. A ref that is already gone is a no-op.
func (m *CredentialManager) Delete(ctx context.Context, secretRef string) error {
	err := m.store.Delete(ctx, secretRef)
	if err != nil && !errors.Is(err, secrets.ErrRefNotFound) {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// randomToken returns a url-safe token with n bytes of entropy.
func randomToken(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

var _ service.Credentials = (*CredentialManager)(nil)
