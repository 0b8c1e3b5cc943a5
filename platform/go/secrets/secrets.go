// Package secrets provides the uniform secret store used for per-tenant
// database credentials. The control database only ever persists opaque
// secret references; resolution happens here at use-time, and a reference
// that does not resolve is a hard error.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	// ErrRefNotFound reports an unresolvable secret reference.
	ErrRefNotFound = errors.New("secret ref not found")
	// ErrReadOnly reports a write against a backend that cannot store secrets.
	ErrReadOnly = errors.New("secret store backend is read-only")
)

// Store is the uniform get/put/delete interface over pluggable backends.
// Implementations must never log secret values.
type Store interface {
	Get(ctx context.Context, ref string) (string, error)
	Put(ctx context.Context, ref, value string) error
	Delete(ctx context.Context, ref string) error
}

// TenantDBRef builds the canonical reference for a tenant's database password.
func TenantDBRef(tenantID string) string {
	return "local:tenant_db:" + tenantID
}

// EnvStore resolves references against environment variables. Refs of the
// form "env:NAME" map directly; anything else is uppercased and prefixed.
// The backend is read-only: provisioning with it requires the password to be
// pre-shared out of band.
type EnvStore struct {
	Prefix string
}

const defaultEnvPrefix = "TENANT_SECRET_"

var nonEnvChars = regexp.MustCompile(`[^A-Z0-9]+`)

func (s EnvStore) Get(_ context.Context, ref string) (string, error) {
	key := s.envKey(ref)
	if key == "" {
		return "", fmt.Errorf("resolve %q: %w", ref, ErrRefNotFound)
	}
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("resolve %q: %w", ref, ErrRefNotFound)
}

func (s EnvStore) Put(context.Context, string, string) error { return ErrReadOnly }

func (s EnvStore) Delete(context.Context, string) error { return ErrReadOnly }

func (s EnvStore) envKey(ref string) string {
	if ref == "" {
		return ""
	}
	if rest, ok := strings.CutPrefix(ref, "env:"); ok {
		return rest
	}
	prefix := s.Prefix
	if prefix == "" {
		prefix = defaultEnvPrefix
	}
	if strings.HasPrefix(ref, prefix) {
		return ref
	}
	normalized := nonEnvChars.ReplaceAllString(strings.ToUpper(strings.TrimSpace(ref)), "_")
	normalized = strings.Trim(normalized, "_")
	if normalized == "" {
		return ""
	}
	return prefix + normalized
}

// NewStore selects a backend by name: "file" or "env".
func NewStore(backend, filePath string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "file":
		if strings.TrimSpace(filePath) == "" {
			return nil, errors.New("file secret store requires a path")
		}
		return NewFileStore(filePath), nil
	case "env", "":
		return EnvStore{}, nil
	default:
		return nil, fmt.Errorf("unknown secret store backend %q", backend)
	}
}
