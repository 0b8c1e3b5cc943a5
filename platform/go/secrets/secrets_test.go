package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvStoreResolvesRefs(t *testing.T) {
	t.Setenv("TENANT_SECRET_LOCAL_TENANT_DB_ABC", "p1")
	t.Setenv("DIRECT_VAR", "p2")

	store := EnvStore{}

	v, err := store.Get(context.Background(), "local:tenant_db:abc")
	require.NoError(t, err)
	require.Equal(t, "p1", v)

	v, err = store.Get(context.Background(), "env:DIRECT_VAR")
	require.NoError(t, err)
	require.Equal(t, "p2", v)

	_, err = store.Get(context.Background(), "local:tenant_db:missing")
	require.ErrorIs(t, err, ErrRefNotFound)
}

func TestEnvStoreIsReadOnly(t *testing.T) {
	t.Parallel()

	store := EnvStore{}
	require.ErrorIs(t, store.Put(context.Background(), "ref", "v"), ErrReadOnly)
	require.ErrorIs(t, store.Delete(context.Background(), "ref"), ErrReadOnly)
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "secrets.json")
	store := NewFileStore(path)
	ctx := context.Background()

	ref := TenantDBRef("11111111-1111-1111-1111-111111111111")
	require.NoError(t, store.Put(ctx, ref, "hunter2"))

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "hunter2", got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, store.Delete(ctx, ref))
	_, err = store.Get(ctx, ref)
	require.ErrorIs(t, err, ErrRefNotFound)
}

func TestFileStoreMissingFile(t *testing.T) {
	t.Parallel()

	store := NewFileStore(filepath.Join(t.TempDir(), "absent.json"))
	_, err := store.Get(context.Background(), "anything")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrReadOnly))
}

func TestNewStoreSelectsBackend(t *testing.T) {
	t.Parallel()

	s, err := NewStore("env", "")
	require.NoError(t, err)
	require.IsType(t, EnvStore{}, s)

	s, err = NewStore("file", filepath.Join(t.TempDir(), "s.json"))
	require.NoError(t, err)
	require.IsType(t, &FileStore{}, s)

	_, err = NewStore("vault", "")
	require.Error(t, err)

	_, err = NewStore("file", "")
	require.Error(t, err)
}
