package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/narthex-io/narthex/domains/users/be/service"
	"github.com/narthex-io/narthex/platform/go/persistence"
	"github.com/narthex-io/narthex/platform/go/secrets"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

// testRouter builds the staff routes behind a middleware that injects a
// fresh tenant space, the way the tenant API does after resolution.
func testRouter(t *testing.T) http.Handler {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	password, _ := u.User.Password()
	port := 5432
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		require.NoError(t, err)
	}

	ctx := context.Background()
	store := secrets.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "test:tenant_db", password))
	pools := persistence.NewTenantPools(store, persistence.PoolConfig{MaxConns: 4})
	t.Cleanup(pools.Close)

	conn := persistence.ConnectionRecord{
		TenantID:  uuid.New(),
		DBHost:    u.Hostname(),
		DBPort:    port,
		DBName:    u.Path[1:],
		DBUser:    u.User.Username(),
		SecretRef: "test:tenant_db",
	}
	pool, err := pools.Get(ctx, conn)
	require.NoError(t, err)
	require.NoError(t, persistence.ApplyTenantMigrations(ctx, pool))
	_, err = pool.Exec(ctx, `
		INSERT INTO roles (id, name, description, is_system)
		VALUES ($1, 'staff', 'seeded staff role', TRUE)
		ON CONFLICT (name) DO NOTHING`, uuid.New())
	require.NoError(t, err)

	space := tenant.Space{TenantID: conn.TenantID, Slug: "test-" + conn.TenantID.String()[:8], Conn: conn}
	h := New(service.New(pools, zap.NewNop()), zap.NewNop())

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(tenant.WithSpace(req.Context(), space)))
		})
	})
	h.Register(r)
	return r
}

func TestInviteActivateAssignOverHTTP(t *testing.T) {
	t.Parallel()
	router := testRouter(t)
	email := "user-" + uuid.NewString()[:8] + "@example.com"

	req := httptest.NewRequest(http.MethodPost, "/users",
		strings.NewReader(`{"email":"`+email+`","full_name":"Kofi Owusu","role":"staff"}`))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	var invited struct {
		User struct {
			ID     uuid.UUID `json:"id"`
			Status string    `json:"status"`
		} `json:"user"`
		TempPassword string `json:"temp_password"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &invited))
	require.NotEmpty(t, invited.TempPassword)
	require.Equal(t, "invited", invited.User.Status)

	req = httptest.NewRequest(http.MethodPost, "/users/"+invited.User.ID.String()+"/activate",
		strings.NewReader(`{"password":"correct-horse-battery"}`))
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusNoContent, resp.Code, resp.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/users/"+invited.User.ID.String(), nil)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var user struct {
		Status string   `json:"status"`
		Roles  []string `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &user))
	require.Equal(t, "active", user.Status)
	require.Equal(t, []string{"staff"}, user.Roles)
}

func TestInviteRejectsBadPayloadOverHTTP(t *testing.T) {
	t.Parallel()
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(`{"email":"not-an-email","role":"staff"}`))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusBadRequest, resp.Code)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "invalid_email", body.Error)
}
