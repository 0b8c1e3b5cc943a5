package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-please-rotate")

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestSuperAdminAcceptsMintedToken(t *testing.T) {
	t.Parallel()

	token, err := MintSuperAdminToken(testSecret, "ops-1", "ops@narthex.io", time.Hour)
	require.NoError(t, err)

	var called bool
	srv := SuperAdmin(testSecret)(okHandler(&called))

	req := httptest.NewRequest(http.MethodPost, "/v1/tenants", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.True(t, called)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSuperAdminAttachesCredentials(t *testing.T) {
	t.Parallel()

	token, err := MintSuperAdminToken(testSecret, "ops-1", "ops@narthex.io", time.Hour)
	require.NoError(t, err)

	var got AdminCredentials
	srv := SuperAdmin(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds, ok := AdminFromContext(r.Context())
		require.True(t, ok)
		got = creds
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/tenants", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	srv.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, "ops-1", got.Subject)
	require.Equal(t, "ops@narthex.io", got.Email)
}

func TestSuperAdminRejections(t *testing.T) {
	t.Parallel()

	expired, err := MintSuperAdminToken(testSecret, "ops-1", "", -time.Minute)
	require.NoError(t, err)
	wrongSecret, err := MintSuperAdminToken([]byte("other-secret"), "ops-1", "", time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name  string
		token string
	}{
		{name: "missing header", token: ""},
		{name: "garbage token", token: "not-a-jwt"},
		{name: "expired", token: expired},
		{name: "wrong secret", token: wrongSecret},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var called bool
			srv := SuperAdmin(testSecret)(okHandler(&called))
			req := httptest.NewRequest(http.MethodPost, "/v1/tenants", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)
			require.False(t, called)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestInternalToken(t *testing.T) {
	t.Parallel()

	var called bool
	srv := InternalToken("shared")(okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/v1/tenants/resolve", nil)
	req.Header.Set("X-Internal-Token", "wrong")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.False(t, called)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("X-Internal-Token", "shared")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.True(t, called)
	require.Equal(t, http.StatusNoContent, rec.Code)
}
