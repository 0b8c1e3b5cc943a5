// Package auth guards the two privileged surfaces: super-admin bearer
// tokens on the control plane's admin endpoints, and the shared internal
// token on service-to-service endpoints.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/narthex-io/narthex/platform/go/apperr"
)

type ctxKey string

const ctxAdminCredentials ctxKey = "NARTHEX_ADMIN_CREDENTIALS"

// AdminCredentials identifies the authenticated super admin for audit trails.
type AdminCredentials struct {
	Subject string
	Email   string
}

// AdminFromContext extracts the verified admin identity.
func AdminFromContext(ctx context.Context) (AdminCredentials, bool) {
	v := ctx.Value(ctxAdminCredentials)
	if v == nil {
		return AdminCredentials{}, false
	}
	creds, ok := v.(AdminCredentials)
	return creds, ok
}

// ExtractBearer pulls the token out of an Authorization header.
func ExtractBearer(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

type adminClaims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// SuperAdmin verifies an HS256 bearer token carrying role=super_admin and
// attaches the admin identity to the context.
func SuperAdmin(secret []byte) func(http.Handler) http.Handler {
	if len(secret) == 0 {
		panic("auth.SuperAdmin: secret is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, found := ExtractBearer(r)
			if !found {
				apperr.Render(w, r, apperr.Unauthorized("missing bearer token"))
				return
			}

			claims := &adminClaims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return secret, nil
			})
			if err != nil || !parsed.Valid {
				apperr.Render(w, r, apperr.Unauthorized("invalid token"))
				return
			}
			if claims.Role != "super_admin" {
				apperr.Render(w, r, apperr.Unauthorized("super admin role required"))
				return
			}

			creds := AdminCredentials{Subject: claims.Subject, Email: claims.Email}
			ctx := context.WithValue(r.Context(), ctxAdminCredentials, creds)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MintSuperAdminToken issues a super-admin bearer token. Used by the CLI and
// by tests; production deployments mint these out of band.
func MintSuperAdminToken(secret []byte, subject, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := adminClaims{
		Email: email,
		Role:  "super_admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// InternalToken guards service-to-service endpoints with a shared secret in
// the X-Internal-Token header, compared in constant time.
func InternalToken(token string) func(http.Handler) http.Handler {
	if token == "" {
		panic("auth.InternalToken: token is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Internal-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				apperr.Render(w, r, apperr.Unauthorized("invalid internal token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
