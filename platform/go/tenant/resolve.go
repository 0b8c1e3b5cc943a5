package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/narthex-io/narthex/platform/go/apperr"
	"github.com/narthex-io/narthex/platform/go/persistence"
)

// ResolveClient looks up active-tenant routing info at the control plane's
// internal resolve endpoint. Results are held in a short TTL cache so the
// tenant API does not hit the control plane on every request; suspension
// takes effect within one TTL.
type ResolveClient struct {
	baseURL string
	token   string
	httpc   *http.Client
	cache   *gocache.Cache
}

// NewResolveClient builds a client for the control plane at baseURL,
// authenticating with the shared internal token.
func NewResolveClient(baseURL, internalToken string, ttl time.Duration) *ResolveClient {
	if baseURL == "" {
		panic("resolve client requires base url")
	}
	if internalToken == "" {
		panic("resolve client requires internal token")
	}
	return &ResolveClient{
		baseURL: baseURL,
		token:   internalToken,
		httpc:   &http.Client{Timeout: 5 * time.Second},
		cache:   gocache.New(ttl, 2*ttl),
	}
}

type resolveResponse struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	Slug      string    `json:"slug"`
	DBHost    string    `json:"db_host"`
	DBPort    int       `json:"db_port"`
	DBName    string    `json:"db_name"`
	DBUser    string    `json:"db_user"`
	SecretRef string    `json:"secret_ref"`
}

// Resolve returns the Space for an active tenant slug.
func (c *ResolveClient) Resolve(ctx context.Context, slug string) (Space, error) {
	if cached, ok := c.cache.Get(slug); ok {
		return cached.(Space), nil
	}

	endpoint := fmt.Sprintf("%s/v1/tenants/resolve?slug=%s", c.baseURL, url.QueryEscape(slug))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Space{}, fmt.Errorf("build resolve request: %w", err)
	}
	req.Header.Set("X-Internal-Token", c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Space{}, fmt.Errorf("call resolve: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Space{}, apperr.NotFound("tenant_not_found", "no active tenant for slug "+slug)
	default:
		return Space{}, fmt.Errorf("resolve returned status %d", resp.StatusCode)
	}

	var body resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Space{}, fmt.Errorf("decode resolve response: %w", err)
	}

	space := Space{
		TenantID: body.TenantID,
		Slug:     body.Slug,
		Conn: persistence.ConnectionRecord{
			TenantID:  body.TenantID,
			DBHost:    body.DBHost,
			DBPort:    body.DBPort,
			DBName:    body.DBName,
			DBUser:    body.DBUser,
			SecretRef: body.SecretRef,
		},
	}
	c.cache.Set(slug, space, gocache.DefaultExpiration)
	return space, nil
}
