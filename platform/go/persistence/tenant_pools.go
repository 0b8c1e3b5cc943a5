package persistence

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/narthex-io/narthex/platform/go/secrets"
)

// TenantPools hands out a connection pool per tenant database, resolving the
// password through the secret store at build time. Pools are cached by a key
// that includes the secret ref, so credential rotation naturally produces a
// fresh pool while the stale one ages out with its connections.
type TenantPools struct {
	store secrets.Store
	cfg   PoolConfig

	mu    sync.Mutex
	pools map[string]*pgxpool.Pool
}

// NewTenantPools builds the manager. cfg.ConnString is ignored; per-tenant
// DSNs are derived from connection records.
func NewTenantPools(store secrets.Store, cfg PoolConfig) *TenantPools {
	if store == nil {
		panic("tenant pools require a secret store")
	}
	return &TenantPools{store: store, cfg: cfg, pools: map[string]*pgxpool.Pool{}}
}

// Get returns the pool for one tenant database, creating it on first use.
// A secret ref that does not resolve is a hard error, never a default.
func (p *TenantPools) Get(ctx context.Context, conn ConnectionRecord) (*pgxpool.Pool, error) {
	key := fmt.Sprintf("%s:%d/%s/%s#%s", conn.DBHost, conn.DBPort, conn.DBName, conn.DBUser, conn.SecretRef)

	p.mu.Lock()
	if pool, ok := p.pools[key]; ok {
		p.mu.Unlock()
		return pool, nil
	}
	p.mu.Unlock()

	password, err := p.store.Get(ctx, conn.SecretRef)
	if err != nil {
		return nil, fmt.Errorf("resolve tenant db secret: %w", err)
	}

	cfg := p.cfg
	cfg.ConnString = BuildDSN(conn.DBHost, conn.DBPort, conn.DBName, conn.DBUser, password)
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open tenant db %s: %w", conn.DBName, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.pools[key]; ok {
		// Lost the race to another goroutine; keep theirs.
		pool.Close()
		return existing, nil
	}
	p.pools[key] = pool
	return pool, nil
}

// Close shuts down every cached pool.
func (p *TenantPools) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, pool := range p.pools {
		pool.Close()
		delete(p.pools, key)
	}
}

// BuildDSN assembles a postgres URL with escaped credentials.
func BuildDSN(host string, port int, name, user, password string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		url.QueryEscape(user), url.QueryEscape(password), host, port, name)
}
