package service

import (
	"context"
	"net/url"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/narthex-io/narthex/platform/go/apperr"
	"github.com/narthex-io/narthex/platform/go/cache"
	"github.com/narthex-io/narthex/platform/go/persistence"
	"github.com/narthex-io/narthex/platform/go/secrets"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

// capturePublisher records published jobs instead of talking to a broker.
type capturePublisher struct {
	mu   sync.Mutex
	jobs []any
}

func (p *capturePublisher) Publish(_ context.Context, _ string, job any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// testEnv wires a tenant Space against TEST_DATABASE_URL and a cache client
// against TEST_REDIS_ADDR, skipping when either is missing. Each call gets
// its own tenant id and cache prefix, so parallel tests stay isolated.
func testEnv(t *testing.T) (tenant.Space, *persistence.TenantPools, *cache.Client) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	redisAddr := os.Getenv("TEST_REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
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

	cacheClient, err := cache.New(cache.Config{Addr: redisAddr, Prefix: uuid.NewString()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cacheClient.Close() })

	space := tenant.Space{TenantID: conn.TenantID, Slug: "test-" + conn.TenantID.String()[:8], Conn: conn}
	return space, pools, cacheClient
}

func TestBootstrapTokenIsSingleUse(t *testing.T) {
	t.Parallel()
	space, pools, cacheClient := testEnv(t)
	pub := &capturePublisher{}
	svc := New(pools, cacheClient, pub, zap.NewNop())
	ctx := context.Background()

	g, err := svc.Register(ctx, space, "Main Entrance", "North wing")
	require.NoError(t, err)
	require.NotEmpty(t, g.BootstrapToken)

	sess, err := svc.StartSession(ctx, space, g.BootstrapToken)
	require.NoError(t, err)
	require.Equal(t, g.ID, sess.GateID)
	require.NotEmpty(t, sess.Token)
	require.NotEqual(t, g.BootstrapToken, sess.Token)

	_, err = svc.StartSession(ctx, space, g.BootstrapToken)
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	require.Equal(t, "bootstrap_token_used", apperr.CodeOf(err))
}

func TestUnknownBootstrapTokenIsRejected(t *testing.T) {
	t.Parallel()
	space, pools, cacheClient := testEnv(t)
	svc := New(pools, cacheClient, &capturePublisher{}, zap.NewNop())

	_, err := svc.StartSession(context.Background(), space, "not-a-real-token")
	require.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestValidateSessionRoundTrip(t *testing.T) {
	t.Parallel()
	space, pools, cacheClient := testEnv(t)
	svc := New(pools, cacheClient, &capturePublisher{}, zap.NewNop())
	ctx := context.Background()

	g, err := svc.Register(ctx, space, "Side Door", "")
	require.NoError(t, err)
	sess, err := svc.StartSession(ctx, space, g.BootstrapToken)
	require.NoError(t, err)

	gateID, err := svc.ValidateSession(ctx, space, sess.Token)
	require.NoError(t, err)
	require.Equal(t, g.ID, gateID)

	_, err = svc.ValidateSession(ctx, space, "garbage")
	require.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestIngestFrameIsIdempotentPerFrameID(t *testing.T) {
	t.Parallel()
	space, pools, cacheClient := testEnv(t)
	pub := &capturePublisher{}
	svc := New(pools, cacheClient, pub, zap.NewNop())
	ctx := context.Background()

	g, err := svc.Register(ctx, space, "Main Entrance", "")
	require.NoError(t, err)
	frameID := uuid.New()
	image := []byte("frame-bytes")

	ack, err := svc.IngestFrame(ctx, space, g.ID, frameID, time.Time{}, image)
	require.NoError(t, err)
	require.True(t, ack.Accepted)
	require.False(t, ack.Replayed)
	require.Equal(t, 1, pub.count())

	// Same frame id, same bytes: acked without a second job.
	replay, err := svc.IngestFrame(ctx, space, g.ID, frameID, time.Time{}, image)
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	require.Equal(t, 1, pub.count())

	// Same frame id, different bytes: conflict.
	_, err = svc.IngestFrame(ctx, space, g.ID, frameID, time.Time{}, []byte("other-bytes"))
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	require.Equal(t, "idempotency_key_conflict", apperr.CodeOf(err))
	require.Equal(t, 1, pub.count())
}
