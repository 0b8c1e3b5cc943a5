package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/narthex-io/narthex/domains/messaging/be/provider"
	"github.com/narthex-io/narthex/domains/messaging/be/repo"
	"github.com/narthex-io/narthex/domains/messaging/be/service"
	"github.com/narthex-io/narthex/platform/go/persistence"
	"github.com/narthex-io/narthex/platform/go/phonecrypto"
	"github.com/narthex-io/narthex/platform/go/secrets"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

const testPhoneKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type staticResolver struct {
	space tenant.Space
}

func (r staticResolver) Resolve(_ context.Context, slug string) (tenant.Space, error) {
	if slug != r.space.Slug {
		return tenant.Space{}, fmt.Errorf("unknown tenant %s", slug)
	}
	return r.space, nil
}

type env struct {
	space tenant.Space
	pools *persistence.TenantPools
	codec *phonecrypto.Codec
}

func newEnv(t *testing.T) *env {
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

	codec, err := phonecrypto.New(testPhoneKey)
	require.NoError(t, err)

	space := tenant.Space{TenantID: conn.TenantID, Slug: "test-" + conn.TenantID.String()[:8], Conn: conn}
	return &env{space: space, pools: pools, codec: codec}
}

// queueMessage inserts a queued MessageLog row for phone and returns its
// id plus the dispatch job body.
func (e *env) queueMessage(t *testing.T, phone string) (uuid.UUID, []byte) {
	t.Helper()
	ctx := context.Background()
	pool, err := e.pools.Get(ctx, e.space.Conn)
	require.NoError(t, err)

	enc, err := e.codec.Encrypt(phone)
	require.NoError(t, err)
	hash, err := e.codec.Hash(phone)
	require.NoError(t, err)

	m := repo.MessageLog{
		ID:          uuid.New(),
		Channel:     "sms",
		ToPhoneEnc:  enc,
		ToPhoneHash: hash,
		Body:        "Welcome!",
		Status:      "queued",
	}
	require.NoError(t, repo.InsertMessageLog(ctx, pool, m))

	body, err := json.Marshal(service.DispatchJob{TenantSlug: e.space.Slug, MessageID: m.ID})
	require.NoError(t, err)
	return m.ID, body
}

func (e *env) message(t *testing.T, id uuid.UUID) repo.MessageLog {
	t.Helper()
	ctx := context.Background()
	pool, err := e.pools.Get(ctx, e.space.Conn)
	require.NoError(t, err)
	m, err := repo.GetMessageLog(ctx, pool, id)
	require.NoError(t, err)
	return m
}

func TestDispatchSendsQueuedMessage(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	sender := provider.NewMock()
	d := NewDispatcher(staticResolver{space: e.space}, e.pools, e.codec, sender, 3, zap.NewNop())

	id, body := e.queueMessage(t, "+233201234567")
	require.NoError(t, d.Handle(context.Background(), body))

	m := e.message(t, id)
	require.Equal(t, "sent", m.Status)
	require.Equal(t, 1, m.Attempts)
	require.NotNil(t, m.ProviderMessageID)
	require.NotNil(t, m.SentAt)
	require.Len(t, sender.Sent(), 1)
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	sender := provider.NewMock()
	sender.FailNTimes("+233200000002", 2)
	d := NewDispatcher(staticResolver{space: e.space}, e.pools, e.codec, sender, 5, zap.NewNop())

	id, body := e.queueMessage(t, "+233200000002")
	require.NoError(t, d.Handle(context.Background(), body))

	m := e.message(t, id)
	require.Equal(t, "sent", m.Status)
	require.Equal(t, 3, m.Attempts)
}

func TestDispatchFailsAfterAttemptBudget(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	sender := provider.NewMock()
	sender.FailWith("+233200000003", &provider.SendError{Code: "gateway_down"})
	d := NewDispatcher(staticResolver{space: e.space}, e.pools, e.codec, sender, 3, zap.NewNop())

	id, body := e.queueMessage(t, "+233200000003")
	require.NoError(t, d.Handle(context.Background(), body))

	m := e.message(t, id)
	require.Equal(t, "failed", m.Status)
	require.Equal(t, 3, m.Attempts)
	require.NotNil(t, m.ErrorCode)
	require.Equal(t, "gateway_down", *m.ErrorCode)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	sender := provider.NewMock()
	sender.FailWith("+233200000004", &provider.SendError{Code: "invalid_number", Permanent: true})
	d := NewDispatcher(staticResolver{space: e.space}, e.pools, e.codec, sender, 5, zap.NewNop())

	id, body := e.queueMessage(t, "+233200000004")
	require.NoError(t, d.Handle(context.Background(), body))

	m := e.message(t, id)
	require.Equal(t, "failed", m.Status)
	require.Equal(t, 1, m.Attempts)
	require.Equal(t, "invalid_number", *m.ErrorCode)
}

func TestUnconfiguredGatewayFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	d := NewDispatcher(staticResolver{space: e.space}, e.pools, e.codec, provider.Disabled{}, 5, zap.NewNop())

	id, body := e.queueMessage(t, "+233200000005")
	require.NoError(t, d.Handle(context.Background(), body))

	m := e.message(t, id)
	require.Equal(t, "failed", m.Status)
	require.Equal(t, 1, m.Attempts)
	require.Equal(t, "messaging_not_configured", *m.ErrorCode)
}

func TestRedeliveredJobDoesNotDoubleSend(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	sender := provider.NewMock()
	d := NewDispatcher(staticResolver{space: e.space}, e.pools, e.codec, sender, 3, zap.NewNop())

	id, body := e.queueMessage(t, "+233200000006")
	require.NoError(t, d.Handle(context.Background(), body))
	require.NoError(t, d.Handle(context.Background(), body))

	m := e.message(t, id)
	require.Equal(t, "sent", m.Status)
	require.Len(t, sender.Sent(), 1)
}
