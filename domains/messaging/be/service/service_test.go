package service

import (
	"context"
	"net/url"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/narthex-io/narthex/domains/messaging/be/repo"
	"github.com/narthex-io/narthex/platform/go/apperr"
	"github.com/narthex-io/narthex/platform/go/persistence"
	"github.com/narthex-io/narthex/platform/go/phonecrypto"
	"github.com/narthex-io/narthex/platform/go/secrets"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

const testPhoneKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

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

type sendEnv struct {
	space tenant.Space
	pools *persistence.TenantPools
	pub   *capturePublisher
	svc   *Service
}

func newSendEnv(t *testing.T) *sendEnv {
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

	pub := &capturePublisher{}
	space := tenant.Space{TenantID: conn.TenantID, Slug: "test-" + conn.TenantID.String()[:8], Conn: conn}
	svc := New(pools, codec, pub, zap.NewNop())
	return &sendEnv{space: space, pools: pools, pub: pub, svc: svc}
}

func (e *sendEnv) message(t *testing.T, id uuid.UUID) repo.MessageLog {
	t.Helper()
	ctx := context.Background()
	pool, err := e.pools.Get(ctx, e.space.Conn)
	require.NoError(t, err)
	m, err := repo.GetMessageLog(ctx, pool, id)
	require.NoError(t, err)
	return m
}

func TestManualBodySendNeedsNoTemplate(t *testing.T) {
	t.Parallel()
	e := newSendEnv(t)
	ctx := context.Background()

	msg, err := e.svc.Send(ctx, e.space, uuid.NewString(), SendInput{
		ToPhone: "+233201234567",
		Body:    "Service starts at 9am sharp.",
	})
	require.NoError(t, err)
	require.Equal(t, "queued", msg.Status)
	require.Equal(t, "sms", msg.Channel)

	stored := e.message(t, msg.ID)
	require.Nil(t, stored.TemplateID)
	require.Nil(t, stored.PersonID)
	require.Equal(t, "Service starts at 9am sharp.", stored.Body)
	require.Equal(t, 1, e.pub.count())
}

func TestSendRequiresExactlyOneOfTemplateOrBody(t *testing.T) {
	t.Parallel()
	e := newSendEnv(t)
	ctx := context.Background()

	_, err := e.svc.Send(ctx, e.space, uuid.NewString(), SendInput{ToPhone: "+233201234567"})
	requireCode(t, err, "invalid_content")

	_, err = e.svc.Send(ctx, e.space, uuid.NewString(), SendInput{
		ToPhone:      "+233201234567",
		TemplateName: "checkin",
		Body:         "both set",
	})
	requireCode(t, err, "invalid_content")

	_, err = e.svc.Send(ctx, e.space, uuid.NewString(), SendInput{
		ToPhone:   "+233201234567",
		Body:      "raw body",
		Variables: map[string]any{"name": "Ama"},
	})
	requireCode(t, err, "invalid_content")
	require.Equal(t, 0, e.pub.count())
}

func TestManualSendReplaySharesOneMessage(t *testing.T) {
	t.Parallel()
	e := newSendEnv(t)
	ctx := context.Background()
	key := uuid.NewString()
	input := SendInput{ToPhone: "+233201234568", Body: "Choir practice moved to 6pm."}

	first, err := e.svc.Send(ctx, e.space, key, input)
	require.NoError(t, err)
	replay, err := e.svc.Send(ctx, e.space, key, input)
	require.NoError(t, err)
	require.Equal(t, first.ID, replay.ID)
	require.Equal(t, 1, e.pub.count())
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, code, ae.Code)
}
