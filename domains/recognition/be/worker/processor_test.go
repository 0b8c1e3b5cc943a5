package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	gaterepo "github.com/narthex-io/narthex/domains/gate/be/repo"
	gateservice "github.com/narthex-io/narthex/domains/gate/be/service"
	peoplerepo "github.com/narthex-io/narthex/domains/people/be/repo"
	"github.com/narthex-io/narthex/domains/recognition/be/provider"
	"github.com/narthex-io/narthex/platform/go/cache"
	"github.com/narthex-io/narthex/platform/go/persistence"
	"github.com/narthex-io/narthex/platform/go/secrets"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

type staticResolver struct {
	space tenant.Space
}

func (r staticResolver) Resolve(_ context.Context, slug string) (tenant.Space, error) {
	if slug != r.space.Slug {
		return tenant.Space{}, fmt.Errorf("unknown tenant %s", slug)
	}
	return r.space, nil
}

type captureNotifier struct {
	mu     sync.Mutex
	visits []uuid.UUID
}

func (n *captureNotifier) VisitRecorded(_ context.Context, _ tenant.Space, personID, _ uuid.UUID, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.visits = append(n.visits, personID)
	return nil
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.visits)
}

// unavailableProvider simulates a recognition outage.
type unavailableProvider struct{}

func (unavailableProvider) EnsureCollection(context.Context, string) error { return nil }
func (unavailableProvider) DeleteCollection(context.Context, string) error { return nil }
func (unavailableProvider) IndexFaces(context.Context, string, string, []byte) ([]provider.Face, error) {
	return nil, provider.ErrUnavailable
}
func (unavailableProvider) SearchByImage(context.Context, string, []byte, int) ([]provider.Match, error) {
	return nil, fmt.Errorf("search: %w", provider.ErrUnavailable)
}
func (unavailableProvider) DeleteFaces(context.Context, string, []string) error { return nil }

type env struct {
	space    tenant.Space
	pools    *persistence.TenantPools
	cache    *cache.Client
	faces    *provider.Mock
	notifier *captureNotifier
	proc     *Processor
	gateID   uuid.UUID
}

func newEnv(t *testing.T) *env {
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

	gateID := uuid.New()
	require.NoError(t, gaterepo.InsertGate(ctx, pool, gaterepo.Gate{ID: gateID, Name: "Main", Status: "active"}, uuid.NewString()))

	faces := provider.NewMock()
	require.NoError(t, faces.EnsureCollection(ctx, space.TenantID.String()))
	notifier := &captureNotifier{}
	proc := NewProcessor(staticResolver{space: space}, pools, cacheClient, faces, "mock", notifier, zap.NewNop())
	return &env{space: space, pools: pools, cache: cacheClient, faces: faces, notifier: notifier, proc: proc, gateID: gateID}
}

// enrollPerson inserts a consented person whose face the mock provider will
// match for image.
func (e *env) enrollPerson(t *testing.T, name string, image []byte) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	pool, err := e.pools.Get(ctx, e.space.Conn)
	require.NoError(t, err)

	personID := uuid.New()
	require.NoError(t, peoplerepo.InsertPerson(ctx, pool, peoplerepo.Person{
		ID:            personID,
		FullName:      name,
		ConsentStatus: "consented",
	}))
	faces, err := e.faces.IndexFaces(ctx, e.space.TenantID.String(), personID.String(), image)
	require.NoError(t, err)
	require.Len(t, faces, 1)
	require.NoError(t, peoplerepo.InsertFaceProfile(ctx, pool, peoplerepo.FaceProfile{
		ID:             uuid.New(),
		PersonID:       personID,
		Provider:       "mock",
		ProviderFaceID: faces[0].FaceID,
		CollectionRef:  e.space.TenantID.String(),
	}))
	return personID
}

func (e *env) job(gateID uuid.UUID, image []byte) []byte {
	body, _ := json.Marshal(gateservice.FrameJob{
		JobID:      uuid.New(),
		TenantSlug: e.space.Slug,
		GateID:     gateID,
		FrameID:    uuid.New(),
		CapturedAt: time.Now().UTC(),
		ImageB64:   base64.StdEncoding.EncodeToString(image),
	})
	return body
}

func (e *env) visits(t *testing.T) []gaterepo.VisitEvent {
	t.Helper()
	ctx := context.Background()
	pool, err := e.pools.Get(ctx, e.space.Conn)
	require.NoError(t, err)
	visits, err := gaterepo.VisitsBetween(ctx, pool, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	return visits
}

func (e *env) visitCount(t *testing.T) int {
	t.Helper()
	return len(e.visits(t))
}

func TestMatchedFrameRecordsVisit(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	image := []byte("ama-face")
	personID := e.enrollPerson(t, "Ama Mensah", image)

	require.NoError(t, e.proc.Handle(context.Background(), e.job(e.gateID, image)))

	require.Equal(t, 1, e.visitCount(t))
	require.Equal(t, 1, e.notifier.count())
	require.Equal(t, personID, e.notifier.visits[0])
}

func TestDedupeWindowSuppressesRepeatVisits(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	image := []byte("kwame-face")
	e.enrollPerson(t, "Kwame Boateng", image)
	ctx := context.Background()

	require.NoError(t, e.proc.Handle(ctx, e.job(e.gateID, image)))
	require.NoError(t, e.proc.Handle(ctx, e.job(e.gateID, image)))

	// Second frame inside the window: recorded, not a second visit.
	require.Equal(t, 1, e.visitCount(t))
	require.Equal(t, 1, e.notifier.count())

	// A different gate is a separate window.
	pool, err := e.pools.Get(ctx, e.space.Conn)
	require.NoError(t, err)
	otherGate := uuid.New()
	require.NoError(t, gaterepo.InsertGate(ctx, pool, gaterepo.Gate{ID: otherGate, Name: "Side", Status: "active"}, uuid.NewString()))
	require.NoError(t, e.proc.Handle(ctx, e.job(otherGate, image)))
	require.Equal(t, 2, e.visitCount(t))
}

func TestUnknownFaceRecordsAnonymousVisit(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	body := e.job(e.gateID, []byte("stranger-face"))
	require.NoError(t, e.proc.Handle(ctx, body))

	// The stranger is still an attendance fact, just without an identity.
	visits := e.visits(t)
	require.Len(t, visits, 1)
	require.Nil(t, visits[0].PersonID)
	require.Equal(t, 0, e.notifier.count())

	var job gateservice.FrameJob
	require.NoError(t, json.Unmarshal(body, &job))
	pool, err := e.pools.Get(ctx, e.space.Conn)
	require.NoError(t, err)
	result, err := gaterepo.RecognitionResultByFrame(ctx, pool, job.FrameID)
	require.NoError(t, err)
	require.Equal(t, "unknown", result.Decision)
	require.NotNil(t, result.RejectionReason)
	require.Equal(t, "no_match", *result.RejectionReason)

	// Repeats inside the window share the one anonymous reservation.
	require.NoError(t, e.proc.Handle(ctx, e.job(e.gateID, []byte("another-stranger"))))
	require.Equal(t, 1, e.visitCount(t))
}

func TestRevokedFaceDoesNotMatch(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	image := []byte("efua-face")
	personID := e.enrollPerson(t, "Efua Owusu", image)
	ctx := context.Background()

	pool, err := e.pools.Get(ctx, e.space.Conn)
	require.NoError(t, err)
	_, err = peoplerepo.SetConsentStatus(ctx, pool, personID, "revoked", "test")
	require.NoError(t, err)
	require.NoError(t, peoplerepo.MarkFaceProfilesDeleted(ctx, pool, personID))

	// The face no longer resolves to a person, so the visit is anonymous
	// and no message goes out.
	require.NoError(t, e.proc.Handle(ctx, e.job(e.gateID, image)))
	visits := e.visits(t)
	require.Len(t, visits, 1)
	require.Nil(t, visits[0].PersonID)
	require.Equal(t, 0, e.notifier.count())
}

func TestProviderOutageIsRecordedAndAcked(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	proc := NewProcessor(staticResolver{space: e.space}, e.pools, e.cache, unavailableProvider{}, "mock", e.notifier, zap.NewNop())
	ctx := context.Background()

	body := e.job(e.gateID, []byte("any-face"))
	require.NoError(t, proc.Handle(ctx, body))

	var job gateservice.FrameJob
	require.NoError(t, json.Unmarshal(body, &job))
	pool, err := e.pools.Get(ctx, e.space.Conn)
	require.NoError(t, err)
	result, err := gaterepo.RecognitionResultByFrame(ctx, pool, job.FrameID)
	require.NoError(t, err)
	require.Equal(t, "error", result.Decision)
	require.NotNil(t, result.RejectionReason)
	require.Equal(t, "recognition_unavailable", *result.RejectionReason)
	require.Equal(t, 0, e.visitCount(t))
}
