// Command control-plane serves the platform admin API: tenant provisioning,
// lifecycle operations, and the internal tenant-resolve endpoint the data
// plane depends on.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	recprovider "github.com/narthex-io/narthex/domains/recognition/be/provider"
	tenantshandler "github.com/narthex-io/narthex/domains/tenants/be/handler"
	tenantsprov "github.com/narthex-io/narthex/domains/tenants/be/provisioning"
	tenantsservice "github.com/narthex-io/narthex/domains/tenants/be/service"
	platformauth "github.com/narthex-io/narthex/platform/go/auth"
	platformlogging "github.com/narthex-io/narthex/platform/go/logging"
	platformmiddleware "github.com/narthex-io/narthex/platform/go/middleware"
	"github.com/narthex-io/narthex/platform/go/persistence"
	"github.com/narthex-io/narthex/platform/go/secrets"
)

type config struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	// Covers synchronous provisioning: create waits for the tenant database
	// and face collection before responding.
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"120s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`

	ControlDatabaseURL string `env:"CONTROL_DATABASE_URL,required"`
	TenantDBHost       string `env:"TENANT_DB_HOST,required"`
	TenantDBPort       int    `env:"TENANT_DB_PORT" envDefault:"5432"`

	IdempotencyRetention     time.Duration `env:"IDEMPOTENCY_RETENTION" envDefault:"24h"`
	IdempotencyPurgeInterval time.Duration `env:"IDEMPOTENCY_PURGE_INTERVAL" envDefault:"1h"`

	SecretBackend string `env:"SECRET_BACKEND" envDefault:"file"`
	SecretFile    string `env:"SECRET_FILE" envDefault:"./.data/secrets.json"`

	AdminJWTSecret string `env:"ADMIN_JWT_SECRET,required"`
	InternalToken  string `env:"INTERNAL_TOKEN,required"`
}

func main() {
	_ = godotenv.Load()
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "control-plane",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	controlPool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: cfg.ControlDatabaseURL})
	if err != nil {
		logger.Fatal("init control database pool", zap.Error(err))
	}
	defer persistence.ClosePool(controlPool)

	store, err := persistence.NewControlStore(ctx, controlPool)
	if err != nil {
		logger.Fatal("init control store", zap.Error(err))
	}

	secretStore, err := secrets.NewStore(cfg.SecretBackend, cfg.SecretFile)
	if err != nil {
		logger.Fatal("init secret store", zap.Error(err))
	}

	tenantPools := persistence.NewTenantPools(secretStore, persistence.PoolConfig{MaxConns: 4})
	defer tenantPools.Close()

	var recCfg recprovider.Config
	if err := env.Parse(&recCfg); err != nil {
		logger.Fatal("load recognition config", zap.Error(err))
	}
	faces, err := recprovider.New(ctx, recCfg)
	if err != nil {
		logger.Fatal("init recognition provider", zap.Error(err))
	}

	svc := tenantsservice.New(
		store,
		tenantsprov.NewCredentialManager(secretStore),
		tenantsprov.NewDBProvisioner(controlPool, tenantPools),
		faces,
		tenantsservice.Config{DBHost: cfg.TenantDBHost, DBPort: cfg.TenantDBPort},
		logger,
	)
	handler := tenantshandler.New(svc, logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(platformlogging.RequestLogger(logger))
	r.Use(platformmiddleware.RequestTrace)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(cfg.RequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Mount("/", handler.Routes(
		platformauth.SuperAdmin([]byte(cfg.AdminJWTSecret)),
		platformauth.InternalToken(cfg.InternalToken),
	))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	purgeCtx, stopPurge := context.WithCancel(ctx)
	defer stopPurge()
	go purgeIdempotencyKeys(purgeCtx, store, cfg.IdempotencyPurgeInterval, cfg.IdempotencyRetention, logger)

	go func() {
		logger.Info("control plane listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-done
	logger.Info("shutting down")
	stopPurge()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// purgeIdempotencyKeys drops create-replay records past the retention
// window on a fixed interval until ctx is cancelled.
func purgeIdempotencyKeys(ctx context.Context, store *persistence.ControlStore, interval, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := store.PurgeIdempotencyKeys(ctx, retention)
			if err != nil {
				logger.Warn("idempotency key purge failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				logger.Info("purged expired idempotency keys", zap.Int64("count", purged))
			}
		}
	}
}
