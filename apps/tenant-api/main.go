// Command tenant-api serves the per-tenant data plane: people and consent,
// gate sessions and frame ingestion, messaging, and the realtime attendance
// stream. Every request carries an X-Tenant header that is resolved against
// the control plane before any handler runs.
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

	gatehandler "github.com/narthex-io/narthex/domains/gate/be/handler"
	gateservice "github.com/narthex-io/narthex/domains/gate/be/service"
	messaginghandler "github.com/narthex-io/narthex/domains/messaging/be/handler"
	messagingservice "github.com/narthex-io/narthex/domains/messaging/be/service"
	peoplehandler "github.com/narthex-io/narthex/domains/people/be/handler"
	peopleservice "github.com/narthex-io/narthex/domains/people/be/service"
	realtimehandler "github.com/narthex-io/narthex/domains/realtime/be/handler"
	realtimehub "github.com/narthex-io/narthex/domains/realtime/be/hub"
	recprovider "github.com/narthex-io/narthex/domains/recognition/be/provider"
	usershandler "github.com/narthex-io/narthex/domains/users/be/handler"
	usersservice "github.com/narthex-io/narthex/domains/users/be/service"
	"github.com/narthex-io/narthex/platform/go/cache"
	platformlogging "github.com/narthex-io/narthex/platform/go/logging"
	platformmiddleware "github.com/narthex-io/narthex/platform/go/middleware"
	"github.com/narthex-io/narthex/platform/go/persistence"
	"github.com/narthex-io/narthex/platform/go/phonecrypto"
	"github.com/narthex-io/narthex/platform/go/queue"
	"github.com/narthex-io/narthex/platform/go/secrets"
	"github.com/narthex-io/narthex/platform/go/tenant"
	tenantmiddleware "github.com/narthex-io/narthex/platform/go/tenant/middleware"
)

type config struct {
	Port            string        `env:"PORT" envDefault:"8081"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`

	ControlPlaneURL string        `env:"CONTROL_PLANE_URL,required"`
	InternalToken   string        `env:"INTERNAL_TOKEN,required"`
	ResolveCacheTTL time.Duration `env:"RESOLVE_CACHE_TTL" envDefault:"30s"`

	SecretBackend string `env:"SECRET_BACKEND" envDefault:"file"`
	SecretFile    string `env:"SECRET_FILE" envDefault:"./.data/secrets.json"`

	RedisAddr     string `env:"REDIS_ADDR,required"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	AMQPURL       string `env:"AMQP_URL,required"`

	PhoneKey string `env:"PHONE_ENCRYPTION_KEY,required"`
}

func main() {
	_ = godotenv.Load()
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "tenant-api",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	secretStore, err := secrets.NewStore(cfg.SecretBackend, cfg.SecretFile)
	if err != nil {
		logger.Fatal("init secret store", zap.Error(err))
	}
	tenantPools := persistence.NewTenantPools(secretStore, persistence.PoolConfig{MaxConns: 8})
	defer tenantPools.Close()

	cacheClient, err := cache.New(cache.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, Prefix: "narthex"})
	if err != nil {
		logger.Fatal("init redis", zap.Error(err))
	}
	defer func() { _ = cacheClient.Close() }()

	publisher, err := queue.NewPublisher(cfg.AMQPURL, queue.RecognitionQueue, queue.MessageQueue)
	if err != nil {
		logger.Fatal("init amqp publisher", zap.Error(err))
	}
	defer publisher.Close()

	codec, err := phonecrypto.New(cfg.PhoneKey)
	if err != nil {
		logger.Fatal("init phone codec", zap.Error(err))
	}

	var recCfg recprovider.Config
	if err := env.Parse(&recCfg); err != nil {
		logger.Fatal("load recognition config", zap.Error(err))
	}
	faces, err := recprovider.New(ctx, recCfg)
	if err != nil {
		logger.Fatal("init recognition provider", zap.Error(err))
	}

	resolver := tenant.NewResolveClient(cfg.ControlPlaneURL, cfg.InternalToken, cfg.ResolveCacheTTL)

	peopleSvc := peopleservice.New(tenantPools, codec, faces, recCfg.Mode, logger)
	gateSvc := gateservice.New(tenantPools, cacheClient, publisher, logger)
	messagingSvc := messagingservice.New(tenantPools, codec, publisher, logger)
	usersSvc := usersservice.New(tenantPools, logger)
	hub := realtimehub.New(cacheClient, logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(platformlogging.RequestLogger(logger))
	r.Use(platformmiddleware.RequestTrace)
	r.Use(chimw.Recoverer)
	r.Use(platformmiddleware.DefaultCORS())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	gateH := gatehandler.New(gateSvc, logger)

	r.Route("/v1", func(r chi.Router) {
		r.Use(tenantmiddleware.WithTenantSpace(resolver))

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(cfg.RequestTimeout))
			peoplehandler.New(peopleSvc, logger).Register(r)
			usershandler.New(usersSvc, logger).Register(r)
			gateH.RegisterAdmin(r)
			gateH.RegisterDevice(r)
			messaginghandler.New(messagingSvc, logger).Register(r)
		})

		// The SSE stream stays outside the request timeout: it is long-lived.
		realtimehandler.New(hub, logger).Register(r)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("tenant api listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-done
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
