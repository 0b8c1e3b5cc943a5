// Command worker consumes the durable queues: recognition jobs from gate
// frame ingestion and message dispatch jobs from the messaging service.
// One process runs both consumers; either failing stops the process so the
// orchestrator restarts it.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	messagingprovider "github.com/narthex-io/narthex/domains/messaging/be/provider"
	messagingservice "github.com/narthex-io/narthex/domains/messaging/be/service"
	messagingworker "github.com/narthex-io/narthex/domains/messaging/be/worker"
	recprovider "github.com/narthex-io/narthex/domains/recognition/be/provider"
	recworker "github.com/narthex-io/narthex/domains/recognition/be/worker"
	"github.com/narthex-io/narthex/platform/go/cache"
	platformlogging "github.com/narthex-io/narthex/platform/go/logging"
	"github.com/narthex-io/narthex/platform/go/persistence"
	"github.com/narthex-io/narthex/platform/go/phonecrypto"
	"github.com/narthex-io/narthex/platform/go/queue"
	"github.com/narthex-io/narthex/platform/go/secrets"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

type config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	ControlPlaneURL string `env:"CONTROL_PLANE_URL,required"`
	InternalToken   string `env:"INTERNAL_TOKEN,required"`

	SecretBackend string `env:"SECRET_BACKEND" envDefault:"file"`
	SecretFile    string `env:"SECRET_FILE" envDefault:"./.data/secrets.json"`

	RedisAddr     string `env:"REDIS_ADDR,required"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	AMQPURL       string `env:"AMQP_URL,required"`

	PhoneKey string `env:"PHONE_ENCRYPTION_KEY,required"`

	RecognitionPrefetch int `env:"RECOGNITION_PREFETCH" envDefault:"8"`
	MessagePrefetch     int `env:"MESSAGE_PREFETCH" envDefault:"16"`
	MessageMaxAttempts  int `env:"MESSAGE_MAX_ATTEMPTS" envDefault:"5"`

	ResolveCacheTTL time.Duration `env:"RESOLVE_CACHE_TTL" envDefault:"30s"`
}

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "worker",
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
	tenantPools := persistence.NewTenantPools(secretStore, persistence.PoolConfig{MaxConns: 4})
	defer tenantPools.Close()

	cacheClient, err := cache.New(cache.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, Prefix: "narthex"})
	if err != nil {
		logger.Fatal("init redis", zap.Error(err))
	}
	defer func() { _ = cacheClient.Close() }()

	publisher, err := queue.NewPublisher(cfg.AMQPURL, queue.MessageQueue)
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

	var smsCfg messagingprovider.Config
	if err := env.Parse(&smsCfg); err != nil {
		logger.Fatal("load sms config", zap.Error(err))
	}
	sender := messagingprovider.New(smsCfg)

	resolver := tenant.NewResolveClient(cfg.ControlPlaneURL, cfg.InternalToken, cfg.ResolveCacheTTL)

	// The messaging service doubles as the check-in notifier for the
	// recognition pipeline.
	messagingSvc := messagingservice.New(tenantPools, codec, publisher, logger)
	processor := recworker.NewProcessor(resolver, tenantPools, cacheClient, faces, recCfg.Mode, messagingSvc, logger)
	dispatcher := messagingworker.NewDispatcher(resolver, tenantPools, codec, sender, cfg.MessageMaxAttempts, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.Consume(gctx, cfg.AMQPURL, queue.RecognitionQueue, cfg.RecognitionPrefetch, processor.Handle, logger)
	})
	g.Go(func() error {
		return queue.Consume(gctx, cfg.AMQPURL, queue.MessageQueue, cfg.MessagePrefetch, dispatcher.Handle, logger)
	})

	logger.Info("worker consuming",
		zap.String("recognition_queue", queue.RecognitionQueue),
		zap.String("message_queue", queue.MessageQueue))
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("consumer stopped", zap.Error(err))
	}
	logger.Info("worker shut down")
}
