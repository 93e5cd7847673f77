package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/cardmail-engine/internal/blob"
	"github.com/kursadbilgin/cardmail-engine/internal/config"
	"github.com/kursadbilgin/cardmail-engine/internal/domain"
	"github.com/kursadbilgin/cardmail-engine/internal/extract"
	"github.com/kursadbilgin/cardmail-engine/internal/handler"
	"github.com/kursadbilgin/cardmail-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/cardmail-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/cardmail-engine/internal/infra/redis"
	"github.com/kursadbilgin/cardmail-engine/internal/observability"
	"github.com/kursadbilgin/cardmail-engine/internal/provider"
	"github.com/kursadbilgin/cardmail-engine/internal/queue"
	"github.com/kursadbilgin/cardmail-engine/internal/ratelimit"
	"github.com/kursadbilgin/cardmail-engine/internal/registry"
	"github.com/kursadbilgin/cardmail-engine/internal/repository"
	"github.com/kursadbilgin/cardmail-engine/internal/service"
	"github.com/kursadbilgin/cardmail-engine/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("cardmail-engine api stopped with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()
	regOpts := registry.Options{SentHistoryLimit: cfg.SentHistoryLimit, Logger: logger}

	var (
		sqlDB   *sql.DB
		jobRepo service.JobRepository
	)
	if cfg.DatabaseDSN != "" {
		db, err := postgresql.NewPostgres(ctx, postgresql.Options{DSN: cfg.DatabaseDSN})
		if err != nil {
			return fmt.Errorf("postgres initialization failed: %w", err)
		}
		if err := migrations.Migrate(db); err != nil {
			return fmt.Errorf("database migrations failed: %w", err)
		}

		sqlDB, err = db.DB()
		if err != nil {
			return fmt.Errorf("postgres underlying db init failed: %w", err)
		}
		defer sqlDB.Close()

		regOpts.Store = repository.NewGormCardRepo(db)
		jobRepo = repository.NewGormJobRepo(db)
	} else {
		logger.Info("DATABASE_DSN not set, card state is kept in memory only")
	}

	var (
		rdb         *redis.Client
		rateLimiter ratelimit.RateLimiter
		blobs       blob.Store
	)
	if cfg.RedisURL != "" {
		var err error
		rdb, err = infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer rdb.Close()

		redisLimiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.SendRateLimitPerSec)
		if err != nil {
			return fmt.Errorf("redis rate limiter init failed: %w", err)
		}
		redisBlobs, err := infraredis.NewRedisBlobStore(rdb, cfg.BlobTTL())
		if err != nil {
			return fmt.Errorf("redis blob store init failed: %w", err)
		}
		rateLimiter, blobs = redisLimiter, redisBlobs
	} else {
		logger.Info("REDIS_URL not set, using in-process rate limiter and blob store")
		rateLimiter = ratelimit.NewLocalRateLimiter(cfg.SendRateLimitPerSec)
		blobs = blob.NewMemoryStore()
	}

	reg := registry.New(regOpts)
	reg.Subscribe(func(event domain.CardEvent) {
		if !event.Removed {
			metrics.ObserveTransition(event.From.String(), event.To.String())
		}
	})

	var (
		rabbit    *queue.RabbitMQ
		forwarder *queue.EventForwarder
	)
	if cfg.RabbitMQURL != "" {
		var err error
		rabbit, err = queue.NewRabbitMQ(ctx, cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		publisher := queue.NewRabbitMQPublisher(rabbit)
		defer publisher.Close()

		forwarder, err = queue.NewEventForwarder(publisher, cfg.EventBufferSize, logger)
		if err != nil {
			return fmt.Errorf("event forwarder init failed: %w", err)
		}
		reg.Subscribe(forwarder.Handle)
	}

	restored, err := reg.Restore(ctx)
	if err != nil {
		return fmt.Errorf("registry restore failed: %w", err)
	}
	if restored > 0 {
		logger.Info("restored cards from store", zap.Int("count", restored))
	}

	svc, err := buildCardService(cfg, reg, blobs, rateLimiter, jobRepo, metrics, logger)
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		AppName:               "cardmail-engine",
		BodyLimit:             cfg.HTTPBodyLimitBytes,
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(handler.RequestContext())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	healthChecks := []handler.ReadinessCheck{handler.PostgresCheck(sqlDB), handler.RedisCheck(rdb)}
	if rabbit != nil {
		healthChecks = append(healthChecks, handler.ReadinessCheck{Name: "rabbitmq", Ping: rabbit.Ping})
	}
	handler.RegisterHealthRoutes(app, healthChecks...)
	if err := handler.RegisterCardRoutes(app, svc); err != nil {
		return fmt.Errorf("card routes init failed: %w", err)
	}

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()
	logger.Info("cardmail-engine api started", zap.Int("port", cfg.APIPort))

	select {
	case err := <-listenErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", zap.Error(err))
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("card pipelines did not finish before shutdown", zap.Error(err))
	}
	if forwarder != nil {
		if err := forwarder.Close(shutdownCtx); err != nil {
			logger.Warn("card event forwarder did not drain", zap.Error(err))
		}
	}

	return nil
}

func buildCardService(
	cfg *config.Config,
	reg *registry.Registry,
	blobs blob.Store,
	rateLimiter ratelimit.RateLimiter,
	jobRepo service.JobRepository,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*service.CardService, error) {
	recognizer, err := provider.NewVisionRecognizer(cfg.VisionEndpoint, cfg.VisionAPIKey)
	if err != nil {
		return nil, fmt.Errorf("vision recognizer init failed: %w", err)
	}
	generator, err := provider.NewOpenAIGenerator(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel)
	if err != nil {
		return nil, fmt.Errorf("openai generator init failed: %w", err)
	}

	var mailer provider.Mailer
	switch cfg.EmailProvider {
	case config.EmailProviderGmail:
		mailer, err = provider.NewGmailMailer(cfg.GmailEndpoint, cfg.GmailFrom)
	default:
		mailer, err = provider.NewWebhookMailer(cfg.EmailWebhookURL)
	}
	if err != nil {
		return nil, fmt.Errorf("%s mailer init failed: %w", cfg.EmailProvider, err)
	}

	retry := service.RetryPolicy{
		MaxRetries: cfg.PipelineMaxRetries,
		BaseDelay:  cfg.PipelineBackoff(),
	}

	runner, err := service.NewRunner(reg, blobs, recognizer, extract.New(), generator, service.RunnerConfig{
		Retry:              retry,
		RecognitionTimeout: cfg.RecognitionTimeout(),
		GenerationTimeout:  cfg.GenerationTimeout(),
		DefaultTone:        cfg.Tone(),
		DefaultLanguage:    cfg.Language(),
		Signature:          cfg.EmailSignature,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("pipeline runner init failed: %w", err)
	}
	runner.SetMetrics(metrics)

	sender, err := service.NewSender(reg, mailer, rateLimiter, service.SenderConfig{
		Concurrency:  cfg.SendConcurrency,
		Retry:        retry,
		SendTimeout:  cfg.SendTimeout(),
		ProviderName: cfg.EmailProvider,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("batch sender init failed: %w", err)
	}
	sender.SetMetrics(metrics)

	jobs, err := service.NewJobTracker(reg, jobRepo, logger)
	if err != nil {
		return nil, fmt.Errorf("job tracker init failed: %w", err)
	}

	svc, err := service.NewCardService(reg, jobs, runner, sender, blobs, service.CardServiceConfig{
		MaxUploadBytes: cfg.MaxUploadBytes,
		AutoDraft:      cfg.AutoDraft,
		AutoSend:       cfg.AutoSend,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("card service init failed: %w", err)
	}

	return svc, nil
}
