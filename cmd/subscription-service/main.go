package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dhoini/Subscription-microservice/internal/api/rest"
	"github.com/Dhoini/Subscription-microservice/internal/config"
	"github.com/Dhoini/Subscription-microservice/internal/integration/stripe"
	"github.com/Dhoini/Subscription-microservice/internal/kafka"
	"github.com/Dhoini/Subscription-microservice/internal/metrics"
	"github.com/Dhoini/Subscription-microservice/internal/panel"
	"github.com/Dhoini/Subscription-microservice/internal/repository"
	"github.com/Dhoini/Subscription-microservice/internal/service"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := initLogger()

	log.Infow("Subscription microservice starting up...")

	cfg, err := config.LoadConfig(".env")
	if err != nil {
		log.Fatalw("Failed to load configuration", "error", err)
	}
	if cfg.Auth.JWTSecret == "" {
		log.Warnw("JWT Secret is not set, admin endpoints will reject all tokens")
	}

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Хранилища: PostgreSQL в обычном режиме, in-memory без DSN
	var (
		subscriptionRepo repository.SubscriptionRepository
		paymentRepo      repository.PaymentRepository
		promoRepo        repository.PromoRepository
		blocklistRepo    repository.BlocklistRepository
	)

	if cfg.Database.DSN != "" {
		pool, err := repository.NewPostgresPool(ctx, cfg.Database.DSN, log)
		if err != nil {
			log.Fatalw("Failed to connect to database", "error", err)
		}
		defer pool.Close()

		subscriptionRepo = repository.NewPostgresSubscriptionRepository(pool, log)
		paymentRepo = repository.NewPostgresPaymentRepository(pool, log)
		promoRepo = repository.NewPostgresPromoRepository(pool, log)
		blocklistRepo = repository.NewPostgresBlocklistRepository(pool, log)
	} else {
		log.Warnw("Database DSN is empty, using in-memory repositories")
		memSubs := repository.NewInMemorySubscriptionRepository(log)
		subscriptionRepo = memSubs
		paymentRepo = repository.NewInMemoryPaymentRepository(log)
		promoRepo = repository.NewInMemoryPromoRepository(memSubs, log)
		blocklistRepo = repository.NewInMemoryBlocklistRepository(log)
	}

	// Redis кеш поверх хранилища подписок
	if cfg.Redis.Enabled {
		redisCache, err := repository.NewRedisCacheRepository(
			cfg.Redis.Addr,
			cfg.Redis.Password,
			cfg.Redis.DB,
			log,
		)
		if err != nil {
			log.Warnw("Failed to initialize Redis cache, continuing without caching", "error", err)
		} else {
			defer func() {
				if err := redisCache.Close(); err != nil {
					log.Errorw("Error closing Redis connection", "error", err)
				}
			}()
			subscriptionRepo = repository.NewCachedSubscriptionRepository(subscriptionRepo, redisCache, log)
			log.Infow("Using cached subscription repository")
		}
	}

	// Адаптер панели
	var panelAdapter panel.Adapter
	if cfg.Panel.Mode == "xui" {
		client, err := panel.NewClient(panel.Config{
			BaseURL:         cfg.Panel.BaseURL,
			Username:        cfg.Panel.Username,
			Password:        cfg.Panel.Password,
			Timeout:         cfg.Panel.Timeout,
			SessionLifetime: cfg.Panel.SessionLifetime,
		}, log)
		if err != nil {
			log.Fatalw("Failed to create panel client", "error", err)
		}
		panelAdapter = client
	} else {
		log.Warnw("Panel mode is not xui, using in-memory panel")
		panelAdapter = panel.NewInMemoryPanel()
	}

	// Kafka Producer: не критичен для основного флоу
	var producer kafka.Producer
	if cfg.Kafka.Enabled {
		if err := kafka.EnsureKafkaTopics(cfg.Kafka.Brokers, log); err != nil {
			log.Warnw("Failed to ensure Kafka topics", "error", err)
		}
		producer, err = kafka.NewKafkaProducer(cfg.Kafka.Brokers, log)
		if err != nil {
			log.Errorw("Failed to initialize Kafka producer, continuing without event publishing", "error", err)
			producer = nil
		} else {
			defer func() {
				if err := producer.Close(); err != nil {
					log.Errorw("Error closing Kafka producer", "error", err)
				}
			}()
		}
	}

	// Метрики на приватном реестре
	registry := prometheus.NewRegistry()
	grantMetrics := metrics.NewGrantMetrics(registry, log)
	sweepMetrics := metrics.NewSweepMetrics(registry, log)
	systemMetrics := metrics.NewSystemMetrics(registry, log)
	systemMetrics.StartRecording(15 * time.Second)
	defer systemMetrics.Stop()

	// Stripe
	var provider service.PaymentProvider
	var stripeWebhook *stripe.WebhookHandler
	if cfg.Stripe.APIKey != "" {
		stripeClient := stripe.NewClient(stripe.Config{
			APIKey:     cfg.Stripe.APIKey,
			WebhookKey: cfg.Stripe.WebhookSecret,
		}, log)
		provider = stripeClient
		stripeWebhook = stripe.NewWebhookHandler(cfg.Stripe.WebhookSecret, log)
	} else {
		log.Warnw("Stripe API key is not set, checkout is disabled")
		stripeWebhook = stripe.NewWebhookHandler("", log)
	}

	limits := service.ReconcilerLimits{
		MinDevices: cfg.Limits.MinDevices,
		MaxDevices: cfg.Limits.MaxDevices,
	}

	reconciler := service.NewReconciler(subscriptionRepo, panelAdapter, limits, log)
	ledger := service.NewLedger(paymentRepo, subscriptionRepo, reconciler, provider, producer, grantMetrics, limits, log)
	promoService := service.NewPromoService(promoRepo, subscriptionRepo, service.PromoConfig{
		Cooldown:     cfg.Promo.Cooldown,
		TermsVersion: cfg.Promo.TermsVersion,
	}, producer, grantMetrics, log)

	sweeper := service.NewSweeper(subscriptionRepo, blocklistRepo, reconciler, panelAdapter, service.SweeperConfig{
		Interval:         cfg.Sweep.Interval,
		BatchSize:        cfg.Sweep.BatchSize,
		MaxBatches:       cfg.Sweep.MaxBatches,
		NamespaceWorkers: cfg.Sweep.NamespaceWorkers,
		UpdateWorkers:    cfg.Sweep.UpdateWorkers,
	}, sweepMetrics, log)

	// Фоновый обход в своей горутине
	go sweeper.Run(ctx)

	router := rest.SetupRouter(rest.RouterDeps{
		Reconciler:    reconciler,
		Ledger:        ledger,
		PromoService:  promoService,
		Sweeper:       sweeper,
		Subscriptions: subscriptionRepo,
		Payments:      paymentRepo,
		Blocklist:     blocklistRepo,
		StripeWebhook: stripeWebhook,
		JWTSecret:     cfg.Auth.JWTSecret,
	}, registry, log)

	server := rest.NewServer(router, cfg.App.Port, log)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalw("Failed to start HTTP server", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Server forced to shutdown", "error", err)
	}

	log.Infow("Subscription microservice stopped")
}

// initLogger создает логгер с уровнем из LOG_LEVEL
func initLogger() *logger.Logger {
	level := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	return logger.New(level)
}
