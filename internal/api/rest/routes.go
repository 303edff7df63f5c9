package rest

import (
	"github.com/Dhoini/Subscription-microservice/internal/api/rest/handlers"
	"github.com/Dhoini/Subscription-microservice/internal/api/rest/middleware"
	"github.com/Dhoini/Subscription-microservice/internal/integration/stripe"
	"github.com/Dhoini/Subscription-microservice/internal/repository"
	"github.com/Dhoini/Subscription-microservice/internal/service"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps зависимости маршрутизатора
type RouterDeps struct {
	Reconciler    service.Reconciler
	Ledger        service.Ledger
	PromoService  service.PromoService
	Sweeper       service.Sweeper
	Subscriptions repository.SubscriptionRepository
	Payments      repository.PaymentRepository
	Blocklist     repository.BlocklistRepository
	StripeWebhook *stripe.WebhookHandler
	JWTSecret     string
}

// SetupRouter настраивает маршрутизатор Gin с маршрутами и middleware
func SetupRouter(deps RouterDeps, registry *prometheus.Registry, log *logger.Logger) *gin.Engine {
	r := gin.New()

	r.Use(middleware.LoggerMiddleware(log))
	r.Use(gin.Recovery())

	// Endpoint для проверки работоспособности сервиса
	r.GET("/health", handlers.HealthCheck)

	// Prometheus метрики
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	subscriptionHandler := handlers.NewSubscriptionHandler(deps.Reconciler, deps.PromoService, deps.Subscriptions, log)
	paymentHandler := handlers.NewPaymentHandler(deps.Ledger, deps.Payments, log)
	promoHandler := handlers.NewPromoHandler(deps.PromoService, log)
	webhookHandler := handlers.NewWebhookHandler(deps.StripeWebhook, deps.Ledger, log)
	adminHandler := handlers.NewAdminHandler(deps.Blocklist, deps.Sweeper, log)

	jwtMiddleware := middleware.NewJWTMiddleware(log, &middleware.DefaultTokenValidator{Secret: []byte(deps.JWTSecret)})

	v1 := r.Group("/api/v1")
	{
		subscriptions := v1.Group("/subscriptions")
		{
			subscriptions.POST("/ensure", subscriptionHandler.EnsureSubscription)
			subscriptions.GET("/:user_id", subscriptionHandler.GetSubscription)
			subscriptions.POST("/:user_id/reconcile", subscriptionHandler.ReconcileSubscription)
			subscriptions.POST("/:user_id/terms", subscriptionHandler.AcceptTerms)
		}

		payments := v1.Group("/payments")
		{
			payments.POST("/checkout", paymentHandler.StartCheckout)
			payments.GET("/:id", paymentHandler.GetPayment)
		}

		promos := v1.Group("/promos")
		{
			promos.POST("/redeem", promoHandler.Redeem)
		}
	}

	// Админские операции под JWT с областью admin
	admin := r.Group("/api/v1/admin", jwtMiddleware.RequireAuth(middleware.ScopeAdmin))
	{
		admin.POST("/promos", promoHandler.CreatePromo)
		admin.POST("/payments/:id/apply", paymentHandler.ApplyPayment)
		admin.POST("/subscriptions/:user_id/floor", subscriptionHandler.SetFloor)
		admin.DELETE("/subscriptions/:user_id", subscriptionHandler.DeleteSubscription)
		admin.POST("/blocklist", adminHandler.BlockIdentity)
		admin.GET("/blocklist", adminHandler.ListBlocked)
		admin.DELETE("/blocklist/:identity", adminHandler.UnblockIdentity)
		admin.POST("/sweep", adminHandler.TriggerSweep)
	}

	// Вебхуки на корневом уровне роутера
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/stripe", webhookHandler.HandleStripeWebhook)
		webhooks.POST("/:provider", webhookHandler.HandleProviderWebhook)
	}
	return r
}
