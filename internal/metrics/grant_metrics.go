package metrics

import (
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GrantMetrics интерфейс для метрик леджера грантов
type GrantMetrics interface {
	IncWebhookReceived(provider string)
	IncWebhookIgnored(provider, reason string)
	IncPaymentApplied(paymentType string)
	IncPaymentRetried()
	IncPromoOutcome(outcome string)
	ObserveApplyDuration(seconds float64)
}

type grantMetrics struct {
	log             *logger.Logger
	webhookReceived *prometheus.CounterVec
	webhookIgnored  *prometheus.CounterVec
	paymentsApplied *prometheus.CounterVec
	paymentsRetried prometheus.Counter
	promoOutcomes   *prometheus.CounterVec
	applyDuration   prometheus.Histogram
}

// NewGrantMetrics создает новые метрики леджера грантов
func NewGrantMetrics(registry *prometheus.Registry, log *logger.Logger) GrantMetrics {
	webhookReceived := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "grant_webhooks_received_total",
			Help: "The total number of provider webhooks received",
		},
		[]string{"provider"},
	)

	webhookIgnored := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "grant_webhooks_ignored_total",
			Help: "The total number of provider webhooks ignored by reason",
		},
		[]string{"provider", "reason"},
	)

	paymentsApplied := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "grant_payments_applied_total",
			Help: "The total number of payment effects applied exactly once",
		},
		[]string{"type"},
	)

	paymentsRetried := promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "grant_payments_retried_total",
			Help: "The total number of payment apply retries after an earlier failure",
		},
	)

	promoOutcomes := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "grant_promo_redemptions_total",
			Help: "The total number of promo redemption attempts by outcome",
		},
		[]string{"outcome"},
	)

	applyDuration := promauto.With(registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "grant_apply_duration_seconds",
			Help:    "Duration of payment effect application including panel push",
			Buckets: prometheus.DefBuckets,
		},
	)

	return &grantMetrics{
		log:             log,
		webhookReceived: webhookReceived,
		webhookIgnored:  webhookIgnored,
		paymentsApplied: paymentsApplied,
		paymentsRetried: paymentsRetried,
		promoOutcomes:   promoOutcomes,
		applyDuration:   applyDuration,
	}
}

// IncWebhookReceived увеличивает счетчик принятых вебхуков
func (m *grantMetrics) IncWebhookReceived(provider string) {
	m.webhookReceived.WithLabelValues(provider).Inc()
}

// IncWebhookIgnored увеличивает счетчик проигнорированных вебхуков
func (m *grantMetrics) IncWebhookIgnored(provider, reason string) {
	m.webhookIgnored.WithLabelValues(provider, reason).Inc()
}

// IncPaymentApplied увеличивает счетчик примененных платежей
func (m *grantMetrics) IncPaymentApplied(paymentType string) {
	m.paymentsApplied.WithLabelValues(paymentType).Inc()
}

// IncPaymentRetried увеличивает счетчик повторных применений
func (m *grantMetrics) IncPaymentRetried() {
	m.paymentsRetried.Inc()
}

// IncPromoOutcome увеличивает счетчик итогов активаций промокодов
func (m *grantMetrics) IncPromoOutcome(outcome string) {
	m.promoOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveApplyDuration записывает длительность применения платежа
func (m *grantMetrics) ObserveApplyDuration(seconds float64) {
	m.applyDuration.Observe(seconds)
}
