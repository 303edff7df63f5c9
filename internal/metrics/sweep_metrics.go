package metrics

import (
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SweepMetrics интерфейс для метрик фонового свипера
type SweepMetrics interface {
	IncTickStarted()
	IncTickSkipped()
	ObserveTickDuration(seconds float64)
	AddReconciled(count int)
	IncReconcileError()
	IncDesyncRepaired()
	IncBanEnforced()
}

type sweepMetrics struct {
	log             *logger.Logger
	ticksStarted    prometheus.Counter
	ticksSkipped    prometheus.Counter
	tickDuration    prometheus.Histogram
	reconciled      prometheus.Counter
	reconcileErrors prometheus.Counter
	desyncRepaired  prometheus.Counter
	bansEnforced    prometheus.Counter
}

// NewSweepMetrics создает новые метрики свипера
func NewSweepMetrics(registry *prometheus.Registry, log *logger.Logger) SweepMetrics {
	ticksStarted := promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_ticks_started_total",
			Help: "The total number of sweep ticks started",
		},
	)

	ticksSkipped := promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_ticks_skipped_total",
			Help: "The total number of sweep ticks dropped because a previous tick was still running",
		},
	)

	tickDuration := promauto.With(registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sweep_tick_duration_seconds",
			Help:    "Duration of a full sweep tick",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	reconciled := promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_subscriptions_reconciled_total",
			Help: "The total number of subscriptions reconciled by the sweeper",
		},
	)

	reconcileErrors := promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_reconcile_errors_total",
			Help: "The total number of per-subscription reconcile failures",
		},
	)

	desyncRepaired := promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_desync_repaired_total",
			Help: "The total number of repaired account reference desyncs",
		},
	)

	bansEnforced := promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_bans_enforced_total",
			Help: "The total number of blocked identities disabled on the panel",
		},
	)

	return &sweepMetrics{
		log:             log,
		ticksStarted:    ticksStarted,
		ticksSkipped:    ticksSkipped,
		tickDuration:    tickDuration,
		reconciled:      reconciled,
		reconcileErrors: reconcileErrors,
		desyncRepaired:  desyncRepaired,
		bansEnforced:    bansEnforced,
	}
}

func (m *sweepMetrics) IncTickStarted() { m.ticksStarted.Inc() }

func (m *sweepMetrics) IncTickSkipped() { m.ticksSkipped.Inc() }

func (m *sweepMetrics) ObserveTickDuration(seconds float64) { m.tickDuration.Observe(seconds) }

func (m *sweepMetrics) AddReconciled(count int) { m.reconciled.Add(float64(count)) }

func (m *sweepMetrics) IncReconcileError() { m.reconcileErrors.Inc() }

func (m *sweepMetrics) IncDesyncRepaired() { m.desyncRepaired.Inc() }

func (m *sweepMetrics) IncBanEnforced() { m.bansEnforced.Inc() }
