package service

import (
	"context"
	"sync"
	"time"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/internal/kafka"
	"github.com/Dhoini/Subscription-microservice/internal/metrics"
	"github.com/Dhoini/Subscription-microservice/internal/panel"
	"github.com/Dhoini/Subscription-microservice/internal/repository"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// fakeProducer копит события вместо отправки в Kafka
type fakeProducer struct {
	mu     sync.Mutex
	events []kafka.GrantEvent
	topics []string
}

func (p *fakeProducer) PublishGrantEvent(ctx context.Context, topic string, event kafka.GrantEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.topics = append(p.topics, topic)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type testEnv struct {
	subs      *repository.InMemorySubscriptionRepository
	payments  *repository.InMemoryPaymentRepository
	promos    *repository.InMemoryPromoRepository
	blocklist *repository.InMemoryBlocklistRepository
	panel     *panel.InMemoryPanel
	producer  *fakeProducer
	rec       *reconciler
	now       time.Time
	log       *logger.Logger
	grants    metrics.GrantMetrics
	sweeps    metrics.SweepMetrics
}

func newTestEnv() *testEnv {
	log := logger.New(logger.ERROR)
	registry := prometheus.NewRegistry()

	subs := repository.NewInMemorySubscriptionRepository(log)
	env := &testEnv{
		subs:      subs,
		payments:  repository.NewInMemoryPaymentRepository(log),
		promos:    repository.NewInMemoryPromoRepository(subs, log),
		blocklist: repository.NewInMemoryBlocklistRepository(log),
		panel:     panel.NewInMemoryPanel(),
		producer:  &fakeProducer{},
		now:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		log:       log,
		grants:    metrics.NewGrantMetrics(registry, log),
		sweeps:    metrics.NewSweepMetrics(registry, log),
	}

	env.rec = NewReconciler(subs, env.panel, ReconcilerLimits{MinDevices: 1, MaxDevices: 10}, log).(*reconciler)
	env.rec.now = func() time.Time { return env.now }
	return env
}

func (e *testEnv) newLedger(provider PaymentProvider) *ledger {
	l := NewLedger(e.payments, e.subs, e.rec, provider, e.producer, e.grants, e.rec.limits, e.log).(*ledger)
	l.now = func() time.Time { return e.now }
	return l
}

func (e *testEnv) newPromoService(cfg PromoConfig) *promoService {
	s := NewPromoService(e.promos, e.subs, cfg, e.producer, e.grants, e.log).(*promoService)
	s.now = func() time.Time { return e.now }
	return s
}

func (e *testEnv) newSweeper(cfg SweeperConfig) *sweeper {
	s := NewSweeper(e.subs, e.blocklist, e.rec, e.panel, cfg, e.sweeps, e.log).(*sweeper)
	s.now = func() time.Time { return e.now }
	return s
}

// seedSubscription создает строку подписки и аккаунт панели
func (e *testEnv) seedSubscription(userID int64, mutate func(*domain.Subscription)) domain.Subscription {
	sub := domain.Subscription{
		ID:          uuid.New(),
		UserID:      userID,
		Namespace:   "1",
		AccountRef:  uuid.NewString(),
		Identity:    uuid.NewString() + "@test",
		DeviceLimit: 1,
		Enabled:     true,
		Status:      domain.SubscriptionStatusActive,
	}
	if mutate != nil {
		mutate(&sub)
	}

	created, err := e.subs.Create(context.Background(), sub)
	if err != nil {
		panic(err)
	}

	limit := created.DeviceLimit
	e.panel.Seed(created.Namespace, panel.AccountState{
		Ref:         created.AccountRef,
		Identity:    created.Identity,
		ExpiresAt:   created.ExpiresAt,
		Enabled:     created.Enabled,
		DeviceLimit: &limit,
	})
	return created
}

func ptrTime(t time.Time) *time.Time { return &t }

func ptrInt(v int) *int { return &v }
