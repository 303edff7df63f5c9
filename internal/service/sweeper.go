package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/internal/metrics"
	"github.com/Dhoini/Subscription-microservice/internal/panel"
	"github.com/Dhoini/Subscription-microservice/internal/repository"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/google/uuid"
)

const minSweepInterval = 30 * time.Second

// SweeperConfig параметры фонового обхода
type SweeperConfig struct {
	Interval         time.Duration
	BatchSize        int
	MaxBatches       int
	NamespaceWorkers int
	UpdateWorkers    int
}

// BanReport итог принудительного отключения заблокированных аккаунтов.
// Шаг выполняется по принципу best-effort, поэтому ошибки не прерывают
// тик, а копятся в отчете.
type BanReport struct {
	Scanned  int
	Disabled int
	Errors   int
}

// Sweeper интерфейс фонового обходчика подписок
type Sweeper interface {
	// Run крутит тики до отмены контекста; первый тик — сразу при старте
	Run(ctx context.Context)

	// Tick выполняет один полный проход. Возвращает false, если проход
	// был отброшен из-за еще идущего предыдущего.
	Tick(ctx context.Context) bool
}

type sweeper struct {
	subs       repository.SubscriptionRepository
	blocklist  repository.BlocklistRepository
	reconciler Reconciler
	panel      panel.Adapter
	cfg        SweeperConfig
	metrics    metrics.SweepMetrics
	log        *logger.Logger
	now        func() time.Time

	// единственный тик за раз: пересекающиеся тики отбрасываются,
	// а не ставятся в очередь
	ticking sync.Mutex
}

// NewSweeper создает новый фоновый обходчик
func NewSweeper(
	subs repository.SubscriptionRepository,
	blocklist repository.BlocklistRepository,
	rec Reconciler,
	adapter panel.Adapter,
	cfg SweeperConfig,
	m metrics.SweepMetrics,
	log *logger.Logger,
) Sweeper {
	if cfg.Interval < minSweepInterval {
		cfg.Interval = minSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 10
	}
	if cfg.NamespaceWorkers <= 0 {
		cfg.NamespaceWorkers = 2
	}
	if cfg.UpdateWorkers <= 0 {
		cfg.UpdateWorkers = 10
	}

	return &sweeper{
		subs:       subs,
		blocklist:  blocklist,
		reconciler: rec,
		panel:      adapter,
		cfg:        cfg,
		metrics:    m,
		log:        log,
		now:        time.Now,
	}
}

func (s *sweeper) Run(ctx context.Context) {
	s.log.Infow("Sweeper started", "interval", s.cfg.Interval)

	s.Tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			s.log.Infow("Sweeper stopped")
			return
		}
	}
}

func (s *sweeper) Tick(ctx context.Context) bool {
	if !s.ticking.TryLock() {
		s.metrics.IncTickSkipped()
		s.log.Warnw("Sweep tick skipped, previous tick still running")
		return false
	}
	defer s.ticking.Unlock()

	s.metrics.IncTickStarted()
	started := time.Now()

	candidates := s.collectCandidates(ctx)
	if len(candidates) > 0 {
		snapshot := s.fetchNamespaces(ctx, candidates)
		s.reconcileBatch(ctx, candidates, snapshot)
	}

	report := s.enforceBans(ctx)
	if report.Errors > 0 {
		s.log.Warnw("Ban enforcement finished with errors", "scanned", report.Scanned, "disabled", report.Disabled, "errors", report.Errors)
	}

	s.metrics.ObserveTickDuration(time.Since(started).Seconds())
	s.log.Debugw("Sweep tick finished", "candidates", len(candidates), "duration", time.Since(started))
	return true
}

// collectCandidates набирает кандидатов страницами по курсору, не больше
// MaxBatches страниц за тик, чтобы длительность тика была ограничена
func (s *sweeper) collectCandidates(ctx context.Context) []domain.Subscription {
	now := s.now()
	cursor := uuid.Nil
	var candidates []domain.Subscription

	for batch := 0; batch < s.cfg.MaxBatches; batch++ {
		page, err := s.subs.ListCandidates(ctx, cursor, s.cfg.BatchSize, now)
		if err != nil {
			s.log.Errorw("Failed to list sweep candidates", "error", err)
			break
		}
		if len(page) == 0 {
			break
		}

		candidates = append(candidates, page...)
		cursor = page[len(page)-1].ID

		if len(page) < s.cfg.BatchSize {
			break
		}
	}
	return candidates
}

// fetchNamespaces забирает список аккаунтов каждого пространства ровно
// один раз и строит индекс ссылка -> состояние
func (s *sweeper) fetchNamespaces(ctx context.Context, candidates []domain.Subscription) map[string]map[string]panel.AccountState {
	namespaces := make(map[string]struct{})
	for _, sub := range candidates {
		namespaces[sub.Namespace] = struct{}{}
	}

	var mu sync.Mutex
	snapshot := make(map[string]map[string]panel.AccountState, len(namespaces))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.NamespaceWorkers)

	for namespace := range namespaces {
		ns := namespace
		g.Go(func() error {
			accounts, err := s.panel.ListAccounts(gctx, ns)
			if err != nil {
				s.log.Errorw("Failed to list panel accounts", "namespace", ns, "error", err)
				return nil
			}

			index := make(map[string]panel.AccountState, len(accounts))
			for _, account := range accounts {
				index[account.Ref] = account
			}

			mu.Lock()
			snapshot[ns] = index
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return snapshot
}

func (s *sweeper) reconcileBatch(ctx context.Context, candidates []domain.Subscription, snapshot map[string]map[string]panel.AccountState) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.UpdateWorkers)

	for i := range candidates {
		sub := candidates[i]
		g.Go(func() error {
			index, fetched := snapshot[sub.Namespace]
			if !fetched {
				// Пространство не удалось забрать — пропускаем до
				// следующего тика, локальный снимок остается как есть
				return nil
			}

			var account *panel.AccountState
			if state, ok := index[sub.AccountRef]; ok {
				account = &state
			}

			if _, err := s.reconciler.ReconcileWithAccount(gctx, sub, account); err != nil {
				s.metrics.IncReconcileError()
				s.log.Errorw("Failed to reconcile subscription", "userID", sub.UserID, "subscriptionID", sub.ID, "error", err)
				return nil
			}
			if account == nil {
				s.metrics.IncDesyncRepaired()
			}
			s.metrics.AddReconciled(1)
			return nil
		})
	}
	_ = g.Wait()
}

// enforceBans гасит в панели все еще включенные аккаунты из черного
// списка. Выполняется после обычной сверки, чтобы платежные включения
// не обгоняли бан.
func (s *sweeper) enforceBans(ctx context.Context) BanReport {
	var report BanReport

	blocked, err := s.blocklist.List(ctx)
	if err != nil {
		s.log.Errorw("Failed to load blocklist", "error", err)
		report.Errors++
		return report
	}
	if len(blocked) == 0 {
		return report
	}

	blockedIdentities := make(map[string]struct{}, len(blocked))
	for _, entry := range blocked {
		blockedIdentities[entry.Identity] = struct{}{}
	}

	namespaces, err := s.panel.ListNamespaces(ctx)
	if err != nil {
		s.log.Errorw("Failed to list panel namespaces for ban enforcement", "error", err)
		report.Errors++
		return report
	}

	for _, ns := range namespaces {
		accounts, err := s.panel.ListAccounts(ctx, ns)
		if err != nil {
			s.log.Errorw("Failed to list panel accounts for ban enforcement", "namespace", ns, "error", err)
			report.Errors++
			continue
		}

		for _, account := range accounts {
			report.Scanned++
			if !account.Enabled {
				continue
			}
			if _, isBlocked := blockedIdentities[account.Identity]; !isBlocked {
				continue
			}

			off := false
			if err := s.panel.ApplyAccountState(ctx, ns, account.Ref, panel.AccountPatch{Enabled: &off}); err != nil {
				s.log.Errorw("Failed to disable blocked account", "namespace", ns, "ref", account.Ref, "error", err)
				report.Errors++
				continue
			}
			report.Disabled++
			s.metrics.IncBanEnforced()
			s.log.Infow("Disabled blocked panel account", "namespace", ns, "ref", account.Ref)
		}
	}
	return report
}
