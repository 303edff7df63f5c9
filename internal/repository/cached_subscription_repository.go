package repository

import (
	"context"
	"time"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/google/uuid"
)

// CachedSubscriptionRepository реализует SubscriptionRepository с кешированием.
// Кешируются только одиночные чтения; страницы кандидатов свипера всегда
// идут мимо кеша, чтобы сверка видела свежие строки.
type CachedSubscriptionRepository struct {
	repo  SubscriptionRepository
	cache *RedisCacheRepository
	log   *logger.Logger
}

// NewCachedSubscriptionRepository создает новый репозиторий с кешированием
func NewCachedSubscriptionRepository(
	repo SubscriptionRepository,
	cache *RedisCacheRepository,
	log *logger.Logger,
) SubscriptionRepository {
	return &CachedSubscriptionRepository{
		repo:  repo,
		cache: cache,
		log:   log,
	}
}

// GetByID получает подписку по ID (сначала из кеша, потом из БД)
func (r *CachedSubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	cached, err := r.cache.GetCachedSubscription(ctx, id)
	if err != nil {
		r.log.Warnw("Error getting subscription from cache", "error", err, "subscriptionID", id)
		// Продолжаем выполнение при ошибке кеша
	}
	if cached != nil {
		return *cached, nil
	}

	sub, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return domain.Subscription{}, err
	}

	if err := r.cache.CacheSubscription(ctx, sub); err != nil {
		r.log.Warnw("Failed to cache subscription after fetching", "error", err, "subscriptionID", id)
	}
	return sub, nil
}

// GetByUserID получает подписку пользователя (сначала из кеша, потом из БД)
func (r *CachedSubscriptionRepository) GetByUserID(ctx context.Context, userID int64) (domain.Subscription, error) {
	cached, err := r.cache.GetCachedSubscriptionByUser(ctx, userID)
	if err != nil {
		r.log.Warnw("Error getting subscription from cache", "error", err, "userID", userID)
	}
	if cached != nil {
		return *cached, nil
	}

	sub, err := r.repo.GetByUserID(ctx, userID)
	if err != nil {
		return domain.Subscription{}, err
	}

	if err := r.cache.CacheSubscription(ctx, sub); err != nil {
		r.log.Warnw("Failed to cache subscription after fetching", "error", err, "userID", userID)
	}
	return sub, nil
}

// Create сохраняет подписку в БД и кеширует ее
func (r *CachedSubscriptionRepository) Create(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	created, err := r.repo.Create(ctx, sub)
	if err != nil {
		return domain.Subscription{}, err
	}

	if err := r.cache.CacheSubscription(ctx, created); err != nil {
		r.log.Warnw("Failed to cache subscription after creation", "error", err, "subscriptionID", created.ID)
		// Продолжаем выполнение, несмотря на ошибку кеширования
	}
	return created, nil
}

// InvalidateUser снимает кеш строки пользователя после записи мимо этого
// репозитория. Транзакция Redeem пишет paid_until и last_promo_at в БД
// напрямую, поэтому промо-сервис обязан снять кеш после applied-итога.
func (r *CachedSubscriptionRepository) InvalidateUser(ctx context.Context, userID int64) {
	sub, err := r.repo.GetByUserID(ctx, userID)
	if err != nil {
		r.log.Warnw("Failed to load subscription for cache invalidation", "error", err, "userID", userID)
		return
	}
	if err := r.cache.InvalidateSubscription(ctx, sub.ID, sub.UserID); err != nil {
		r.log.Warnw("Failed to invalidate subscription cache", "error", err, "userID", userID)
	}
}

// invalidateByID снимает кеш строки после записи мимо кеша
func (r *CachedSubscriptionRepository) invalidateByID(ctx context.Context, id uuid.UUID) {
	sub, err := r.repo.GetByID(ctx, id)
	if err != nil {
		r.log.Warnw("Failed to load subscription for cache invalidation", "error", err, "subscriptionID", id)
		return
	}
	if err := r.cache.InvalidateSubscription(ctx, sub.ID, sub.UserID); err != nil {
		r.log.Warnw("Failed to invalidate subscription cache", "error", err, "subscriptionID", id)
	}
}

func (r *CachedSubscriptionRepository) UpdateSyncState(ctx context.Context, id uuid.UUID, enabled bool, expiresAt *time.Time, status domain.SubscriptionStatus, syncedAt time.Time) error {
	if err := r.repo.UpdateSyncState(ctx, id, enabled, expiresAt, status, syncedAt); err != nil {
		return err
	}
	r.invalidateByID(ctx, id)
	return nil
}

func (r *CachedSubscriptionRepository) RaisePaidUntil(ctx context.Context, id uuid.UUID, until time.Time) error {
	if err := r.repo.RaisePaidUntil(ctx, id, until); err != nil {
		return err
	}
	r.invalidateByID(ctx, id)
	return nil
}

func (r *CachedSubscriptionRepository) SetPaidUntil(ctx context.Context, id uuid.UUID, until *time.Time) error {
	if err := r.repo.SetPaidUntil(ctx, id, until); err != nil {
		return err
	}
	r.invalidateByID(ctx, id)
	return nil
}

func (r *CachedSubscriptionRepository) SetDeviceLimit(ctx context.Context, id uuid.UUID, limit int) error {
	if err := r.repo.SetDeviceLimit(ctx, id, limit); err != nil {
		return err
	}
	r.invalidateByID(ctx, id)
	return nil
}

func (r *CachedSubscriptionRepository) SetAccountRef(ctx context.Context, id uuid.UUID, namespace, ref string) error {
	if err := r.repo.SetAccountRef(ctx, id, namespace, ref); err != nil {
		return err
	}
	r.invalidateByID(ctx, id)
	return nil
}

func (r *CachedSubscriptionRepository) SetTermsVersion(ctx context.Context, userID int64, version int) error {
	if err := r.repo.SetTermsVersion(ctx, userID, version); err != nil {
		return err
	}

	sub, err := r.repo.GetByUserID(ctx, userID)
	if err != nil {
		r.log.Warnw("Failed to load subscription for cache invalidation", "error", err, "userID", userID)
		return nil
	}
	if err := r.cache.InvalidateSubscription(ctx, sub.ID, sub.UserID); err != nil {
		r.log.Warnw("Failed to invalidate subscription cache", "error", err, "userID", userID)
	}
	return nil
}

// ListCandidates всегда читает из БД
func (r *CachedSubscriptionRepository) ListCandidates(ctx context.Context, cursor uuid.UUID, limit int, now time.Time) ([]domain.Subscription, error) {
	return r.repo.ListCandidates(ctx, cursor, limit, now)
}

func (r *CachedSubscriptionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	sub, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}
	if err := r.cache.InvalidateSubscription(ctx, sub.ID, sub.UserID); err != nil {
		r.log.Warnw("Failed to invalidate subscription cache after delete", "error", err, "subscriptionID", id)
	}
	return nil
}
