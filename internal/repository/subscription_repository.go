package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/google/uuid"
)

// SubscriptionRepository интерфейс хранилища подписок
type SubscriptionRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (domain.Subscription, error)
	GetByUserID(ctx context.Context, userID int64) (domain.Subscription, error)

	// Create возвращает ErrDuplicate при нарушении уникальности user_id:
	// конкурентные создатели ловят дубликат и перечитывают строку
	Create(ctx context.Context, sub domain.Subscription) (domain.Subscription, error)

	// UpdateSyncState персистит производные поля после сверки с панелью
	UpdateSyncState(ctx context.Context, id uuid.UUID, enabled bool, expiresAt *time.Time, status domain.SubscriptionStatus, syncedAt time.Time) error

	// RaisePaidUntil поднимает оплаченный порог; порог монотонен и никогда
	// не опускается — обновление с более ранним значением не проходит
	RaisePaidUntil(ctx context.Context, id uuid.UUID, until time.Time) error

	// SetPaidUntil принудительно выставляет порог (админские гранты)
	SetPaidUntil(ctx context.Context, id uuid.UUID, until *time.Time) error

	SetDeviceLimit(ctx context.Context, id uuid.UUID, limit int) error
	SetAccountRef(ctx context.Context, id uuid.UUID, namespace, ref string) error
	SetTermsVersion(ctx context.Context, userID int64, version int) error

	// ListCandidates возвращает страницу кандидатов на сверку по курсору
	// id-по-возрастанию. Фильтр — дешевая локальная эвристика, панель
	// остается авторитетной.
	ListCandidates(ctx context.Context, cursor uuid.UUID, limit int, now time.Time) ([]domain.Subscription, error)

	Delete(ctx context.Context, id uuid.UUID) error
}

// InMemorySubscriptionRepository реализация хранилища подписок в памяти
type InMemorySubscriptionRepository struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]domain.Subscription
	log  *logger.Logger
}

// NewInMemorySubscriptionRepository создает новое хранилище подписок в памяти
func NewInMemorySubscriptionRepository(log *logger.Logger) *InMemorySubscriptionRepository {
	return &InMemorySubscriptionRepository{
		subs: make(map[uuid.UUID]domain.Subscription),
		log:  log,
	}
}

func (r *InMemorySubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[id]
	if !ok {
		return domain.Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (r *InMemorySubscriptionRepository) GetByUserID(ctx context.Context, userID int64) (domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.getByUserIDLocked(userID)
}

func (r *InMemorySubscriptionRepository) getByUserIDLocked(userID int64) (domain.Subscription, error) {
	for _, sub := range r.subs {
		if sub.UserID == userID {
			return sub, nil
		}
	}
	return domain.Subscription{}, ErrNotFound
}

func (r *InMemorySubscriptionRepository) Create(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Уникальность user_id
	if _, err := r.getByUserIDLocked(sub.UserID); err == nil {
		return domain.Subscription{}, ErrDuplicate
	}

	sub.CreatedAt = time.Now()
	sub.UpdatedAt = sub.CreatedAt
	r.subs[sub.ID] = sub
	return sub, nil
}

func (r *InMemorySubscriptionRepository) UpdateSyncState(ctx context.Context, id uuid.UUID, enabled bool, expiresAt *time.Time, status domain.SubscriptionStatus, syncedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return ErrNotFound
	}

	sub.Enabled = enabled
	sub.ExpiresAt = expiresAt
	sub.Status = status
	sub.LastSyncedAt = &syncedAt
	sub.UpdatedAt = time.Now()
	r.subs[id] = sub
	return nil
}

func (r *InMemorySubscriptionRepository) RaisePaidUntil(ctx context.Context, id uuid.UUID, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return ErrNotFound
	}

	// Порог монотонен: более раннее значение не затирает более позднее
	if sub.PaidUntil != nil && !until.After(*sub.PaidUntil) {
		return nil
	}

	sub.PaidUntil = &until
	sub.UpdatedAt = time.Now()
	r.subs[id] = sub
	return nil
}

func (r *InMemorySubscriptionRepository) SetPaidUntil(ctx context.Context, id uuid.UUID, until *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return ErrNotFound
	}

	sub.PaidUntil = until
	sub.UpdatedAt = time.Now()
	r.subs[id] = sub
	return nil
}

func (r *InMemorySubscriptionRepository) SetDeviceLimit(ctx context.Context, id uuid.UUID, limit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return ErrNotFound
	}

	sub.DeviceLimit = limit
	sub.UpdatedAt = time.Now()
	r.subs[id] = sub
	return nil
}

func (r *InMemorySubscriptionRepository) SetAccountRef(ctx context.Context, id uuid.UUID, namespace, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return ErrNotFound
	}

	sub.Namespace = namespace
	sub.AccountRef = ref
	sub.UpdatedAt = time.Now()
	r.subs[id] = sub
	return nil
}

func (r *InMemorySubscriptionRepository) SetTermsVersion(ctx context.Context, userID int64, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, err := r.getByUserIDLocked(userID)
	if err != nil {
		return err
	}

	sub.TermsVersion = version
	sub.UpdatedAt = time.Now()
	r.subs[sub.ID] = sub
	return nil
}

// candidateLocked дешевая локальная эвристика отбора кандидатов на сверку
func candidateLocked(sub domain.Subscription, now time.Time) bool {
	if sub.Status == domain.SubscriptionStatusActive && sub.Enabled {
		return true
	}
	if sub.ExpiresAt == nil || !sub.ExpiresAt.After(now) {
		return true
	}
	if sub.PaidUntil != nil && sub.PaidUntil.After(now) {
		return true
	}
	return false
}

func (r *InMemorySubscriptionRepository) ListCandidates(ctx context.Context, cursor uuid.UUID, limit int, now time.Time) ([]domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]domain.Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		all = append(all, sub)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID.String() < all[j].ID.String() })

	var page []domain.Subscription
	for _, sub := range all {
		if cursor != uuid.Nil && sub.ID.String() <= cursor.String() {
			continue
		}
		if !candidateLocked(sub, now) {
			continue
		}
		page = append(page, sub)
		if len(page) >= limit {
			break
		}
	}
	return page, nil
}

func (r *InMemorySubscriptionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[id]; !ok {
		return ErrNotFound
	}
	delete(r.subs, id)
	return nil
}

// reserveCooldownLocked резервирует глобальный промо-кулдаун пользователя.
// Семантика условного обновления: ноль затронутых строк = кулдаун активен.
// Вызывается промо-репозиторием под общим мьютексом транзакции.
func (r *InMemorySubscriptionRepository) reserveCooldownLocked(userID int64, now time.Time, window time.Duration) (bool, error) {
	sub, err := r.getByUserIDLocked(userID)
	if err != nil {
		return false, err
	}

	if sub.LastPromoAt != nil && sub.LastPromoAt.After(now.Add(-window)) {
		return false, nil
	}

	sub.LastPromoAt = &now
	sub.UpdatedAt = time.Now()
	r.subs[sub.ID] = sub
	return true, nil
}

// PostgresSubscriptionRepository реализация хранилища подписок через PostgreSQL
type PostgresSubscriptionRepository struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// NewPostgresSubscriptionRepository создает новое хранилище подписок через PostgreSQL
func NewPostgresSubscriptionRepository(db *pgxpool.Pool, log *logger.Logger) *PostgresSubscriptionRepository {
	return &PostgresSubscriptionRepository{
		db:  db,
		log: log,
	}
}

const subscriptionColumns = `
	id, user_id, namespace, account_ref, identity, device_limit,
	enabled, expires_at, paid_until, status, terms_version,
	last_promo_at, last_synced_at, created_at, updated_at
`

func scanSubscription(row pgx.Row) (domain.Subscription, error) {
	var sub domain.Subscription
	var status string

	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.Namespace,
		&sub.AccountRef,
		&sub.Identity,
		&sub.DeviceLimit,
		&sub.Enabled,
		&sub.ExpiresAt,
		&sub.PaidUntil,
		&status,
		&sub.TermsVersion,
		&sub.LastPromoAt,
		&sub.LastSyncedAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Subscription{}, ErrNotFound
		}
		return domain.Subscription{}, fmt.Errorf("failed to scan subscription: %w", err)
	}

	sub.Status = domain.SubscriptionStatus(status)
	return sub, nil
}

func (r *PostgresSubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	return scanSubscription(r.db.QueryRow(ctx, query, id))
}

func (r *PostgresSubscriptionRepository) GetByUserID(ctx context.Context, userID int64) (domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1`
	return scanSubscription(r.db.QueryRow(ctx, query, userID))
}

func (r *PostgresSubscriptionRepository) Create(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	query := `
		INSERT INTO subscriptions (
			id, user_id, namespace, account_ref, identity, device_limit,
			enabled, expires_at, paid_until, status, terms_version,
			last_promo_at, last_synced_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW()
		)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(
		ctx,
		query,
		sub.ID,
		sub.UserID,
		sub.Namespace,
		sub.AccountRef,
		sub.Identity,
		sub.DeviceLimit,
		sub.Enabled,
		sub.ExpiresAt,
		sub.PaidUntil,
		string(sub.Status),
		sub.TermsVersion,
		sub.LastPromoAt,
		sub.LastSyncedAt,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return domain.Subscription{}, ErrDuplicate
		}
		return domain.Subscription{}, fmt.Errorf("failed to create subscription: %w", err)
	}

	return sub, nil
}

func (r *PostgresSubscriptionRepository) UpdateSyncState(ctx context.Context, id uuid.UUID, enabled bool, expiresAt *time.Time, status domain.SubscriptionStatus, syncedAt time.Time) error {
	query := `
		UPDATE subscriptions
		SET enabled = $1, expires_at = $2, status = $3, last_synced_at = $4, updated_at = NOW()
		WHERE id = $5
	`

	result, err := r.db.Exec(ctx, query, enabled, expiresAt, string(status), syncedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update subscription sync state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresSubscriptionRepository) RaisePaidUntil(ctx context.Context, id uuid.UUID, until time.Time) error {
	// Условное обновление: порог только растет
	query := `
		UPDATE subscriptions
		SET paid_until = $1, updated_at = NOW()
		WHERE id = $2 AND (paid_until IS NULL OR paid_until < $1)
	`

	if _, err := r.db.Exec(ctx, query, until, id); err != nil {
		return fmt.Errorf("failed to raise paid_until: %w", err)
	}
	return nil
}

func (r *PostgresSubscriptionRepository) SetPaidUntil(ctx context.Context, id uuid.UUID, until *time.Time) error {
	query := `UPDATE subscriptions SET paid_until = $1, updated_at = NOW() WHERE id = $2`

	result, err := r.db.Exec(ctx, query, until, id)
	if err != nil {
		return fmt.Errorf("failed to set paid_until: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresSubscriptionRepository) SetDeviceLimit(ctx context.Context, id uuid.UUID, limit int) error {
	query := `UPDATE subscriptions SET device_limit = $1, updated_at = NOW() WHERE id = $2`

	result, err := r.db.Exec(ctx, query, limit, id)
	if err != nil {
		return fmt.Errorf("failed to set device limit: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresSubscriptionRepository) SetAccountRef(ctx context.Context, id uuid.UUID, namespace, ref string) error {
	query := `UPDATE subscriptions SET namespace = $1, account_ref = $2, updated_at = NOW() WHERE id = $3`

	result, err := r.db.Exec(ctx, query, namespace, ref, id)
	if err != nil {
		return fmt.Errorf("failed to set account ref: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresSubscriptionRepository) SetTermsVersion(ctx context.Context, userID int64, version int) error {
	query := `UPDATE subscriptions SET terms_version = $1, updated_at = NOW() WHERE user_id = $2`

	result, err := r.db.Exec(ctx, query, version, userID)
	if err != nil {
		return fmt.Errorf("failed to set terms version: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresSubscriptionRepository) ListCandidates(ctx context.Context, cursor uuid.UUID, limit int, now time.Time) ([]domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE id > $1
		  AND (
			(status = 'active' AND enabled)
			OR expires_at IS NULL
			OR expires_at <= $2
			OR paid_until > $2
		  )
		ORDER BY id ASC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, cursor, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sweep candidates: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sweep candidates: %w", err)
	}
	return subs, nil
}

func (r *PostgresSubscriptionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
