package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/google/uuid"
)

// RedeemParams параметры транзакции активации промокода. Код уже
// нормализован на уровне сервиса.
type RedeemParams struct {
	UserID   int64
	Code     string
	Now      time.Time
	Cooldown time.Duration
}

// PromoRepository интерфейс хранилища промокодов. Redeem выполняет всю
// активацию одной атомарной транзакцией: либо применяются все эффекты
// (отметка использования, счетчик, кулдаун, поднятие порога), либо ни один.
type PromoRepository interface {
	CreatePromo(ctx context.Context, promo domain.PromoCode) (domain.PromoCode, error)
	GetByCode(ctx context.Context, code string) (domain.PromoCode, error)
	GetUse(ctx context.Context, promoID uuid.UUID, userID int64) (domain.PromoCodeUse, error)

	// Redeem возвращает итог активации. Не-applied итоги не оставляют
	// никаких следов в хранилище. Приоритет при нескольких причинах
	// отказа: already_used > expired > exhausted > cooldown.
	Redeem(ctx context.Context, params RedeemParams) (domain.RedeemResult, error)
}

// InMemoryPromoRepository реализация хранилища промокодов в памяти.
// Разделяет хранилище подписок, чтобы Redeem видел и менял кулдаун и
// оплаченный порог под одним мьютексом, как одна транзакция.
type InMemoryPromoRepository struct {
	mu     sync.Mutex
	promos map[uuid.UUID]domain.PromoCode
	uses   map[string]domain.PromoCodeUse
	subs   *InMemorySubscriptionRepository
	log    *logger.Logger
}

// NewInMemoryPromoRepository создает новое хранилище промокодов в памяти
func NewInMemoryPromoRepository(subs *InMemorySubscriptionRepository, log *logger.Logger) *InMemoryPromoRepository {
	return &InMemoryPromoRepository{
		promos: make(map[uuid.UUID]domain.PromoCode),
		uses:   make(map[string]domain.PromoCodeUse),
		subs:   subs,
		log:    log,
	}
}

func useKey(promoID uuid.UUID, userID int64) string {
	return fmt.Sprintf("%s:%d", promoID, userID)
}

func (r *InMemoryPromoRepository) CreatePromo(ctx context.Context, promo domain.PromoCode) (domain.PromoCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.promos {
		if existing.Code == promo.Code {
			return domain.PromoCode{}, ErrDuplicate
		}
	}

	promo.CreatedAt = time.Now()
	r.promos[promo.ID] = promo
	return promo, nil
}

func (r *InMemoryPromoRepository) GetByCode(ctx context.Context, code string) (domain.PromoCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	promo, err := r.getByCodeLocked(code)
	if err != nil {
		return domain.PromoCode{}, err
	}
	return promo, nil
}

func (r *InMemoryPromoRepository) getByCodeLocked(code string) (domain.PromoCode, error) {
	for _, promo := range r.promos {
		if promo.Code == code {
			return promo, nil
		}
	}
	return domain.PromoCode{}, ErrNotFound
}

func (r *InMemoryPromoRepository) GetUse(ctx context.Context, promoID uuid.UUID, userID int64) (domain.PromoCodeUse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	use, ok := r.uses[useKey(promoID, userID)]
	if !ok {
		return domain.PromoCodeUse{}, ErrNotFound
	}
	return use, nil
}

func (r *InMemoryPromoRepository) Redeem(ctx context.Context, params RedeemParams) (domain.RedeemResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Мьютекс подписок удерживается на всю транзакцию: кулдаун и порог
	// меняются атомарно вместе с отметкой использования
	r.subs.mu.Lock()
	defer r.subs.mu.Unlock()

	promo, err := r.getByCodeLocked(params.Code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return domain.RedeemResult{Outcome: domain.RedeemOutcomeNotFound}, nil
		}
		return domain.RedeemResult{}, err
	}

	if _, used := r.uses[useKey(promo.ID, params.UserID)]; used {
		return domain.RedeemResult{Outcome: domain.RedeemOutcomeAlreadyUsed}, nil
	}
	if promo.Expired(params.Now) {
		return domain.RedeemResult{Outcome: domain.RedeemOutcomeExpired}, nil
	}
	if promo.Exhausted() {
		return domain.RedeemResult{Outcome: domain.RedeemOutcomeExhausted}, nil
	}

	sub, err := r.subs.getByUserIDLocked(params.UserID)
	if err != nil {
		return domain.RedeemResult{}, err
	}

	ok, err := r.subs.reserveCooldownLocked(params.UserID, params.Now, params.Cooldown)
	if err != nil {
		return domain.RedeemResult{}, err
	}
	if !ok {
		return domain.RedeemResult{Outcome: domain.RedeemOutcomeCooldown}, nil
	}

	r.uses[useKey(promo.ID, params.UserID)] = domain.PromoCodeUse{
		PromoID:   promo.ID,
		UserID:    params.UserID,
		CreatedAt: params.Now,
	}
	promo.UsedCount++
	r.promos[promo.ID] = promo

	until := domain.NextPaidUntil(params.Now, sub.ExpiresAt, sub.PaidUntil, promo.BonusDays)
	if sub.PaidUntil == nil || until.After(*sub.PaidUntil) {
		stored := r.subs.subs[sub.ID]
		stored.PaidUntil = &until
		stored.UpdatedAt = time.Now()
		r.subs.subs[sub.ID] = stored
	}

	return domain.RedeemResult{
		Outcome:   domain.RedeemOutcomeApplied,
		BonusDays: promo.BonusDays,
		PaidUntil: &until,
	}, nil
}

// PostgresPromoRepository реализация хранилища промокодов через PostgreSQL
type PostgresPromoRepository struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// NewPostgresPromoRepository создает новое хранилище промокодов через PostgreSQL
func NewPostgresPromoRepository(db *pgxpool.Pool, log *logger.Logger) *PostgresPromoRepository {
	return &PostgresPromoRepository{
		db:  db,
		log: log,
	}
}

const promoColumns = `id, code, bonus_days, max_uses, used_count, expires_at, created_at`

func scanPromo(row pgx.Row) (domain.PromoCode, error) {
	var promo domain.PromoCode
	err := row.Scan(
		&promo.ID,
		&promo.Code,
		&promo.BonusDays,
		&promo.MaxUses,
		&promo.UsedCount,
		&promo.ExpiresAt,
		&promo.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PromoCode{}, ErrNotFound
		}
		return domain.PromoCode{}, fmt.Errorf("failed to scan promo code: %w", err)
	}
	return promo, nil
}

func (r *PostgresPromoRepository) CreatePromo(ctx context.Context, promo domain.PromoCode) (domain.PromoCode, error) {
	query := `
		INSERT INTO promo_codes (id, code, bonus_days, max_uses, used_count, expires_at, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, NOW())
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query, promo.ID, promo.Code, promo.BonusDays, promo.MaxUses, promo.ExpiresAt).
		Scan(&promo.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.PromoCode{}, ErrDuplicate
		}
		return domain.PromoCode{}, fmt.Errorf("failed to create promo code: %w", err)
	}
	return promo, nil
}

func (r *PostgresPromoRepository) GetByCode(ctx context.Context, code string) (domain.PromoCode, error) {
	query := `SELECT ` + promoColumns + ` FROM promo_codes WHERE code = $1`
	return scanPromo(r.db.QueryRow(ctx, query, code))
}

func (r *PostgresPromoRepository) GetUse(ctx context.Context, promoID uuid.UUID, userID int64) (domain.PromoCodeUse, error) {
	query := `SELECT promo_id, user_id, created_at FROM promo_code_uses WHERE promo_id = $1 AND user_id = $2`

	var use domain.PromoCodeUse
	err := r.db.QueryRow(ctx, query, promoID, userID).Scan(&use.PromoID, &use.UserID, &use.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PromoCodeUse{}, ErrNotFound
		}
		return domain.PromoCodeUse{}, fmt.Errorf("failed to get promo code use: %w", err)
	}
	return use, nil
}

func (r *PostgresPromoRepository) Redeem(ctx context.Context, params RedeemParams) (domain.RedeemResult, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return domain.RedeemResult{}, fmt.Errorf("failed to begin redeem transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	promo, err := scanPromo(tx.QueryRow(ctx, `SELECT `+promoColumns+` FROM promo_codes WHERE code = $1 FOR UPDATE`, params.Code))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return domain.RedeemResult{Outcome: domain.RedeemOutcomeNotFound}, nil
		}
		return domain.RedeemResult{}, err
	}

	var used bool
	err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM promo_code_uses WHERE promo_id = $1 AND user_id = $2)`, promo.ID, params.UserID).Scan(&used)
	if err != nil {
		return domain.RedeemResult{}, fmt.Errorf("failed to check promo code use: %w", err)
	}
	if used {
		return domain.RedeemResult{Outcome: domain.RedeemOutcomeAlreadyUsed}, nil
	}

	if promo.Expired(params.Now) {
		return domain.RedeemResult{Outcome: domain.RedeemOutcomeExpired}, nil
	}
	if promo.Exhausted() {
		return domain.RedeemResult{Outcome: domain.RedeemOutcomeExhausted}, nil
	}

	var subID uuid.UUID
	var expiresAt, paidUntil, lastPromoAt *time.Time
	err = tx.QueryRow(
		ctx,
		`SELECT id, expires_at, paid_until, last_promo_at FROM subscriptions WHERE user_id = $1 FOR UPDATE`,
		params.UserID,
	).Scan(&subID, &expiresAt, &paidUntil, &lastPromoAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RedeemResult{}, ErrNotFound
		}
		return domain.RedeemResult{}, fmt.Errorf("failed to lock subscription: %w", err)
	}

	// Глобальный кулдаун: одна успешная активация на пользователя за окно
	if lastPromoAt != nil && lastPromoAt.After(params.Now.Add(-params.Cooldown)) {
		return domain.RedeemResult{Outcome: domain.RedeemOutcomeCooldown}, nil
	}

	if _, err := tx.Exec(
		ctx,
		`INSERT INTO promo_code_uses (promo_id, user_id, created_at) VALUES ($1, $2, $3)`,
		promo.ID, params.UserID, params.Now,
	); err != nil {
		if isUniqueViolation(err) {
			return domain.RedeemResult{Outcome: domain.RedeemOutcomeAlreadyUsed}, nil
		}
		return domain.RedeemResult{}, fmt.Errorf("failed to record promo code use: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE promo_codes SET used_count = used_count + 1 WHERE id = $1`, promo.ID); err != nil {
		return domain.RedeemResult{}, fmt.Errorf("failed to increment promo code usage: %w", err)
	}

	until := domain.NextPaidUntil(params.Now, expiresAt, paidUntil, promo.BonusDays)
	if _, err := tx.Exec(
		ctx,
		`UPDATE subscriptions
		 SET paid_until = CASE WHEN paid_until IS NULL OR paid_until < $1 THEN $1 ELSE paid_until END,
		     last_promo_at = $2, updated_at = NOW()
		 WHERE id = $3`,
		until, params.Now, subID,
	); err != nil {
		return domain.RedeemResult{}, fmt.Errorf("failed to apply promo bonus: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.RedeemResult{}, fmt.Errorf("failed to commit redeem transaction: %w", err)
	}

	return domain.RedeemResult{
		Outcome:   domain.RedeemOutcomeApplied,
		BonusDays: promo.BonusDays,
		PaidUntil: &until,
	}, nil
}
