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

// PaymentRepository интерфейс хранилища платежей. Все переходы состояния —
// условные обновления: ноль затронутых строк означает проигранную гонку
// или уже выполненный переход, и это штатный исход, а не ошибка.
type PaymentRepository interface {
	Create(ctx context.Context, payment domain.Payment) (domain.Payment, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Payment, error)
	GetByProviderID(ctx context.Context, provider, providerPaymentID string) (domain.Payment, error)
	SetProviderPaymentID(ctx context.Context, id uuid.UUID, providerPaymentID string) error

	// MarkSucceeded переводит pending -> succeeded; повторные доставки
	// вебхука после первой дают false
	MarkSucceeded(ctx context.Context, id uuid.UUID) (bool, error)

	// Claim захватывает платеж на обработку (processing_at), ровно один
	// вызывающий проходит дальше
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	// ReleaseClaim снимает маркер обработки, если эффект еще не применен,
	// открывая дорогу будущему повтору
	ReleaseClaim(ctx context.Context, id uuid.UUID) error

	// PinTarget фиксирует вычисленный результат платежа ровно один раз
	PinTarget(ctx context.Context, id uuid.UUID, targetExpiresAt *time.Time, targetDeviceLimit *int) error

	// MarkApplied отмечает платеж примененным ровно один раз
	MarkApplied(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	DeleteByUserID(ctx context.Context, userID int64) error
}

// InMemoryPaymentRepository реализация хранилища платежей в памяти
type InMemoryPaymentRepository struct {
	mu       sync.Mutex
	payments map[uuid.UUID]domain.Payment
	log      *logger.Logger
}

// NewInMemoryPaymentRepository создает новое хранилище платежей в памяти
func NewInMemoryPaymentRepository(log *logger.Logger) *InMemoryPaymentRepository {
	return &InMemoryPaymentRepository{
		payments: make(map[uuid.UUID]domain.Payment),
		log:      log,
	}
}

func (r *InMemoryPaymentRepository) Create(ctx context.Context, payment domain.Payment) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	payment.CreatedAt = time.Now()
	payment.UpdatedAt = payment.CreatedAt
	r.payments[payment.ID] = payment
	return payment, nil
}

func (r *InMemoryPaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	payment, ok := r.payments[id]
	if !ok {
		return domain.Payment{}, ErrNotFound
	}
	return payment, nil
}

func (r *InMemoryPaymentRepository) GetByProviderID(ctx context.Context, provider, providerPaymentID string) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, payment := range r.payments {
		if payment.Provider == provider && payment.ProviderPaymentID == providerPaymentID {
			return payment, nil
		}
	}
	return domain.Payment{}, ErrNotFound
}

func (r *InMemoryPaymentRepository) SetProviderPaymentID(ctx context.Context, id uuid.UUID, providerPaymentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	payment, ok := r.payments[id]
	if !ok {
		return ErrNotFound
	}

	payment.ProviderPaymentID = providerPaymentID
	payment.UpdatedAt = time.Now()
	r.payments[id] = payment
	return nil
}

func (r *InMemoryPaymentRepository) MarkSucceeded(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	payment, ok := r.payments[id]
	if !ok {
		return false, ErrNotFound
	}
	if payment.Status != domain.PaymentStatusPending {
		return false, nil
	}

	payment.Status = domain.PaymentStatusSucceeded
	payment.UpdatedAt = time.Now()
	r.payments[id] = payment
	return true, nil
}

func (r *InMemoryPaymentRepository) Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	payment, ok := r.payments[id]
	if !ok {
		return false, ErrNotFound
	}
	if payment.AppliedAt != nil || payment.ProcessingAt != nil {
		return false, nil
	}

	payment.ProcessingAt = &now
	payment.UpdatedAt = time.Now()
	r.payments[id] = payment
	return true, nil
}

func (r *InMemoryPaymentRepository) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	payment, ok := r.payments[id]
	if !ok {
		return ErrNotFound
	}
	if payment.AppliedAt != nil {
		return nil
	}

	payment.ProcessingAt = nil
	payment.UpdatedAt = time.Now()
	r.payments[id] = payment
	return nil
}

func (r *InMemoryPaymentRepository) PinTarget(ctx context.Context, id uuid.UUID, targetExpiresAt *time.Time, targetDeviceLimit *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	payment, ok := r.payments[id]
	if !ok {
		return ErrNotFound
	}

	// Результат фиксируется один раз; повтор после сбоя использует прежний
	if payment.TargetPinned() {
		return nil
	}

	payment.TargetExpiresAt = targetExpiresAt
	payment.TargetDeviceLimit = targetDeviceLimit
	payment.UpdatedAt = time.Now()
	r.payments[id] = payment
	return nil
}

func (r *InMemoryPaymentRepository) MarkApplied(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	payment, ok := r.payments[id]
	if !ok {
		return false, ErrNotFound
	}
	if payment.AppliedAt != nil {
		return false, nil
	}

	payment.AppliedAt = &now
	payment.ProcessingAt = nil
	payment.UpdatedAt = time.Now()
	r.payments[id] = payment
	return true, nil
}

func (r *InMemoryPaymentRepository) DeleteByUserID(ctx context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, payment := range r.payments {
		if payment.UserID == userID {
			delete(r.payments, id)
		}
	}
	return nil
}

// PostgresPaymentRepository реализация хранилища платежей через PostgreSQL
type PostgresPaymentRepository struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// NewPostgresPaymentRepository создает новое хранилище платежей через PostgreSQL
func NewPostgresPaymentRepository(db *pgxpool.Pool, log *logger.Logger) *PostgresPaymentRepository {
	return &PostgresPaymentRepository{
		db:  db,
		log: log,
	}
}

const paymentColumns = `
	id, user_id, provider, provider_payment_id, type, plan_days,
	device_slots, amount, currency, status, target_expires_at,
	target_device_limit, processing_at, applied_at, created_at, updated_at
`

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var payment domain.Payment
	var paymentType, status string

	err := row.Scan(
		&payment.ID,
		&payment.UserID,
		&payment.Provider,
		&payment.ProviderPaymentID,
		&paymentType,
		&payment.PlanDays,
		&payment.DeviceSlots,
		&payment.Amount,
		&payment.Currency,
		&status,
		&payment.TargetExpiresAt,
		&payment.TargetDeviceLimit,
		&payment.ProcessingAt,
		&payment.AppliedAt,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Payment{}, ErrNotFound
		}
		return domain.Payment{}, fmt.Errorf("failed to scan payment: %w", err)
	}

	payment.Type = domain.PaymentType(paymentType)
	payment.Status = domain.PaymentStatus(status)
	return payment, nil
}

func (r *PostgresPaymentRepository) Create(ctx context.Context, payment domain.Payment) (domain.Payment, error) {
	query := `
		INSERT INTO payments (
			id, user_id, provider, provider_payment_id, type, plan_days,
			device_slots, amount, currency, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW()
		)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(
		ctx,
		query,
		payment.ID,
		payment.UserID,
		payment.Provider,
		payment.ProviderPaymentID,
		string(payment.Type),
		payment.PlanDays,
		payment.DeviceSlots,
		payment.Amount,
		payment.Currency,
		string(payment.Status),
	).Scan(&payment.CreatedAt, &payment.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return domain.Payment{}, ErrDuplicate
		}
		return domain.Payment{}, fmt.Errorf("failed to create payment: %w", err)
	}

	return payment, nil
}

func (r *PostgresPaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return scanPayment(r.db.QueryRow(ctx, query, id))
}

func (r *PostgresPaymentRepository) GetByProviderID(ctx context.Context, provider, providerPaymentID string) (domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE provider = $1 AND provider_payment_id = $2`
	return scanPayment(r.db.QueryRow(ctx, query, provider, providerPaymentID))
}

func (r *PostgresPaymentRepository) SetProviderPaymentID(ctx context.Context, id uuid.UUID, providerPaymentID string) error {
	query := `UPDATE payments SET provider_payment_id = $1, updated_at = NOW() WHERE id = $2`

	result, err := r.db.Exec(ctx, query, providerPaymentID, id)
	if err != nil {
		return fmt.Errorf("failed to set provider payment id: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresPaymentRepository) MarkSucceeded(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE payments
		SET status = 'succeeded', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark payment succeeded: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

func (r *PostgresPaymentRepository) Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE payments
		SET processing_at = $1, updated_at = NOW()
		WHERE id = $2 AND applied_at IS NULL AND processing_at IS NULL
	`

	result, err := r.db.Exec(ctx, query, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim payment: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

func (r *PostgresPaymentRepository) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE payments
		SET processing_at = NULL, updated_at = NOW()
		WHERE id = $1 AND applied_at IS NULL
	`

	if _, err := r.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to release payment claim: %w", err)
	}
	return nil
}

func (r *PostgresPaymentRepository) PinTarget(ctx context.Context, id uuid.UUID, targetExpiresAt *time.Time, targetDeviceLimit *int) error {
	query := `
		UPDATE payments
		SET target_expires_at = $1, target_device_limit = $2, updated_at = NOW()
		WHERE id = $3 AND target_expires_at IS NULL AND target_device_limit IS NULL
	`

	if _, err := r.db.Exec(ctx, query, targetExpiresAt, targetDeviceLimit, id); err != nil {
		return fmt.Errorf("failed to pin payment target: %w", err)
	}
	return nil
}

func (r *PostgresPaymentRepository) MarkApplied(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE payments
		SET applied_at = $1, processing_at = NULL, updated_at = NOW()
		WHERE id = $2 AND applied_at IS NULL
	`

	result, err := r.db.Exec(ctx, query, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark payment applied: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

func (r *PostgresPaymentRepository) DeleteByUserID(ctx context.Context, userID int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM payments WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete payments: %w", err)
	}
	return nil
}
