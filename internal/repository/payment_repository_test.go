package repository

import (
	"context"
	"testing"
	"time"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPaymentRepo() *InMemoryPaymentRepository {
	return NewInMemoryPaymentRepository(logger.New(logger.ERROR))
}

func seedPayment(t *testing.T, repo *InMemoryPaymentRepository) domain.Payment {
	t.Helper()

	payment, err := repo.Create(context.Background(), domain.Payment{
		ID:       uuid.New(),
		UserID:   1,
		Provider: "testpay",
		Type:     domain.PaymentTypeSubscription,
		PlanDays: 30,
		Status:   domain.PaymentStatusPending,
	})
	require.NoError(t, err)
	return payment
}

func TestMarkSucceededOnlyOnce(t *testing.T) {
	repo := newPaymentRepo()
	ctx := context.Background()
	payment := seedPayment(t, repo)

	transitioned, err := repo.MarkSucceeded(ctx, payment.ID)
	require.NoError(t, err)
	assert.True(t, transitioned)

	transitioned, err = repo.MarkSucceeded(ctx, payment.ID)
	require.NoError(t, err)
	assert.False(t, transitioned)
}

func TestClaimIsExclusive(t *testing.T) {
	repo := newPaymentRepo()
	ctx := context.Background()
	payment := seedPayment(t, repo)
	now := time.Now()

	claimed, err := repo.Claim(ctx, payment.ID, now)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Второй claim не проходит, пока первый не снят
	claimed, err = repo.Claim(ctx, payment.ID, now)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, repo.ReleaseClaim(ctx, payment.ID))

	claimed, err = repo.Claim(ctx, payment.ID, now)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimRefusedAfterApply(t *testing.T) {
	repo := newPaymentRepo()
	ctx := context.Background()
	payment := seedPayment(t, repo)
	now := time.Now()

	applied, err := repo.MarkApplied(ctx, payment.ID, now)
	require.NoError(t, err)
	require.True(t, applied)

	claimed, err := repo.Claim(ctx, payment.ID, now)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestPinTargetKeepsFirstValue(t *testing.T) {
	repo := newPaymentRepo()
	ctx := context.Background()
	payment := seedPayment(t, repo)

	first := time.Now().AddDate(0, 0, 30)
	require.NoError(t, repo.PinTarget(ctx, payment.ID, &first, nil))

	// Повторное закрепление не перезаписывает цель
	second := first.AddDate(0, 0, 30)
	require.NoError(t, repo.PinTarget(ctx, payment.ID, &second, nil))

	got, err := repo.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TargetExpiresAt)
	assert.True(t, got.TargetExpiresAt.Equal(first))
}

func TestMarkAppliedOnlyOnce(t *testing.T) {
	repo := newPaymentRepo()
	ctx := context.Background()
	payment := seedPayment(t, repo)
	now := time.Now()

	claimed, err := repo.Claim(ctx, payment.ID, now)
	require.NoError(t, err)
	require.True(t, claimed)

	applied, err := repo.MarkApplied(ctx, payment.ID, now)
	require.NoError(t, err)
	assert.True(t, applied)

	// Применение снимает маркер обработки
	got, err := repo.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ProcessingAt)
	assert.NotNil(t, got.AppliedAt)

	applied, err = repo.MarkApplied(ctx, payment.ID, now)
	require.NoError(t, err)
	assert.False(t, applied)

	// ReleaseClaim после применения ничего не ломает
	require.NoError(t, repo.ReleaseClaim(ctx, payment.ID))
	got, err = repo.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.AppliedAt)
}

func TestGetByProviderID(t *testing.T) {
	repo := newPaymentRepo()
	ctx := context.Background()
	payment := seedPayment(t, repo)

	require.NoError(t, repo.SetProviderPaymentID(ctx, payment.ID, "prov-42"))

	got, err := repo.GetByProviderID(ctx, "testpay", "prov-42")
	require.NoError(t, err)
	assert.Equal(t, payment.ID, got.ID)

	_, err = repo.GetByProviderID(ctx, "testpay", "prov-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
