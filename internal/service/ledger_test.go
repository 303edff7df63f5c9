package service

import (
	"context"
	"errors"
	"testing"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	fail  error
	calls int
}

func (p *fakeProvider) Name() string { return "testpay" }

func (p *fakeProvider) CreatePayment(ctx context.Context, payment domain.Payment) (string, string, error) {
	p.calls++
	if p.fail != nil {
		return "", "", p.fail
	}
	return "prov-" + payment.ID.String(), "https://pay.test/" + payment.ID.String(), nil
}

func TestHandleProviderEventAppliesExactlyOnce(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	provider := &fakeProvider{}
	ledger := env.newLedger(provider)

	env.seedSubscription(200, nil)

	result, err := ledger.StartCheckout(ctx, 200, domain.CheckoutRequest{
		Type:     domain.PaymentTypeSubscription,
		PlanDays: 30,
		Amount:   999,
		Currency: "USD",
	})
	require.NoError(t, err)

	payment, err := env.payments.GetByID(ctx, result.PaymentID)
	require.NoError(t, err)

	event := domain.ProviderEvent{
		Provider:          provider.Name(),
		ProviderPaymentID: payment.ProviderPaymentID,
		Status:            "succeeded",
	}

	// Провайдер доставляет вебхук пять раз
	for i := 0; i < 5; i++ {
		require.NoError(t, ledger.HandleProviderEvent(ctx, event))
	}

	sub, err := env.subs.GetByUserID(ctx, 200)
	require.NoError(t, err)
	require.NotNil(t, sub.PaidUntil)
	assert.True(t, sub.PaidUntil.Equal(env.now.AddDate(0, 0, 30)))

	applied, err := env.payments.GetByID(ctx, result.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, applied.Status)
	assert.NotNil(t, applied.AppliedAt)
	assert.Nil(t, applied.ProcessingAt)

	assert.Equal(t, 1, env.producer.published())
}

func TestApplyRetryUsesPinnedTarget(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	ledger := env.newLedger(&fakeProvider{})

	floor := env.now.AddDate(0, 0, 5)
	env.seedSubscription(201, func(s *domain.Subscription) {
		s.PaidUntil = &floor
	})

	payment, err := env.payments.Create(ctx, domain.Payment{
		ID:       uuid.New(),
		UserID:   201,
		Provider: "testpay",
		Type:     domain.PaymentTypeSubscription,
		PlanDays: 30,
		Status:   domain.PaymentStatusPending,
	})
	require.NoError(t, err)

	transitioned, err := env.payments.MarkSucceeded(ctx, payment.ID)
	require.NoError(t, err)
	require.True(t, transitioned)

	// Первая попытка падает на панели уже после поднятия локального порога
	env.panel.FailApply = errors.New("panel down")
	err = ledger.Apply(ctx, payment.ID)
	require.Error(t, err)
	assert.Equal(t, 0, env.producer.published())

	want := floor.AddDate(0, 0, 30)

	pinned, err := env.payments.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Nil(t, pinned.AppliedAt)
	assert.Nil(t, pinned.ProcessingAt)
	require.NotNil(t, pinned.TargetExpiresAt)
	assert.True(t, pinned.TargetExpiresAt.Equal(want))

	// Повтор сходится к закрепленной цели, а не добавляет еще 30 дней
	// поверх уже поднятого порога
	env.panel.FailApply = nil
	require.NoError(t, ledger.Apply(ctx, payment.ID))

	sub, err := env.subs.GetByUserID(ctx, 201)
	require.NoError(t, err)
	require.NotNil(t, sub.PaidUntil)
	assert.True(t, sub.PaidUntil.Equal(want))

	assert.Equal(t, 1, env.producer.published())

	// Дальнейшие вызовы — no-op
	require.NoError(t, ledger.Apply(ctx, payment.ID))
	assert.Equal(t, 1, env.producer.published())
}

func TestApplyDeviceSlotClampsLimit(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	ledger := env.newLedger(&fakeProvider{})

	future := env.now.AddDate(0, 0, 30)
	env.seedSubscription(202, func(s *domain.Subscription) {
		s.DeviceLimit = 9
		s.ExpiresAt = &future
	})

	payment, err := env.payments.Create(ctx, domain.Payment{
		ID:          uuid.New(),
		UserID:      202,
		Provider:    "testpay",
		Type:        domain.PaymentTypeDeviceSlot,
		DeviceSlots: 5,
		Status:      domain.PaymentStatusPending,
	})
	require.NoError(t, err)

	_, err = env.payments.MarkSucceeded(ctx, payment.ID)
	require.NoError(t, err)
	require.NoError(t, ledger.Apply(ctx, payment.ID))

	sub, err := env.subs.GetByUserID(ctx, 202)
	require.NoError(t, err)
	assert.Equal(t, 10, sub.DeviceLimit)
}

func TestStartCheckoutPreconditions(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.seedSubscription(203, func(s *domain.Subscription) {
		s.DeviceLimit = 10
	})

	t.Run("no provider configured", func(t *testing.T) {
		ledger := env.newLedger(nil)
		_, err := ledger.StartCheckout(ctx, 203, domain.CheckoutRequest{
			Type:     domain.PaymentTypeSubscription,
			PlanDays: 30,
		})
		assert.ErrorIs(t, err, domain.ErrNoProviderConfigured)
	})

	t.Run("device limit already at maximum", func(t *testing.T) {
		ledger := env.newLedger(&fakeProvider{})
		_, err := ledger.StartCheckout(ctx, 203, domain.CheckoutRequest{
			Type:        domain.PaymentTypeDeviceSlot,
			DeviceSlots: 1,
		})
		assert.ErrorIs(t, err, domain.ErrDeviceLimitReached)
	})

	t.Run("invalid plan", func(t *testing.T) {
		ledger := env.newLedger(&fakeProvider{})
		_, err := ledger.StartCheckout(ctx, 203, domain.CheckoutRequest{
			Type:     domain.PaymentTypeSubscription,
			PlanDays: 0,
		})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestHandleProviderEventIgnoresNoise(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	ledger := env.newLedger(&fakeProvider{})

	env.seedSubscription(204, nil)

	// Неуспешный статус и неизвестный платеж не считаются ошибками:
	// провайдеру не за чем передоставлять такие события
	require.NoError(t, ledger.HandleProviderEvent(ctx, domain.ProviderEvent{
		Provider: "testpay",
		Status:   "failed",
	}))
	require.NoError(t, ledger.HandleProviderEvent(ctx, domain.ProviderEvent{
		Provider:          "testpay",
		ProviderPaymentID: "prov-unknown",
		Status:            "succeeded",
	}))

	sub, err := env.subs.GetByUserID(ctx, 204)
	require.NoError(t, err)
	assert.Nil(t, sub.PaidUntil)
	assert.Equal(t, 0, env.producer.published())
}

func TestHandleProviderEventMetadataFallback(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	ledger := env.newLedger(&fakeProvider{})

	env.seedSubscription(205, nil)

	// Платеж без внешнего id: провайдер так и не вернул его при checkout
	payment, err := env.payments.Create(ctx, domain.Payment{
		ID:       uuid.New(),
		UserID:   205,
		Provider: "testpay",
		Type:     domain.PaymentTypeSubscription,
		PlanDays: 7,
		Status:   domain.PaymentStatusPending,
	})
	require.NoError(t, err)

	require.NoError(t, ledger.HandleProviderEvent(ctx, domain.ProviderEvent{
		Provider:          "testpay",
		ProviderPaymentID: "prov-detached",
		Status:            "succeeded",
		Metadata:          map[string]string{"payment_id": payment.ID.String()},
	}))

	sub, err := env.subs.GetByUserID(ctx, 205)
	require.NoError(t, err)
	require.NotNil(t, sub.PaidUntil)
	assert.True(t, sub.PaidUntil.Equal(env.now.AddDate(0, 0, 7)))
}
