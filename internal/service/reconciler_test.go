package service

import (
	"context"
	"testing"
	"time"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/internal/panel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcilePushesFloorToPanel(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	floor := env.now.AddDate(0, 0, 7)
	sub := env.seedSubscription(100, func(s *domain.Subscription) {
		s.PaidUntil = &floor
		s.ExpiresAt = nil
		s.Enabled = false
	})
	// Панель ничего не знает об оплате: аккаунт выключен и без срока
	env.panel.Seed(sub.Namespace, panel.AccountState{
		Ref:      sub.AccountRef,
		Identity: sub.Identity,
		Enabled:  false,
	})

	got, err := env.rec.Reconcile(ctx, 100)
	require.NoError(t, err)

	assert.Equal(t, domain.SubscriptionStatusActive, got.Status)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.EffectiveExpiresAt())
	assert.True(t, got.EffectiveExpiresAt().Equal(floor))

	account, ok := env.panel.Account(sub.Namespace, sub.AccountRef)
	require.True(t, ok)
	assert.True(t, account.Enabled)
	require.NotNil(t, account.ExpiresAt)
	assert.True(t, account.ExpiresAt.Equal(floor))
}

func TestReconcileDisablesExpiredAccount(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	expired := env.now.AddDate(0, 0, -1)
	sub := env.seedSubscription(101, func(s *domain.Subscription) {
		s.PaidUntil = nil
	})
	env.panel.Seed(sub.Namespace, panel.AccountState{
		Ref:       sub.AccountRef,
		Identity:  sub.Identity,
		ExpiresAt: &expired,
		Enabled:   true,
	})

	got, err := env.rec.Reconcile(ctx, 101)
	require.NoError(t, err)

	assert.Equal(t, domain.SubscriptionStatusExpired, got.Status)
	assert.False(t, got.Enabled)

	account, ok := env.panel.Account(sub.Namespace, sub.AccountRef)
	require.True(t, ok)
	assert.False(t, account.Enabled)
}

func TestReconcileClampsDeviceLimit(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	future := env.now.AddDate(0, 0, 30)
	sub := env.seedSubscription(102, func(s *domain.Subscription) {
		s.DeviceLimit = 99
		s.ExpiresAt = &future
	})

	got, err := env.rec.Reconcile(ctx, 102)
	require.NoError(t, err)
	assert.Equal(t, 10, got.DeviceLimit)

	account, _ := env.panel.Account(sub.Namespace, sub.AccountRef)
	require.NotNil(t, account.DeviceLimit)
	assert.Equal(t, 10, *account.DeviceLimit)
}

func TestReconcileRepairsStaleAccountRef(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	future := env.now.AddDate(0, 0, 10)
	sub := env.seedSubscription(103, func(s *domain.Subscription) {
		s.ExpiresAt = &future
	})

	// Панель знает этот же identity под другой ссылкой
	env.panel.DeleteAccount(ctx, sub.Namespace, sub.AccountRef)
	env.panel.Seed(sub.Namespace, panel.AccountState{
		Ref:       "other-ref",
		Identity:  sub.Identity,
		ExpiresAt: &future,
		Enabled:   true,
	})

	got, err := env.rec.Reconcile(ctx, 103)
	require.NoError(t, err)

	stored, err := env.subs.GetByUserID(ctx, 103)
	require.NoError(t, err)
	assert.Equal(t, "other-ref", stored.AccountRef)
	assert.Equal(t, domain.SubscriptionStatusActive, got.Status)
}

func TestReconcileRecreatesMissingAccount(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	floor := env.now.AddDate(0, 0, 5)
	sub := env.seedSubscription(104, func(s *domain.Subscription) {
		s.PaidUntil = &floor
	})

	// Аккаунта нет ни по ссылке, ни по identity
	env.panel.DeleteAccount(ctx, sub.Namespace, sub.AccountRef)

	got, err := env.rec.Reconcile(ctx, 104)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, got.Status)

	account, ok := env.panel.Account(sub.Namespace, sub.AccountRef)
	require.True(t, ok)
	assert.Equal(t, sub.Identity, account.Identity)
}

func TestEnsureIsIdempotent(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	first, err := env.rec.Ensure(ctx, 105, "1", "user105@test")
	require.NoError(t, err)
	assert.Equal(t, 1, first.DeviceLimit)

	second, err := env.rec.Ensure(ctx, 105, "1", "user105@test")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, ok := env.panel.Account("1", first.AccountRef)
	assert.True(t, ok)
}

func TestSetFloorAndPush(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	sub := env.seedSubscription(106, nil)

	until := env.now.AddDate(0, 0, 14)
	got, err := env.rec.SetFloorAndPush(ctx, 106, &until, true)
	require.NoError(t, err)

	require.NotNil(t, got.PaidUntil)
	assert.True(t, got.PaidUntil.Equal(until))
	assert.Equal(t, domain.SubscriptionStatusActive, got.Status)

	account, _ := env.panel.Account(sub.Namespace, sub.AccountRef)
	require.NotNil(t, account.ExpiresAt)
	assert.True(t, account.ExpiresAt.Equal(until))
}

func TestSetFloorAndPushRevokesGrant(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	floor := env.now.AddDate(0, 0, 30)
	sub := env.seedSubscription(108, func(s *domain.Subscription) {
		s.PaidUntil = &floor
		s.ExpiresAt = &floor
	})

	got, err := env.rec.SetFloorAndPush(ctx, 108, nil, false)
	require.NoError(t, err)

	assert.Nil(t, got.PaidUntil)
	assert.Equal(t, domain.SubscriptionStatusDisabled, got.Status)

	// Отзыв доходит до панели одним вызовом: срок снят, аккаунт выключен
	account, ok := env.panel.Account(sub.Namespace, sub.AccountRef)
	require.True(t, ok)
	assert.Nil(t, account.ExpiresAt)
	assert.False(t, account.Enabled)
}

func TestSetFloorAndPushClampsDeviceLimit(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	sub := env.seedSubscription(109, func(s *domain.Subscription) {
		s.DeviceLimit = 50
	})

	until := env.now.AddDate(0, 0, 7)
	got, err := env.rec.SetFloorAndPush(ctx, 109, &until, true)
	require.NoError(t, err)
	assert.Equal(t, 10, got.DeviceLimit)

	account, _ := env.panel.Account(sub.Namespace, sub.AccountRef)
	require.NotNil(t, account.DeviceLimit)
	assert.Equal(t, 10, *account.DeviceLimit)
	require.NotNil(t, account.ExpiresAt)
	assert.True(t, account.ExpiresAt.Equal(until))
}

func TestReconcileFloorInPastDoesNotPush(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	stale := env.now.Add(-time.Hour)
	future := env.now.AddDate(0, 0, 3)
	sub := env.seedSubscription(107, func(s *domain.Subscription) {
		s.PaidUntil = &stale
	})
	env.panel.Seed(sub.Namespace, panel.AccountState{
		Ref:       sub.AccountRef,
		Identity:  sub.Identity,
		ExpiresAt: &future,
		Enabled:   true,
	})

	got, err := env.rec.Reconcile(ctx, 107)
	require.NoError(t, err)

	// Просроченный порог не перетирает живой срок панели
	account, _ := env.panel.Account(sub.Namespace, sub.AccountRef)
	require.NotNil(t, account.ExpiresAt)
	assert.True(t, account.ExpiresAt.Equal(future))
	assert.Equal(t, domain.SubscriptionStatusActive, got.Status)
}
