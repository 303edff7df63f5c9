package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/internal/panel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickReconcilesAllCandidates(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sw := env.newSweeper(SweeperConfig{})

	floor := env.now.AddDate(0, 0, 7)
	subs := make([]domain.Subscription, 0, 3)
	for i := int64(300); i < 303; i++ {
		sub := env.seedSubscription(i, func(s *domain.Subscription) {
			s.PaidUntil = &floor
		})
		// Панель отстала: аккаунт без срока и выключен
		env.panel.Seed(sub.Namespace, panel.AccountState{
			Ref:      sub.AccountRef,
			Identity: sub.Identity,
			Enabled:  false,
		})
		subs = append(subs, sub)
	}

	require.True(t, sw.Tick(ctx))

	for _, sub := range subs {
		account, ok := env.panel.Account(sub.Namespace, sub.AccountRef)
		require.True(t, ok)
		assert.True(t, account.Enabled)
		require.NotNil(t, account.ExpiresAt)
		assert.True(t, account.ExpiresAt.Equal(floor))
	}

	// Список пространства забирается один раз на тик, не по разу на подписку
	assert.Equal(t, 1, env.panel.ListCalls["1"])
}

func TestOverlappingTickIsDropped(t *testing.T) {
	env := newTestEnv()
	sw := env.newSweeper(SweeperConfig{})

	sw.ticking.Lock()
	assert.False(t, sw.Tick(context.Background()))
	sw.ticking.Unlock()

	assert.True(t, sw.Tick(context.Background()))
}

func TestTickDisablesBlockedAccounts(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sw := env.newSweeper(SweeperConfig{})

	future := env.now.AddDate(0, 0, 30)
	sub := env.seedSubscription(304, func(s *domain.Subscription) {
		s.ExpiresAt = &future
	})

	require.NoError(t, env.blocklist.Add(ctx, sub.Identity, "chargeback"))

	require.True(t, sw.Tick(ctx))

	account, ok := env.panel.Account(sub.Namespace, sub.AccountRef)
	require.True(t, ok)
	assert.False(t, account.Enabled)
}

func TestTickRepairsMissingAccount(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sw := env.newSweeper(SweeperConfig{})

	floor := env.now.AddDate(0, 0, 3)
	sub := env.seedSubscription(305, func(s *domain.Subscription) {
		s.PaidUntil = &floor
	})
	require.NoError(t, env.panel.DeleteAccount(ctx, sub.Namespace, sub.AccountRef))

	require.True(t, sw.Tick(ctx))

	account, ok := env.panel.Account(sub.Namespace, sub.AccountRef)
	require.True(t, ok)
	assert.Equal(t, sub.Identity, account.Identity)
	assert.True(t, account.Enabled)
}

func TestTickLeavesNamespaceAloneOnListFailure(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sw := env.newSweeper(SweeperConfig{})

	floor := env.now.AddDate(0, 0, 7)
	sub := env.seedSubscription(306, func(s *domain.Subscription) {
		s.PaidUntil = &floor
	})
	env.panel.Seed(sub.Namespace, panel.AccountState{
		Ref:      sub.AccountRef,
		Identity: sub.Identity,
		Enabled:  false,
	})

	env.panel.FailList = errors.New("panel down")

	// Тик завершается, но чужие ошибки не трогают локальный снимок
	require.True(t, sw.Tick(ctx))

	account, _ := env.panel.Account(sub.Namespace, sub.AccountRef)
	assert.False(t, account.Enabled)
	assert.Nil(t, account.ExpiresAt)
}

func TestSweeperConfigDefaults(t *testing.T) {
	env := newTestEnv()
	sw := env.newSweeper(SweeperConfig{Interval: time.Second})

	assert.Equal(t, minSweepInterval, sw.cfg.Interval)
	assert.Equal(t, 100, sw.cfg.BatchSize)
	assert.Equal(t, 10, sw.cfg.MaxBatches)
	assert.Equal(t, 2, sw.cfg.NamespaceWorkers)
	assert.Equal(t, 10, sw.cfg.UpdateWorkers)
}
