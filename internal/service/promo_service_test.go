package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedeemAppliesBonus(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	svc := env.newPromoService(PromoConfig{})

	env.seedSubscription(400, nil)

	_, err := svc.CreatePromo(ctx, "SPRING25", 10, nil, nil)
	require.NoError(t, err)

	result, err := svc.Redeem(ctx, 400, "SPRING25")
	require.NoError(t, err)
	assert.Equal(t, domain.RedeemOutcomeApplied, result.Outcome)
	assert.Equal(t, 10, result.BonusDays)

	sub, err := env.subs.GetByUserID(ctx, 400)
	require.NoError(t, err)
	require.NotNil(t, sub.PaidUntil)
	assert.True(t, sub.PaidUntil.Equal(env.now.AddDate(0, 0, 10)))

	assert.Equal(t, 1, env.producer.published())
}

func TestRedeemNormalizesCode(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	svc := env.newPromoService(PromoConfig{})

	env.seedSubscription(401, nil)

	_, err := svc.CreatePromo(ctx, "  welcome7 ", 7, nil, nil)
	require.NoError(t, err)

	result, err := svc.Redeem(ctx, 401, " Welcome7 ")
	require.NoError(t, err)
	assert.Equal(t, domain.RedeemOutcomeApplied, result.Outcome)
}

func TestRedeemRequiresCurrentTerms(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	svc := env.newPromoService(PromoConfig{TermsVersion: 2})

	env.seedSubscription(402, nil)

	_, err := svc.CreatePromo(ctx, "TERMS10", 10, nil, nil)
	require.NoError(t, err)

	result, err := svc.Redeem(ctx, 402, "TERMS10")
	require.NoError(t, err)
	assert.Equal(t, domain.RedeemOutcomeTermsRequired, result.Outcome)
	assert.Equal(t, 0, env.producer.published())

	require.NoError(t, svc.AcceptTerms(ctx, 402))

	result, err = svc.Redeem(ctx, 402, "TERMS10")
	require.NoError(t, err)
	assert.Equal(t, domain.RedeemOutcomeApplied, result.Outcome)
}

func TestRedeemCooldownAllowsOnlyOneGrant(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	svc := env.newPromoService(PromoConfig{Cooldown: time.Hour})

	env.seedSubscription(403, nil)

	_, err := svc.CreatePromo(ctx, "FIRST5", 5, nil, nil)
	require.NoError(t, err)
	_, err = svc.CreatePromo(ctx, "SECOND5", 5, nil, nil)
	require.NoError(t, err)

	// Два разных кода наперегонки: кулдаун пропускает ровно один
	outcomes := make(chan domain.RedeemOutcome, 2)
	var wg sync.WaitGroup
	for _, code := range []string{"FIRST5", "SECOND5"} {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			result, err := svc.Redeem(ctx, 403, code)
			assert.NoError(t, err)
			outcomes <- result.Outcome
		}(code)
	}
	wg.Wait()
	close(outcomes)

	counts := make(map[domain.RedeemOutcome]int)
	for outcome := range outcomes {
		counts[outcome]++
	}
	assert.Equal(t, 1, counts[domain.RedeemOutcomeApplied])
	assert.Equal(t, 1, counts[domain.RedeemOutcomeCooldown])

	sub, err := env.subs.GetByUserID(ctx, 403)
	require.NoError(t, err)
	require.NotNil(t, sub.PaidUntil)
	assert.True(t, sub.PaidUntil.Equal(env.now.AddDate(0, 0, 5)))
	assert.Equal(t, 1, env.producer.published())
}

func TestRedeemCooldownExpires(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	svc := env.newPromoService(PromoConfig{Cooldown: time.Hour})

	env.seedSubscription(404, nil)

	_, err := svc.CreatePromo(ctx, "A3", 3, nil, nil)
	require.NoError(t, err)
	_, err = svc.CreatePromo(ctx, "B3", 3, nil, nil)
	require.NoError(t, err)

	result, err := svc.Redeem(ctx, 404, "A3")
	require.NoError(t, err)
	require.Equal(t, domain.RedeemOutcomeApplied, result.Outcome)

	result, err = svc.Redeem(ctx, 404, "B3")
	require.NoError(t, err)
	require.Equal(t, domain.RedeemOutcomeCooldown, result.Outcome)

	env.now = env.now.Add(2 * time.Hour)

	result, err = svc.Redeem(ctx, 404, "B3")
	require.NoError(t, err)
	assert.Equal(t, domain.RedeemOutcomeApplied, result.Outcome)
}

func TestRedeemAlreadyUsedWinsOverExpired(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	svc := env.newPromoService(PromoConfig{Cooldown: time.Hour})

	env.seedSubscription(405, nil)

	expiry := env.now.Add(time.Hour)
	_, err := svc.CreatePromo(ctx, "SHORT1", 1, nil, &expiry)
	require.NoError(t, err)

	result, err := svc.Redeem(ctx, 405, "SHORT1")
	require.NoError(t, err)
	require.Equal(t, domain.RedeemOutcomeApplied, result.Outcome)

	// Код успел истечь, но для этого пользователя он прежде всего уже
	// использован
	env.now = env.now.Add(3 * time.Hour)

	result, err = svc.Redeem(ctx, 405, "SHORT1")
	require.NoError(t, err)
	assert.Equal(t, domain.RedeemOutcomeAlreadyUsed, result.Outcome)
}

func TestRedeemHonorsUsageCap(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	svc := env.newPromoService(PromoConfig{})

	for i := int64(410); i < 415; i++ {
		env.seedSubscription(i, nil)
	}

	_, err := svc.CreatePromo(ctx, "CAP3", 5, ptrInt(3), nil)
	require.NoError(t, err)

	outcomes := make(chan domain.RedeemOutcome, 5)
	var wg sync.WaitGroup
	for i := int64(410); i < 415; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			result, err := svc.Redeem(ctx, userID, "CAP3")
			assert.NoError(t, err)
			outcomes <- result.Outcome
		}(i)
	}
	wg.Wait()
	close(outcomes)

	counts := make(map[domain.RedeemOutcome]int)
	for outcome := range outcomes {
		counts[outcome]++
	}
	assert.Equal(t, 3, counts[domain.RedeemOutcomeApplied])
	assert.Equal(t, 2, counts[domain.RedeemOutcomeExhausted])
	assert.Equal(t, 3, env.producer.published())
}

// staleCachingSubsRepo имитирует кеширующий декоратор: GetByUserID отдает
// снимок, снятый до активации промокода, пока кеш не инвалидирован
type staleCachingSubsRepo struct {
	*repository.InMemorySubscriptionRepository

	mu          sync.Mutex
	cached      map[int64]domain.Subscription
	invalidated []int64
}

func newStaleCachingSubsRepo(inner *repository.InMemorySubscriptionRepository) *staleCachingSubsRepo {
	return &staleCachingSubsRepo{
		InMemorySubscriptionRepository: inner,
		cached:                         make(map[int64]domain.Subscription),
	}
}

func (r *staleCachingSubsRepo) GetByUserID(ctx context.Context, userID int64) (domain.Subscription, error) {
	r.mu.Lock()
	sub, ok := r.cached[userID]
	r.mu.Unlock()
	if ok {
		return sub, nil
	}

	sub, err := r.InMemorySubscriptionRepository.GetByUserID(ctx, userID)
	if err != nil {
		return domain.Subscription{}, err
	}

	r.mu.Lock()
	r.cached[userID] = sub
	r.mu.Unlock()
	return sub, nil
}

func (r *staleCachingSubsRepo) InvalidateUser(ctx context.Context, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cached, userID)
	r.invalidated = append(r.invalidated, userID)
}

func TestRedeemInvalidatesSubscriptionCache(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	cachingSubs := newStaleCachingSubsRepo(env.subs)
	svc := NewPromoService(env.promos, cachingSubs, PromoConfig{}, env.producer, env.grants, env.log).(*promoService)
	svc.now = func() time.Time { return env.now }

	env.seedSubscription(407, nil)

	_, err := svc.CreatePromo(ctx, "BONUS10", 10, nil, nil)
	require.NoError(t, err)

	// Прогреваем кеш снимком без порога
	_, err = cachingSubs.GetByUserID(ctx, 407)
	require.NoError(t, err)

	result, err := svc.Redeem(ctx, 407, "BONUS10")
	require.NoError(t, err)
	require.Equal(t, domain.RedeemOutcomeApplied, result.Outcome)
	assert.Equal(t, []int64{407}, cachingSubs.invalidated)

	// Следующее чтение через кеш видит поднятый порог, а не снимок до
	// активации — иначе леджер закрепил бы цель платежа без бонусных дней
	sub, err := cachingSubs.GetByUserID(ctx, 407)
	require.NoError(t, err)
	require.NotNil(t, sub.PaidUntil)
	assert.True(t, sub.PaidUntil.Equal(env.now.AddDate(0, 0, 10)))

	// Не-applied итог кеш не трогает
	result, err = svc.Redeem(ctx, 407, "BONUS10")
	require.NoError(t, err)
	require.Equal(t, domain.RedeemOutcomeAlreadyUsed, result.Outcome)
	assert.Len(t, cachingSubs.invalidated, 1)
}

func TestPaymentAfterRedeemKeepsBonusDays(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	cachingSubs := newStaleCachingSubsRepo(env.subs)
	svc := NewPromoService(env.promos, cachingSubs, PromoConfig{}, env.producer, env.grants, env.log).(*promoService)
	svc.now = func() time.Time { return env.now }

	ledger := NewLedger(env.payments, cachingSubs, env.rec, nil, env.producer, env.grants, env.rec.limits, env.log).(*ledger)
	ledger.now = func() time.Time { return env.now }

	env.seedSubscription(408, nil)

	_, err := svc.CreatePromo(ctx, "PLUS10", 10, nil, nil)
	require.NoError(t, err)

	// Кеш прогрет до активации промокода
	_, err = cachingSubs.GetByUserID(ctx, 408)
	require.NoError(t, err)

	result, err := svc.Redeem(ctx, 408, "PLUS10")
	require.NoError(t, err)
	require.Equal(t, domain.RedeemOutcomeApplied, result.Outcome)

	payment, err := env.payments.Create(ctx, domain.Payment{
		ID:       uuid.New(),
		UserID:   408,
		Provider: "testpay",
		Type:     domain.PaymentTypeSubscription,
		PlanDays: 30,
		Status:   domain.PaymentStatusPending,
	})
	require.NoError(t, err)

	_, err = env.payments.MarkSucceeded(ctx, payment.ID)
	require.NoError(t, err)
	require.NoError(t, ledger.Apply(ctx, payment.ID))

	// Цель платежа считается от порога с бонусными днями промокода
	applied, err := env.payments.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	require.NotNil(t, applied.TargetExpiresAt)
	assert.True(t, applied.TargetExpiresAt.Equal(env.now.AddDate(0, 0, 40)))

	sub, err := env.subs.GetByUserID(ctx, 408)
	require.NoError(t, err)
	require.NotNil(t, sub.PaidUntil)
	assert.True(t, sub.PaidUntil.Equal(env.now.AddDate(0, 0, 40)))
}

func TestRedeemUnknownCode(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	svc := env.newPromoService(PromoConfig{})

	env.seedSubscription(406, nil)

	result, err := svc.Redeem(ctx, 406, "NOSUCHCODE")
	require.NoError(t, err)
	assert.Equal(t, domain.RedeemOutcomeNotFound, result.Outcome)
}

func TestCreatePromoValidation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	svc := env.newPromoService(PromoConfig{})

	_, err := svc.CreatePromo(ctx, "", 10, nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.CreatePromo(ctx, "ZERO", 0, nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.CreatePromo(ctx, "BADCAP", 10, ptrInt(0), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.CreatePromo(ctx, "DUP", 10, nil, nil)
	require.NoError(t, err)
	_, err = svc.CreatePromo(ctx, "dup", 10, nil, nil)
	assert.Error(t, err)
}
