package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/internal/kafka"
	"github.com/Dhoini/Subscription-microservice/internal/metrics"
	"github.com/Dhoini/Subscription-microservice/internal/repository"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/google/uuid"
)

const redeemRetries = 3

// PromoConfig параметры активации промокодов
type PromoConfig struct {
	Cooldown     time.Duration
	TermsVersion int
}

// PromoService интерфейс сервиса промокодов
type PromoService interface {
	// Redeem активирует промокод для пользователя. Ошибки бизнес-логики
	// возвращаются как итог в RedeemResult, а не как error.
	Redeem(ctx context.Context, userID int64, code string) (domain.RedeemResult, error)

	// AcceptTerms отмечает принятие текущей версии условий
	AcceptTerms(ctx context.Context, userID int64) error

	// CreatePromo создает новый промокод (админская операция)
	CreatePromo(ctx context.Context, code string, bonusDays int, maxUses *int, expiresAt *time.Time) (domain.PromoCode, error)
}

type promoService struct {
	promos   repository.PromoRepository
	subs     repository.SubscriptionRepository
	cfg      PromoConfig
	producer kafka.Producer
	metrics  metrics.GrantMetrics
	log      *logger.Logger
	now      func() time.Time
}

// NewPromoService создает новый сервис промокодов
func NewPromoService(
	promos repository.PromoRepository,
	subs repository.SubscriptionRepository,
	cfg PromoConfig,
	producer kafka.Producer,
	m metrics.GrantMetrics,
	log *logger.Logger,
) PromoService {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Hour
	}
	return &promoService{
		promos:   promos,
		subs:     subs,
		cfg:      cfg,
		producer: producer,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// normalizeCode приводит код к каноническому виду для поиска
func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// subscriptionCacheInvalidator снимает кеш строки подписки после записи мимо
// интерфейса репозитория. Транзакция Redeem поднимает порог прямым SQL, и
// без снятия кеша сверка и леджер видели бы устаревший порог до конца TTL.
type subscriptionCacheInvalidator interface {
	InvalidateUser(ctx context.Context, userID int64)
}

func (s *promoService) Redeem(ctx context.Context, userID int64, code string) (domain.RedeemResult, error) {
	sub, err := s.subs.GetByUserID(ctx, userID)
	if err != nil {
		return domain.RedeemResult{}, err
	}

	// Предусловие вне транзакции: текущие условия должны быть приняты
	if sub.TermsVersion < s.cfg.TermsVersion {
		s.metrics.IncPromoOutcome(string(domain.RedeemOutcomeTermsRequired))
		return domain.RedeemResult{Outcome: domain.RedeemOutcomeTermsRequired}, nil
	}

	params := repository.RedeemParams{
		UserID:   userID,
		Code:     normalizeCode(code),
		Now:      s.now(),
		Cooldown: s.cfg.Cooldown,
	}

	var result domain.RedeemResult
	for attempt := 0; ; attempt++ {
		result, err = s.promos.Redeem(ctx, params)
		if err == nil {
			break
		}
		// Сериализуемая транзакция может не зафиксироваться под
		// конкурентной нагрузкой; такие сбои безопасно повторять
		if repository.IsSerializationFailure(err) && attempt < redeemRetries {
			s.log.Debugw("Redeem transaction serialization conflict, retrying", "userID", userID, "attempt", attempt+1)
			continue
		}
		if errors.Is(err, repository.ErrNotFound) {
			return domain.RedeemResult{}, err
		}
		return domain.RedeemResult{}, err
	}

	s.metrics.IncPromoOutcome(string(result.Outcome))

	if result.Outcome == domain.RedeemOutcomeApplied {
		// Порог записан в обход интерфейса подписок — кеш снимается до
		// того, как строку прочитают сверка или леджер
		if inv, ok := s.subs.(subscriptionCacheInvalidator); ok {
			inv.InvalidateUser(ctx, userID)
		}

		s.log.Infow("Promo code redeemed", "userID", userID, "code", params.Code, "bonusDays", result.BonusDays)

		if s.producer != nil {
			event := kafka.GrantEvent{
				UserID:         userID,
				SubscriptionID: sub.ID.String(),
				Source:         "promo",
				PromoCode:      params.Code,
				BonusDays:      result.BonusDays,
				PaidUntil:      result.PaidUntil,
			}
			if err := s.producer.PublishGrantEvent(ctx, kafka.TopicPromoRedeemed, event); err != nil {
				s.log.Warnw("Failed to publish promo redeemed event", "error", err, "userID", userID)
			}
		}
	}
	return result, nil
}

func (s *promoService) AcceptTerms(ctx context.Context, userID int64) error {
	if err := s.subs.SetTermsVersion(ctx, userID, s.cfg.TermsVersion); err != nil {
		return err
	}
	s.log.Infow("Terms accepted", "userID", userID, "version", s.cfg.TermsVersion)
	return nil
}

func (s *promoService) CreatePromo(ctx context.Context, code string, bonusDays int, maxUses *int, expiresAt *time.Time) (domain.PromoCode, error) {
	normalized := normalizeCode(code)
	if normalized == "" || bonusDays <= 0 {
		return domain.PromoCode{}, domain.ErrInvalidInput
	}
	if maxUses != nil && *maxUses <= 0 {
		return domain.PromoCode{}, domain.ErrInvalidInput
	}

	promo := domain.PromoCode{
		ID:        uuid.New(),
		Code:      normalized,
		BonusDays: bonusDays,
		MaxUses:   maxUses,
		ExpiresAt: expiresAt,
	}

	created, err := s.promos.CreatePromo(ctx, promo)
	if err != nil {
		return domain.PromoCode{}, err
	}

	s.log.Infow("Promo code created", "code", created.Code, "bonusDays", created.BonusDays)
	return created, nil
}
