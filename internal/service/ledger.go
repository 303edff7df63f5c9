package service

import (
	"context"
	"errors"
	"time"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/internal/kafka"
	"github.com/Dhoini/Subscription-microservice/internal/metrics"
	"github.com/Dhoini/Subscription-microservice/internal/repository"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/google/uuid"
)

// PaymentProvider интерфейс платежного провайдера для создания платежа
type PaymentProvider interface {
	Name() string
	// CreatePayment регистрирует платеж у провайдера и возвращает его
	// внешний id и ссылку для подтверждения оплаты
	CreatePayment(ctx context.Context, payment domain.Payment) (providerPaymentID, confirmationURL string, err error)
}

// Ledger интерфейс леджера грантов: применяет эффект успешного платежа
// ровно один раз, независимо от числа повторных доставок вебхука.
type Ledger interface {
	// StartCheckout создает платеж и регистрирует его у провайдера
	StartCheckout(ctx context.Context, userID int64, req domain.CheckoutRequest) (domain.CheckoutResult, error)

	// HandleProviderEvent обрабатывает входящее событие провайдера.
	// Любое событие, кроме успешной оплаты известного платежа, молча
	// игнорируется.
	HandleProviderEvent(ctx context.Context, event domain.ProviderEvent) error

	// Apply применяет эффект успешного платежа. Безопасно вызывать
	// сколько угодно раз: ровно один вызывающий проходит за claim,
	// эффект фиксируется один раз через закрепленную цель.
	Apply(ctx context.Context, paymentID uuid.UUID) error
}

type ledger struct {
	payments   repository.PaymentRepository
	subs       repository.SubscriptionRepository
	reconciler Reconciler
	provider   PaymentProvider
	producer   kafka.Producer
	metrics    metrics.GrantMetrics
	limits     ReconcilerLimits
	log        *logger.Logger
	now        func() time.Time
}

// NewLedger создает новый леджер грантов. Провайдер и продюсер могут
// быть nil: без провайдера StartCheckout возвращает ошибку конфигурации,
// без продюсера уведомления просто не отправляются.
func NewLedger(
	payments repository.PaymentRepository,
	subs repository.SubscriptionRepository,
	rec Reconciler,
	provider PaymentProvider,
	producer kafka.Producer,
	m metrics.GrantMetrics,
	limits ReconcilerLimits,
	log *logger.Logger,
) Ledger {
	return &ledger{
		payments:   payments,
		subs:       subs,
		reconciler: rec,
		provider:   provider,
		producer:   producer,
		metrics:    m,
		limits:     limits,
		log:        log,
		now:        time.Now,
	}
}

func (s *ledger) StartCheckout(ctx context.Context, userID int64, req domain.CheckoutRequest) (domain.CheckoutResult, error) {
	if s.provider == nil {
		return domain.CheckoutResult{}, domain.ErrNoProviderConfigured
	}

	sub, err := s.subs.GetByUserID(ctx, userID)
	if err != nil {
		return domain.CheckoutResult{}, err
	}

	switch req.Type {
	case domain.PaymentTypeSubscription:
		if req.PlanDays <= 0 {
			return domain.CheckoutResult{}, domain.ErrInvalidInput
		}
	case domain.PaymentTypeDeviceSlot:
		if req.DeviceSlots <= 0 {
			return domain.CheckoutResult{}, domain.ErrInvalidInput
		}
		if sub.DeviceLimit >= s.limits.MaxDevices {
			return domain.CheckoutResult{}, domain.ErrDeviceLimitReached
		}
	default:
		return domain.CheckoutResult{}, domain.ErrInvalidInput
	}

	payment := domain.Payment{
		ID:          uuid.New(),
		UserID:      userID,
		Provider:    s.provider.Name(),
		Type:        req.Type,
		PlanDays:    req.PlanDays,
		DeviceSlots: req.DeviceSlots,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Status:      domain.PaymentStatusPending,
	}

	payment, err = s.payments.Create(ctx, payment)
	if err != nil {
		return domain.CheckoutResult{}, err
	}

	providerPaymentID, confirmationURL, err := s.provider.CreatePayment(ctx, payment)
	if err != nil {
		s.log.Errorw("Failed to create provider payment", "error", err, "paymentID", payment.ID)
		return domain.CheckoutResult{}, err
	}

	if err := s.payments.SetProviderPaymentID(ctx, payment.ID, providerPaymentID); err != nil {
		return domain.CheckoutResult{}, err
	}

	s.log.Infow("Checkout started", "paymentID", payment.ID, "userID", userID, "type", payment.Type)
	return domain.CheckoutResult{
		PaymentID:       payment.ID,
		ConfirmationURL: confirmationURL,
	}, nil
}

func (s *ledger) HandleProviderEvent(ctx context.Context, event domain.ProviderEvent) error {
	s.metrics.IncWebhookReceived(event.Provider)

	if !event.Succeeded() {
		s.metrics.IncWebhookIgnored(event.Provider, "status")
		s.log.Debugw("Ignoring provider event with non-success status", "provider", event.Provider, "status", event.Status)
		return nil
	}

	payment, err := s.payments.GetByProviderID(ctx, event.Provider, event.ProviderPaymentID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		// Запасной путь: локальный id платежа в метаданных провайдера
		id, ok := event.MetadataPaymentID()
		if !ok {
			s.metrics.IncWebhookIgnored(event.Provider, "unknown_payment")
			s.log.Warnw("Provider event for unknown payment", "provider", event.Provider, "providerPaymentID", event.ProviderPaymentID)
			return nil
		}
		payment, err = s.payments.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				s.metrics.IncWebhookIgnored(event.Provider, "unknown_payment")
				return nil
			}
			return err
		}
	}

	// Повторные доставки после первой здесь превращаются в no-op
	transitioned, err := s.payments.MarkSucceeded(ctx, payment.ID)
	if err != nil {
		return err
	}
	if !transitioned {
		s.log.Debugw("Duplicate provider event, payment already succeeded", "paymentID", payment.ID)
	}

	return s.Apply(ctx, payment.ID)
}

func (s *ledger) Apply(ctx context.Context, paymentID uuid.UUID) error {
	started := time.Now()
	now := s.now()

	payment, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment.Status != domain.PaymentStatusSucceeded {
		return nil
	}
	if payment.AppliedAt != nil {
		return nil
	}

	// Единственные ворота exactly-once: за claim проходит ровно один
	claimed, err := s.payments.Claim(ctx, payment.ID, now)
	if err != nil {
		return err
	}
	if !claimed {
		s.log.Debugw("Payment already claimed or applied", "paymentID", payment.ID)
		return nil
	}

	// Claim снимается всегда: если эффект не зафиксирован, платеж
	// останется доступным для повторной попытки
	defer func() {
		if err := s.payments.ReleaseClaim(context.WithoutCancel(ctx), payment.ID); err != nil {
			s.log.Errorw("Failed to release payment claim", "error", err, "paymentID", payment.ID)
		}
	}()

	sub, err := s.subs.GetByUserID(ctx, payment.UserID)
	if err != nil {
		return err
	}

	if payment.TargetPinned() {
		// Цель уже закреплена прошлой неудачной попыткой
		s.metrics.IncPaymentRetried()
	} else {
		var targetExpires *time.Time
		var targetLimit *int

		switch payment.Type {
		case domain.PaymentTypeSubscription:
			until := domain.NextPaidUntil(now, sub.ExpiresAt, sub.PaidUntil, payment.PlanDays)
			targetExpires = &until
		case domain.PaymentTypeDeviceSlot:
			limit := domain.ClampDeviceLimit(sub.DeviceLimit+payment.DeviceSlots, s.limits.MinDevices, s.limits.MaxDevices)
			targetLimit = &limit
		default:
			return domain.ErrInvalidInput
		}

		// Цель закрепляется один раз: повтор после сбоя использует
		// прежнюю цель, а не пересчитывает ее от ушедшего вперед состояния
		if err := s.payments.PinTarget(ctx, payment.ID, targetExpires, targetLimit); err != nil {
			return err
		}
	}

	payment, err = s.payments.GetByID(ctx, payment.ID)
	if err != nil {
		return err
	}
	if payment.TargetExpiresAt == nil && payment.TargetDeviceLimit == nil {
		return errors.New("payment target not pinned")
	}

	if payment.TargetExpiresAt != nil {
		if err := s.subs.RaisePaidUntil(ctx, sub.ID, *payment.TargetExpiresAt); err != nil {
			return err
		}
	}
	if payment.TargetDeviceLimit != nil {
		if err := s.subs.SetDeviceLimit(ctx, sub.ID, *payment.TargetDeviceLimit); err != nil {
			return err
		}
	}

	// Сверка проталкивает новый порог в панель
	reconciled, err := s.reconciler.Reconcile(ctx, payment.UserID)
	if err != nil {
		s.log.Errorw("Failed to push payment effect to panel, will retry later", "error", err, "paymentID", payment.ID)
		return err
	}

	applied, err := s.payments.MarkApplied(ctx, payment.ID, s.now())
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	s.metrics.IncPaymentApplied(string(payment.Type))
	s.metrics.ObserveApplyDuration(time.Since(started).Seconds())
	s.log.Infow("Payment effect applied", "paymentID", payment.ID, "userID", payment.UserID, "type", payment.Type)

	// Уведомление уходит не более одного раза — только победителю MarkApplied
	if s.producer != nil {
		event := kafka.GrantEvent{
			UserID:         payment.UserID,
			SubscriptionID: sub.ID.String(),
			Source:         "payment",
			PaymentID:      payment.ID.String(),
			PaidUntil:      reconciled.PaidUntil,
		}
		if err := s.producer.PublishGrantEvent(ctx, kafka.TopicPaymentApplied, event); err != nil {
			s.log.Warnw("Failed to publish payment applied event", "error", err, "paymentID", payment.ID)
		}
	}
	return nil
}
