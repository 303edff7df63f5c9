package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/internal/panel"
	"github.com/Dhoini/Subscription-microservice/internal/repository"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/google/uuid"
)

// ReconcilerLimits границы лимита устройств
type ReconcilerLimits struct {
	MinDevices int
	MaxDevices int
}

// Reconciler интерфейс сервиса сверки подписок с панелью.
// Панель авторитетна для живых полей аккаунта (enabled, expiresAt),
// локальное хранилище — для оплаченного порога и лимита устройств.
type Reconciler interface {
	// Ensure идемпотентно создает локальную строку и аккаунт панели,
	// если любого из них нет; конкурентные создатели сходятся через
	// перехват дубликата и перечитывание
	Ensure(ctx context.Context, userID int64, namespace, identity string) (domain.Subscription, error)

	// Reconcile сверяет одну подписку с панелью и возвращает свежий снимок
	Reconcile(ctx context.Context, userID int64) (domain.Subscription, error)

	// ReconcileWithAccount сверяет подписку с уже загруженным состоянием
	// аккаунта (nil = аккаунт в панели не найден). Используется свипером,
	// который забирает списки аккаунтов пачками.
	ReconcileWithAccount(ctx context.Context, sub domain.Subscription, account *panel.AccountState) (domain.Subscription, error)

	// SetFloorAndPush принудительно выставляет оплаченный порог и сразу
	// проталкивает его в панель (админские гранты)
	SetFloorAndPush(ctx context.Context, userID int64, until *time.Time, enabled bool) (domain.Subscription, error)

	// Delete удаляет аккаунт панели и локальную строку подписки
	Delete(ctx context.Context, userID int64) error
}

type reconciler struct {
	subs   repository.SubscriptionRepository
	panel  panel.Adapter
	limits ReconcilerLimits
	log    *logger.Logger
	now    func() time.Time
}

// NewReconciler создает новый сервис сверки
func NewReconciler(subs repository.SubscriptionRepository, adapter panel.Adapter, limits ReconcilerLimits, log *logger.Logger) Reconciler {
	return &reconciler{
		subs:   subs,
		panel:  adapter,
		limits: limits,
		log:    log,
		now:    time.Now,
	}
}

func (s *reconciler) Ensure(ctx context.Context, userID int64, namespace, identity string) (domain.Subscription, error) {
	sub, err := s.subs.GetByUserID(ctx, userID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return domain.Subscription{}, err
		}

		sub = domain.Subscription{
			ID:          uuid.New(),
			UserID:      userID,
			Namespace:   namespace,
			AccountRef:  uuid.NewString(),
			Identity:    identity,
			DeviceLimit: s.limits.MinDevices,
			Enabled:     true,
			Status:      domain.SubscriptionStatusDisabled,
		}

		created, err := s.subs.Create(ctx, sub)
		if err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				// Конкурентный создатель успел первым — берем его строку
				return s.subs.GetByUserID(ctx, userID)
			}
			return domain.Subscription{}, err
		}
		sub = created
	}

	account, err := s.panel.GetAccount(ctx, sub.Namespace, sub.AccountRef)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("%w: %v", domain.ErrPanelUnavailable, err)
	}
	if account == nil {
		limit := sub.DeviceLimit
		state := panel.AccountState{
			Ref:         sub.AccountRef,
			Identity:    sub.Identity,
			ExpiresAt:   sub.PaidUntil,
			Enabled:     true,
			DeviceLimit: &limit,
		}
		if err := s.panel.CreateAccount(ctx, sub.Namespace, state); err != nil {
			return domain.Subscription{}, fmt.Errorf("%w: %v", domain.ErrPanelUnavailable, err)
		}
		s.log.Infow("Panel account created", "userID", userID, "namespace", sub.Namespace, "ref", sub.AccountRef)
	}

	return sub, nil
}

func (s *reconciler) Reconcile(ctx context.Context, userID int64) (domain.Subscription, error) {
	sub, err := s.subs.GetByUserID(ctx, userID)
	if err != nil {
		return domain.Subscription{}, err
	}

	account, err := s.panel.GetAccount(ctx, sub.Namespace, sub.AccountRef)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("%w: %v", domain.ErrPanelUnavailable, err)
	}

	return s.ReconcileWithAccount(ctx, sub, account)
}

func (s *reconciler) ReconcileWithAccount(ctx context.Context, sub domain.Subscription, account *panel.AccountState) (domain.Subscription, error) {
	now := s.now()

	// Лимит устройств приводится в допустимый диапазон до любых сравнений
	clamped := domain.ClampDeviceLimit(sub.DeviceLimit, s.limits.MinDevices, s.limits.MaxDevices)
	if clamped != sub.DeviceLimit {
		if err := s.subs.SetDeviceLimit(ctx, sub.ID, clamped); err != nil {
			return domain.Subscription{}, err
		}
		sub.DeviceLimit = clamped
	}

	if account == nil {
		repaired, err := s.repairAccountRef(ctx, &sub)
		if err != nil {
			return domain.Subscription{}, err
		}
		account = repaired
	}

	panelExpires := account.ExpiresAt
	enabled := account.Enabled
	var patch panel.AccountPatch
	dirty := false

	// Локальный порог авторитетен, когда он впереди панели: подписка
	// становится видимой панели без отдельного шага "применить покупку"
	if sub.PaidUntil != nil && sub.PaidUntil.After(now) {
		if panelExpires == nil || sub.PaidUntil.After(*panelExpires) {
			until := *sub.PaidUntil
			on := true
			patch.ExpiresAt = &until
			patch.Enabled = &on
			panelExpires = &until
			enabled = true
			dirty = true
		}
	}

	// Локальный лимит устройств авторитетен
	if account.DeviceLimit == nil || *account.DeviceLimit != sub.DeviceLimit {
		limit := sub.DeviceLimit
		patch.DeviceLimit = &limit
		dirty = true
	}

	// Истекший аккаунт гасится в панели
	eff := domain.MaxTime(panelExpires, sub.PaidUntil)
	if eff != nil && !eff.After(now) && enabled {
		off := false
		patch.Enabled = &off
		enabled = false
		dirty = true
	}

	if dirty {
		if err := s.panel.ApplyAccountState(ctx, sub.Namespace, sub.AccountRef, patch); err != nil {
			return domain.Subscription{}, fmt.Errorf("%w: %v", domain.ErrPanelUnavailable, err)
		}
	}

	sub.Enabled = enabled
	sub.ExpiresAt = panelExpires
	sub.Status = sub.DeriveStatus(now)
	sub.LastSyncedAt = &now

	if err := s.subs.UpdateSyncState(ctx, sub.ID, sub.Enabled, sub.ExpiresAt, sub.Status, now); err != nil {
		return domain.Subscription{}, err
	}
	return sub, nil
}

// repairAccountRef чинит рассинхрон: локальная ссылка указывает на
// несуществующий аккаунт. Аккаунт ищется по стабильному внешнему
// идентификатору; если не найден и там — пересоздается заново.
func (s *reconciler) repairAccountRef(ctx context.Context, sub *domain.Subscription) (*panel.AccountState, error) {
	accounts, err := s.panel.ListAccounts(ctx, sub.Namespace)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPanelUnavailable, err)
	}

	for i := range accounts {
		if accounts[i].Identity == sub.Identity {
			if err := s.subs.SetAccountRef(ctx, sub.ID, sub.Namespace, accounts[i].Ref); err != nil {
				return nil, err
			}
			s.log.Warnw("Repaired stale panel account reference", "userID", sub.UserID, "oldRef", sub.AccountRef, "newRef", accounts[i].Ref)
			sub.AccountRef = accounts[i].Ref
			return &accounts[i], nil
		}
	}

	limit := sub.DeviceLimit
	state := panel.AccountState{
		Ref:         sub.AccountRef,
		Identity:    sub.Identity,
		ExpiresAt:   sub.PaidUntil,
		Enabled:     true,
		DeviceLimit: &limit,
	}
	if err := s.panel.CreateAccount(ctx, sub.Namespace, state); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPanelUnavailable, err)
	}
	s.log.Warnw("Recreated missing panel account", "userID", sub.UserID, "namespace", sub.Namespace, "ref", sub.AccountRef)
	return &state, nil
}

func (s *reconciler) SetFloorAndPush(ctx context.Context, userID int64, until *time.Time, enabled bool) (domain.Subscription, error) {
	sub, err := s.subs.GetByUserID(ctx, userID)
	if err != nil {
		return domain.Subscription{}, err
	}

	// Лимит устройств приводится в диапазон до отправки в панель
	clamped := domain.ClampDeviceLimit(sub.DeviceLimit, s.limits.MinDevices, s.limits.MaxDevices)
	if clamped != sub.DeviceLimit {
		if err := s.subs.SetDeviceLimit(ctx, sub.ID, clamped); err != nil {
			return domain.Subscription{}, err
		}
		sub.DeviceLimit = clamped
	}

	if err := s.subs.SetPaidUntil(ctx, sub.ID, until); err != nil {
		return domain.Subscription{}, err
	}
	sub.PaidUntil = until

	patch := panel.AccountPatch{
		Enabled:     &enabled,
		DeviceLimit: &clamped,
	}
	if until != nil {
		patch.ExpiresAt = until
	} else {
		// Отзыв гранта: нулевое время снимает срок и в панели, а не
		// только локально
		var clear time.Time
		patch.ExpiresAt = &clear
	}
	if err := s.panel.ApplyAccountState(ctx, sub.Namespace, sub.AccountRef, patch); err != nil {
		return domain.Subscription{}, fmt.Errorf("%w: %v", domain.ErrPanelUnavailable, err)
	}

	return s.Reconcile(ctx, userID)
}

func (s *reconciler) Delete(ctx context.Context, userID int64) error {
	sub, err := s.subs.GetByUserID(ctx, userID)
	if err != nil {
		return err
	}

	if err := s.panel.DeleteAccount(ctx, sub.Namespace, sub.AccountRef); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPanelUnavailable, err)
	}
	if err := s.subs.Delete(ctx, sub.ID); err != nil {
		return err
	}

	s.log.Infow("Subscription deleted", "userID", userID, "subscriptionID", sub.ID)
	return nil
}
