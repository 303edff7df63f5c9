package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus статус подписки
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusExpired  SubscriptionStatus = "expired"
	SubscriptionStatusDisabled SubscriptionStatus = "disabled"
)

// Subscription представляет собой локальный снимок подписки пользователя.
// Поля Enabled и ExpiresAt зеркалируют состояние аккаунта в панели,
// PaidUntil — локальный оплаченный порог, который панель может еще не отражать.
type Subscription struct {
	ID           uuid.UUID          `json:"id"`
	UserID       int64              `json:"user_id"`
	Namespace    string             `json:"namespace"`
	AccountRef   string             `json:"account_ref"`
	Identity     string             `json:"identity"`
	DeviceLimit  int                `json:"device_limit"`
	Enabled      bool               `json:"enabled"`
	ExpiresAt    *time.Time         `json:"expires_at,omitempty"`
	PaidUntil    *time.Time         `json:"paid_until,omitempty"`
	Status       SubscriptionStatus `json:"status"`
	TermsVersion int                `json:"terms_version"`
	LastPromoAt  *time.Time         `json:"last_promo_at,omitempty"`
	LastSyncedAt *time.Time         `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// EffectiveExpiresAt возвращает действующий срок окончания подписки:
// максимум из срока в панели и локального оплаченного порога.
// Эта формула — единственное место, где вычисляется действующий срок.
func (s *Subscription) EffectiveExpiresAt() *time.Time {
	return MaxTime(s.ExpiresAt, s.PaidUntil)
}

// DeriveStatus вычисляет статус подписки из действующего срока и флага панели
func (s *Subscription) DeriveStatus(now time.Time) SubscriptionStatus {
	eff := s.EffectiveExpiresAt()
	if eff != nil && !eff.After(now) {
		return SubscriptionStatusExpired
	}
	if s.Enabled {
		return SubscriptionStatusActive
	}
	return SubscriptionStatusDisabled
}

// MaxTime возвращает более позднее из двух опциональных времен
func MaxTime(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if b.After(*a) {
		return b
	}
	return a
}

// ClampDeviceLimit приводит лимит устройств в допустимый диапазон [min, max]
func ClampDeviceLimit(limit, min, max int) int {
	if limit < min {
		return min
	}
	if limit > max {
		return max
	}
	return limit
}

// NextPaidUntil вычисляет новый оплаченный порог после начисления days дней:
// отсчет идет от максимума из "сейчас", срока панели и текущего порога,
// чтобы продление никогда не съедало уже оплаченное время.
func NextPaidUntil(now time.Time, expiresAt, paidUntil *time.Time, days int) time.Time {
	base := now
	if expiresAt != nil && expiresAt.After(base) {
		base = *expiresAt
	}
	if paidUntil != nil && paidUntil.After(base) {
		base = *paidUntil
	}
	return base.AddDate(0, 0, days)
}
