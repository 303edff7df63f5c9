package domain

import (
	"time"

	"github.com/google/uuid"
)

// PromoCode промокод на бонусные дни подписки
type PromoCode struct {
	ID        uuid.UUID  `json:"id"`
	Code      string     `json:"code"`
	BonusDays int        `json:"bonus_days"`
	MaxUses   *int       `json:"max_uses,omitempty"` // nil = без ограничения
	UsedCount int        `json:"used_count"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Expired проверяет, истек ли срок действия промокода
func (p *PromoCode) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}

// Exhausted проверяет, исчерпан ли лимит использований
func (p *PromoCode) Exhausted() bool {
	return p.MaxUses != nil && p.UsedCount >= *p.MaxUses
}

// PromoCodeUse отметка об использовании промокода пользователем.
// Пара (promo_id, user_id) уникальна.
type PromoCodeUse struct {
	PromoID   uuid.UUID `json:"promo_id"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RedeemOutcome итог попытки активации промокода
type RedeemOutcome string

const (
	RedeemOutcomeApplied       RedeemOutcome = "applied"
	RedeemOutcomeNotFound      RedeemOutcome = "not_found"
	RedeemOutcomeExpired       RedeemOutcome = "expired"
	RedeemOutcomeExhausted     RedeemOutcome = "exhausted"
	RedeemOutcomeCooldown      RedeemOutcome = "cooldown"
	RedeemOutcomeAlreadyUsed   RedeemOutcome = "already_used"
	RedeemOutcomeTermsRequired RedeemOutcome = "terms_required"
)

// RedeemResult результат активации промокода
type RedeemResult struct {
	Outcome   RedeemOutcome `json:"outcome"`
	BonusDays int           `json:"bonus_days,omitempty"`
	PaidUntil *time.Time    `json:"paid_until,omitempty"`
}
