package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus статус платежа
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusCanceled  PaymentStatus = "canceled"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// PaymentType тип покупки
type PaymentType string

const (
	// PaymentTypeSubscription продление подписки на PlanDays дней
	PaymentTypeSubscription PaymentType = "subscription"
	// PaymentTypeDeviceSlot увеличение лимита устройств на DeviceSlots
	PaymentTypeDeviceSlot PaymentType = "device_slot"
)

// Payment представляет собой одну попытку оплаты.
// TargetExpiresAt / TargetDeviceLimit — зафиксированный результат платежа,
// вычисляется ровно один раз; ProcessingAt — маркер захвата обработки,
// AppliedAt устанавливается ровно один раз.
type Payment struct {
	ID                uuid.UUID     `json:"id"`
	UserID            int64         `json:"user_id"`
	Provider          string        `json:"provider"`
	ProviderPaymentID string        `json:"provider_payment_id,omitempty"`
	Type              PaymentType   `json:"type"`
	PlanDays          int           `json:"plan_days,omitempty"`
	DeviceSlots       int           `json:"device_slots,omitempty"`
	Amount            float64       `json:"amount"`
	Currency          string        `json:"currency"`
	Status            PaymentStatus `json:"status"`
	TargetExpiresAt   *time.Time    `json:"target_expires_at,omitempty"`
	TargetDeviceLimit *int          `json:"target_device_limit,omitempty"`
	ProcessingAt      *time.Time    `json:"processing_at,omitempty"`
	AppliedAt         *time.Time    `json:"applied_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// TargetPinned сообщает, зафиксирован ли уже результат платежа
func (p *Payment) TargetPinned() bool {
	return p.TargetExpiresAt != nil || p.TargetDeviceLimit != nil
}

// ProviderEvent входящее событие от платежного провайдера.
// Неизвестные поля исходного вебхука отбрасываются при разборе,
// здесь остается только то, что нужно леджеру.
type ProviderEvent struct {
	Provider          string            `json:"provider"`
	ProviderPaymentID string            `json:"provider_payment_id"`
	Status            string            `json:"status"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Succeeded проверяет, что статус события означает успешную оплату
func (e ProviderEvent) Succeeded() bool {
	switch e.Status {
	case "succeeded", "success", "payment.succeeded":
		return true
	}
	return false
}

// MetadataPaymentID достает локальный ID платежа из метаданных провайдера
func (e ProviderEvent) MetadataPaymentID() (uuid.UUID, bool) {
	raw, ok := e.Metadata["payment_id"]
	if !ok || raw == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// CheckoutRequest запрос на создание платежа
type CheckoutRequest struct {
	Type        PaymentType `json:"type" binding:"required"`
	PlanDays    int         `json:"plan_days,omitempty"`
	DeviceSlots int         `json:"device_slots,omitempty"`
	Amount      float64     `json:"amount" binding:"required,gt=0"`
	Currency    string      `json:"currency" binding:"required,len=3"`
}

// CheckoutResult результат создания платежа: ссылка для подтверждения оплаты
type CheckoutResult struct {
	PaymentID       uuid.UUID `json:"payment_id"`
	ConfirmationURL string    `json:"confirmation_url,omitempty"`
}
