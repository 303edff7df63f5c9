package panel

import (
	"context"
	"time"
)

// AccountState состояние одного аккаунта в пространстве панели
type AccountState struct {
	Ref         string     `json:"ref"`
	Identity    string     `json:"identity"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Enabled     bool       `json:"enabled"`
	DeviceLimit *int       `json:"device_limit,omitempty"`
}

// AccountPatch частичное обновление аккаунта; nil-поля не трогаются.
// Нулевое время в ExpiresAt снимает срок аккаунта (делает его бессрочным).
type AccountPatch struct {
	ExpiresAt   *time.Time
	Enabled     *bool
	DeviceLimit *int
}

// Adapter интерфейс доступа к панели. Панель авторитетна для живых полей
// аккаунта (срок, включен, лимит устройств); адаптер скрывает различия
// версий API за единым контрактом.
type Adapter interface {
	// ListNamespaces возвращает все пространства (инбаунды) панели
	ListNamespaces(ctx context.Context) ([]string, error)

	// GetAccount возвращает аккаунт по ссылке или (nil, nil), если его нет
	GetAccount(ctx context.Context, namespace, ref string) (*AccountState, error)

	// ListAccounts возвращает все аккаунты пространства одним запросом
	ListAccounts(ctx context.Context, namespace string) ([]AccountState, error)

	// CreateAccount создает аккаунт в пространстве
	CreateAccount(ctx context.Context, namespace string, account AccountState) error

	// ApplyAccountState применяет частичное обновление к аккаунту
	ApplyAccountState(ctx context.Context, namespace, ref string, patch AccountPatch) error

	// DeleteAccount удаляет аккаунт из пространства
	DeleteAccount(ctx context.Context, namespace, ref string) error
}
