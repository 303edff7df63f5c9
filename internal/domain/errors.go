package domain

import (
	"errors"
	"fmt"
)

// Application errors
var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate дубликат записи
	ErrDuplicate = errors.New("duplicate record")

	// ErrInvalidInput неверные входные данные
	ErrInvalidInput = errors.New("invalid input data")

	// ErrDeviceLimitReached лимит устройств уже на максимуме
	ErrDeviceLimitReached = errors.New("device limit already at maximum")

	// ErrNoProviderConfigured платежный провайдер не настроен
	ErrNoProviderConfigured = errors.New("no payment provider configured")

	// ErrPanelUnavailable панель недоступна
	ErrPanelUnavailable = errors.New("panel unavailable")

	// ErrAccountDesync локальная ссылка указывает на несуществующий аккаунт панели
	ErrAccountDesync = errors.New("panel account reference out of sync")
)

// ExternalServiceError представляет ошибку внешнего сервиса (панель, провайдер)
type ExternalServiceError struct {
	Service     string
	Code        string
	Message     string
	StatusCode  int
	OriginalErr error
}

// Error реализует интерфейс error
func (e *ExternalServiceError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("%s service error [%s]: %s: %v", e.Service, e.Code, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("%s service error [%s]: %s", e.Service, e.Code, e.Message)
}

// Unwrap возвращает оригинальную ошибку
func (e *ExternalServiceError) Unwrap() error {
	return e.OriginalErr
}

// NewExternalServiceError создает новую ошибку внешнего сервиса
func NewExternalServiceError(service, code, message string, statusCode int, err error) *ExternalServiceError {
	return &ExternalServiceError{
		Service:     service,
		Code:        code,
		Message:     message,
		StatusCode:  statusCode,
		OriginalErr: err,
	}
}
