package stripe

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
)

// WebhookHandler разбирает и верифицирует webhook-события от Stripe
type WebhookHandler struct {
	webhookKey string
	log        *logger.Logger
}

// NewWebhookHandler создает новый обработчик webhook-ов
func NewWebhookHandler(webhookKey string, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhookKey: webhookKey,
		log:        log,
	}
}

// ParseEvent проверяет подпись и превращает событие Stripe в событие
// провайдера. Неизвестные типы событий не считаются ошибкой: они
// возвращаются со статусом, который леджер проигнорирует.
func (h *WebhookHandler) ParseEvent(payload []byte, signature string) (domain.ProviderEvent, error) {
	event, err := webhook.ConstructEvent(payload, signature, h.webhookKey)
	if err != nil {
		h.log.Warnw("Stripe webhook signature verification failed", "error", err)
		return domain.ProviderEvent{}, fmt.Errorf("stripe: signature verification failed: %w", err)
	}

	h.log.Info("Received Stripe webhook event: %s, type: %s", event.ID, event.Type)

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return domain.ProviderEvent{}, fmt.Errorf("stripe: failed to parse payment intent: %w", err)
		}

		status := "failed"
		switch event.Type {
		case "payment_intent.succeeded":
			status = "succeeded"
		case "payment_intent.canceled":
			status = "canceled"
		}

		return domain.ProviderEvent{
			Provider:          ProviderName,
			ProviderPaymentID: intent.ID,
			Status:            status,
			Metadata:          intent.Metadata,
		}, nil
	default:
		h.log.Debugw("Ignored Stripe webhook event type", "type", event.Type)
		return domain.ProviderEvent{
			Provider: ProviderName,
			Status:   string(event.Type),
		}, nil
	}
}
