package handlers

import (
	"io"
	"net/http"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/internal/integration/stripe"
	"github.com/Dhoini/Subscription-microservice/internal/service"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/gin-gonic/gin"
)

// WebhookHandler обработчик вебхуков платежных провайдеров
type WebhookHandler struct {
	stripeWebhook *stripe.WebhookHandler
	ledger        service.Ledger
	log           *logger.Logger
}

// NewWebhookHandler создает новый обработчик вебхуков
func NewWebhookHandler(stripeWebhook *stripe.WebhookHandler, ledger service.Ledger, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		stripeWebhook: stripeWebhook,
		ledger:        ledger,
		log:           log,
	}
}

// HandleStripeWebhook принимает событие Stripe, проверяет подпись и
// передает его леджеру. Ответ 200 означает, что повторная доставка не
// нужна; леджер сам идемпотентен к дубликатам.
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.log.Error("Failed to read webhook body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	event, err := h.stripeWebhook.ParseEvent(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Signature verification failed"})
		return
	}

	if err := h.ledger.HandleProviderEvent(c.Request.Context(), event); err != nil {
		h.log.Error("Failed to handle Stripe webhook: %v", err)
		// Провайдер повторит доставку; леджер переживет дубликат
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process event"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleProviderWebhook принимает событие произвольного провайдера в
// нормализованном виде. Неизвестные поля исходного вебхука отбрасываются
// при разборе.
func (h *WebhookHandler) HandleProviderWebhook(c *gin.Context) {
	var event domain.ProviderEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		h.log.Warn("Invalid provider event: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if event.Provider == "" {
		event.Provider = c.Param("provider")
	}

	if err := h.ledger.HandleProviderEvent(c.Request.Context(), event); err != nil {
		h.log.Error("Failed to handle provider webhook: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process event"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
