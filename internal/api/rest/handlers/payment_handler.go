package handlers

import (
	"errors"
	"net/http"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/internal/repository"
	"github.com/Dhoini/Subscription-microservice/internal/service"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// PaymentHandler обработчик для платежей
type PaymentHandler struct {
	ledger   service.Ledger
	payments repository.PaymentRepository
	log      *logger.Logger
}

// NewPaymentHandler создает новый обработчик платежей
func NewPaymentHandler(ledger service.Ledger, payments repository.PaymentRepository, log *logger.Logger) *PaymentHandler {
	return &PaymentHandler{
		ledger:   ledger,
		payments: payments,
		log:      log,
	}
}

// CheckoutRequest запрос на начало оплаты
type CheckoutRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
	domain.CheckoutRequest
}

// StartCheckout создает платеж и регистрирует его у провайдера
func (h *PaymentHandler) StartCheckout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("Invalid request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.ledger.StartCheckout(c.Request.Context(), req.UserID, req.CheckoutRequest)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
		case errors.Is(err, domain.ErrDeviceLimitReached):
			c.JSON(http.StatusConflict, gin.H{"error": "Device limit already at maximum"})
		case errors.Is(err, domain.ErrNoProviderConfigured):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No payment provider configured"})
		case errors.Is(err, domain.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid checkout parameters"})
		default:
			h.log.Error("Failed to start checkout: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start checkout"})
		}
		return
	}

	h.log.Info("Checkout started with payment ID: %s", result.PaymentID)
	c.JSON(http.StatusCreated, result)
}

// GetPayment возвращает платеж по ID
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payment ID format"})
		return
	}

	payment, err := h.payments.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
			return
		}
		h.log.Error("Failed to get payment: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get payment"})
		return
	}

	c.JSON(http.StatusOK, payment)
}

// ApplyPayment повторно запускает применение эффекта платежа.
// Идемпотентно: уже примененный платеж остается нетронутым.
func (h *PaymentHandler) ApplyPayment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payment ID format"})
		return
	}

	if err := h.ledger.Apply(c.Request.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
			return
		}
		h.log.Error("Failed to apply payment: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to apply payment"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "applied"})
}
