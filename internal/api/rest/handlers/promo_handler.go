package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/internal/repository"
	"github.com/Dhoini/Subscription-microservice/internal/service"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/gin-gonic/gin"
)

// PromoHandler обработчик для промокодов
type PromoHandler struct {
	promoSvc service.PromoService
	log      *logger.Logger
}

// NewPromoHandler создает новый обработчик промокодов
func NewPromoHandler(promoSvc service.PromoService, log *logger.Logger) *PromoHandler {
	return &PromoHandler{
		promoSvc: promoSvc,
		log:      log,
	}
}

// RedeemRequest запрос на активацию промокода
type RedeemRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Code   string `json:"code" binding:"required"`
}

// Redeem активирует промокод. Итог активации всегда возвращается с
// кодом 200: отказ (cooldown, already_used и т.д.) — это штатный
// результат, а не ошибка HTTP.
func (h *PromoHandler) Redeem(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("Invalid request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.promoSvc.Redeem(c.Request.Context(), req.UserID, req.Code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
			return
		}
		h.log.Error("Failed to redeem promo code: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to redeem promo code"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// CreatePromoRequest запрос на создание промокода
type CreatePromoRequest struct {
	Code      string     `json:"code" binding:"required"`
	BonusDays int        `json:"bonus_days" binding:"required,gt=0"`
	MaxUses   *int       `json:"max_uses,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CreatePromo создает новый промокод
func (h *PromoHandler) CreatePromo(c *gin.Context) {
	var req CreatePromoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("Invalid request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	promo, err := h.promoSvc.CreatePromo(c.Request.Context(), req.Code, req.BonusDays, req.MaxUses, req.ExpiresAt)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicate):
			c.JSON(http.StatusConflict, gin.H{"error": "Promo code already exists"})
		case errors.Is(err, domain.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid promo code parameters"})
		default:
			h.log.Error("Failed to create promo code: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create promo code"})
		}
		return
	}

	h.log.Info("Created promo code: %s", promo.Code)
	c.JSON(http.StatusCreated, promo)
}
