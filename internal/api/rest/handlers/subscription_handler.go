package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/internal/repository"
	"github.com/Dhoini/Subscription-microservice/internal/service"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/gin-gonic/gin"
)

// SubscriptionHandler обработчик для подписок
type SubscriptionHandler struct {
	reconciler service.Reconciler
	promoSvc   service.PromoService
	subs       repository.SubscriptionRepository
	log        *logger.Logger
}

// NewSubscriptionHandler создает новый обработчик подписок
func NewSubscriptionHandler(rec service.Reconciler, promoSvc service.PromoService, subs repository.SubscriptionRepository, log *logger.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		reconciler: rec,
		promoSvc:   promoSvc,
		subs:       subs,
		log:        log,
	}
}

// EnsureRequest запрос на создание подписки
type EnsureRequest struct {
	UserID    int64  `json:"user_id" binding:"required"`
	Namespace string `json:"namespace" binding:"required"`
	Identity  string `json:"identity" binding:"required"`
}

// userIDParam разбирает user_id из пути
func userIDParam(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID format"})
		return 0, false
	}
	return userID, true
}

// EnsureSubscription идемпотентно создает подписку и аккаунт панели
func (h *SubscriptionHandler) EnsureSubscription(c *gin.Context) {
	var req EnsureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("Invalid request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := h.reconciler.Ensure(c.Request.Context(), req.UserID, req.Namespace, req.Identity)
	if err != nil {
		if errors.Is(err, domain.ErrPanelUnavailable) {
			h.log.Error("Panel unavailable during ensure: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "Panel unavailable"})
			return
		}
		h.log.Error("Failed to ensure subscription: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to ensure subscription"})
		return
	}

	c.JSON(http.StatusOK, sub)
}

// GetSubscription возвращает локальный снимок подписки пользователя
func (h *SubscriptionHandler) GetSubscription(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	sub, err := h.subs.GetByUserID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
			return
		}
		h.log.Error("Failed to get subscription: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get subscription"})
		return
	}

	c.JSON(http.StatusOK, sub)
}

// ReconcileSubscription сверяет подписку с панелью и возвращает свежий снимок
func (h *SubscriptionHandler) ReconcileSubscription(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	sub, err := h.reconciler.Reconcile(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
			return
		}
		if errors.Is(err, domain.ErrPanelUnavailable) {
			h.log.Error("Panel unavailable during reconcile: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "Panel unavailable"})
			return
		}
		h.log.Error("Failed to reconcile subscription: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reconcile subscription"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subscription":      sub,
		"effective_expires": sub.EffectiveExpiresAt(),
		"enabled":           sub.Enabled,
	})
}

// AcceptTerms отмечает принятие текущей версии условий
func (h *SubscriptionHandler) AcceptTerms(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	if err := h.promoSvc.AcceptTerms(c.Request.Context(), userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
			return
		}
		h.log.Error("Failed to accept terms: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to accept terms"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// SetFloorRequest запрос на принудительную установку оплаченного порога
type SetFloorRequest struct {
	PaidUntil *time.Time `json:"paid_until"`
	Enabled   bool       `json:"enabled"`
}

// SetFloor принудительно выставляет порог и проталкивает его в панель
func (h *SubscriptionHandler) SetFloor(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	var req SetFloorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := h.reconciler.SetFloorAndPush(c.Request.Context(), userID, req.PaidUntil, req.Enabled)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
			return
		}
		if errors.Is(err, domain.ErrPanelUnavailable) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "Panel unavailable"})
			return
		}
		h.log.Error("Failed to set paid-until floor: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to set paid-until floor"})
		return
	}

	c.JSON(http.StatusOK, sub)
}

// DeleteSubscription удаляет аккаунт панели и локальную строку
func (h *SubscriptionHandler) DeleteSubscription(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	if err := h.reconciler.Delete(c.Request.Context(), userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
			return
		}
		if errors.Is(err, domain.ErrPanelUnavailable) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "Panel unavailable"})
			return
		}
		h.log.Error("Failed to delete subscription: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete subscription"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
