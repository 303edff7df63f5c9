package handlers

import (
	"errors"
	"net/http"

	"github.com/Dhoini/Subscription-microservice/internal/repository"
	"github.com/Dhoini/Subscription-microservice/internal/service"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/gin-gonic/gin"
)

// AdminHandler обработчик админских операций: черный список и
// принудительный запуск обхода
type AdminHandler struct {
	blocklist repository.BlocklistRepository
	sweeper   service.Sweeper
	log       *logger.Logger
}

// NewAdminHandler создает новый обработчик админских операций
func NewAdminHandler(blocklist repository.BlocklistRepository, sweeper service.Sweeper, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		blocklist: blocklist,
		sweeper:   sweeper,
		log:       log,
	}
}

// BlockRequest запрос на блокировку внешнего идентификатора
type BlockRequest struct {
	Identity string `json:"identity" binding:"required"`
	Reason   string `json:"reason"`
}

// BlockIdentity добавляет идентификатор в черный список; повторное
// добавление не ошибка
func (h *AdminHandler) BlockIdentity(c *gin.Context) {
	var req BlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.blocklist.Add(c.Request.Context(), req.Identity, req.Reason); err != nil {
		h.log.Error("Failed to block identity: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to block identity"})
		return
	}

	h.log.Info("Identity blocked: %s", req.Identity)
	c.JSON(http.StatusOK, gin.H{"status": "blocked"})
}

// UnblockIdentity убирает идентификатор из черного списка
func (h *AdminHandler) UnblockIdentity(c *gin.Context) {
	identity := c.Param("identity")

	if err := h.blocklist.Remove(c.Request.Context(), identity); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Identity not blocked"})
			return
		}
		h.log.Error("Failed to unblock identity: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unblock identity"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "unblocked"})
}

// ListBlocked возвращает текущий черный список
func (h *AdminHandler) ListBlocked(c *gin.Context) {
	entries, err := h.blocklist.List(c.Request.Context())
	if err != nil {
		h.log.Error("Failed to list blocked identities: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list blocked identities"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"blocked": entries})
}

// TriggerSweep запускает внеочередной тик обхода. Если предыдущий тик
// еще идет, новый отбрасывается.
func (h *AdminHandler) TriggerSweep(c *gin.Context) {
	if !h.sweeper.Tick(c.Request.Context()) {
		c.JSON(http.StatusConflict, gin.H{"error": "Sweep already in progress"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}
