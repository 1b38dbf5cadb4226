package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"telephony-gateway/internal/auth"
	"telephony-gateway/internal/routing"
	"telephony-gateway/pkg/logger"

	"github.com/gin-gonic/gin"
)

// OverrideService manages expiring inbound routing overrides.
type OverrideService interface {
	Create(ctx context.Context, number, agentRef, createdBy string, ttl time.Duration) (routing.Override, error)
	List(ctx context.Context) ([]routing.Override, error)
	Remove(ctx context.Context, id string) (bool, error)
}

type createOverrideRequest struct {
	Number     string `json:"number"`
	AgentRef   string `json:"agent_ref"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// ListOverrides returns active overrides.
// RBAC: admin.
func (h Handlers) ListOverrides(c *gin.Context) {
	list, err := h.Overrides.List(c.Request.Context())
	if err != nil {
		logger.FromGin(c).Error("list overrides failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if list == nil {
		list = []routing.Override{}
	}
	c.JSON(http.StatusOK, gin.H{"overrides": list})
}

// CreateOverride pins a dialed number to one agent for ttl_seconds.
// RBAC: admin.
func (h Handlers) CreateOverride(c *gin.Context) {
	var req createOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	operatorID, _ := auth.OperatorID(c.Request.Context())
	o, err := h.Overrides.Create(c.Request.Context(), req.Number, req.AgentRef, operatorID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		if errors.Is(err, routing.ErrInvalidOverride) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.FromGin(c).Error("create override failed", "operator_id", operatorID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusCreated, o)
}

// DeleteOverride removes an override before it expires.
// RBAC: admin.
func (h Handlers) DeleteOverride(c *gin.Context) {
	ok, err := h.Overrides.Remove(c.Request.Context(), c.Param("override_id"))
	if err != nil {
		logger.FromGin(c).Error("delete override failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "override not found"})
		return
	}
	c.Status(http.StatusNoContent)
}
