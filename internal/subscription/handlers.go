package subscription

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/pharmahub/internal/tenantdb"
)

// Handler provides HTTP endpoints for subscriptions.
type Handler struct {
	service *Service
}

// NewHandler creates a new subscription handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up tenant-scoped routes. The group must run the
// tenantdb middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/subscription", h.GetOwn)
}

// RegisterAdminRoutes sets up directory-level routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:id/subscription", h.Get)
	r.POST("/tenants/:id/subscription/renew", h.Renew)
	r.PUT("/tenants/:id/subscription/plan", h.ChangePlan)
	r.POST("/tenants/:id/subscription/suspend", h.Suspend)
	r.POST("/tenants/:id/subscription/cancel", h.Cancel)
}

// GetOwn handles GET /v1/subscription
func (h *Handler) GetOwn(c *gin.Context) {
	t := tenantdb.TenantFrom(c)
	if t == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "MISSING_TENANT", "message": "tenant not resolved"})
		return
	}
	h.writeInfo(c, t.ID)
}

// Get handles GET /v1/admin/tenants/:id/subscription
func (h *Handler) Get(c *gin.Context) {
	h.writeInfo(c, c.Param("id"))
}

func (h *Handler) writeInfo(c *gin.Context, tenantID string) {
	info, err := h.service.Info(c.Request.Context(), tenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// RenewRequest is the body of a renewal.
type RenewRequest struct {
	Months int `json:"months" binding:"required"`
}

// Renew handles POST /v1/admin/tenants/:id/subscription/renew
func (h *Handler) Renew(c *gin.Context) {
	var req RenewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": "months is required"})
		return
	}
	sub, err := h.service.Renew(c.Request.Context(), c.Param("id"), req.Months)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// ChangePlanRequest is the body of a plan change.
type ChangePlanRequest struct {
	PlanID string `json:"planId" binding:"required"`
}

// ChangePlan handles PUT /v1/admin/tenants/:id/subscription/plan
func (h *Handler) ChangePlan(c *gin.Context) {
	var req ChangePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": "planId is required"})
		return
	}
	sub, err := h.service.ChangePlan(c.Request.Context(), c.Param("id"), req.PlanID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// ReasonRequest carries an optional free-text reason.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// Suspend handles POST /v1/admin/tenants/:id/subscription/suspend
func (h *Handler) Suspend(c *gin.Context) {
	var req ReasonRequest
	_ = c.ShouldBindJSON(&req)
	sub, err := h.service.Suspend(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// Cancel handles POST /v1/admin/tenants/:id/subscription/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req ReasonRequest
	_ = c.ShouldBindJSON(&req)
	sub, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "SUBSCRIPTION_NOT_FOUND", "message": "subscription not found"})
	case errors.Is(err, ErrPlanNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "PLAN_NOT_FOUND", "message": err.Error()})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "INVALID_STATE", "message": err.Error()})
	case errors.Is(err, ErrInvalidMonths), errors.Is(err, ErrInvalidCycle):
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR", "message": "subscription operation failed"})
	}
}
