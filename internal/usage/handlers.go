package usage

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/pharmahub/internal/logging"
	"github.com/mbd888/pharmahub/internal/plans"
	"github.com/mbd888/pharmahub/internal/tenantdb"
)

// Handler provides HTTP endpoints for usage.
type Handler struct {
	agg *Aggregator
}

// NewHandler creates a new usage handler.
func NewHandler(agg *Aggregator) *Handler {
	return &Handler{agg: agg}
}

// RegisterRoutes sets up tenant-scoped routes. The group must run the
// tenantdb middleware.
//
// POST /usage/admit/<dimension> is the admission gate for write paths served
// outside this process: it answers 200 only when RequireQuota lets the
// request through.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/usage", h.GetDashboard)
	r.GET("/usage/check/:dimension", h.CheckDimension)
	for _, d := range plans.Dimensions {
		r.POST("/usage/admit/"+string(d), RequireQuota(h.agg, d), admitted(d))
	}
}

func admitted(d plans.Dimension) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"dimension": d, "allowed": true})
	}
}

// GetDashboard handles GET /v1/usage
func (h *Handler) GetDashboard(c *gin.Context) {
	handle := tenantdb.HandleFrom(c)
	if handle == nil || handle.Tenant == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "MISSING_TENANT", "message": "tenant not resolved"})
		return
	}
	dash, err := h.agg.Dashboard(c.Request.Context(), handle)
	if err != nil {
		logging.L(c.Request.Context()).Error("usage dashboard failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR", "message": "failed to compute usage"})
		return
	}
	c.JSON(http.StatusOK, dash)
}

// CheckDimension handles GET /v1/usage/check/:dimension
func (h *Handler) CheckDimension(c *gin.Context) {
	handle := tenantdb.HandleFrom(c)
	if handle == nil || handle.Tenant == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "MISSING_TENANT", "message": "tenant not resolved"})
		return
	}
	check, err := h.agg.Check(c.Request.Context(), handle, plans.Dimension(c.Param("dimension")))
	if errors.Is(err, ErrUnknownDimension) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "UNKNOWN_DIMENSION", "message": err.Error()})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("usage check failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR", "message": "failed to check usage"})
		return
	}
	c.JSON(http.StatusOK, check)
}

// RequireQuota rejects the request unless the tenant has room for one more
// unit of d. It must run after the tenantdb middleware.
func RequireQuota(agg *Aggregator, d plans.Dimension) gin.HandlerFunc {
	return func(c *gin.Context) {
		handle := tenantdb.HandleFrom(c)
		if handle == nil || handle.Tenant == nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "MISSING_TENANT", "message": "tenant not resolved"})
			return
		}

		check, err := agg.Check(c.Request.Context(), handle, d)
		if err != nil {
			logging.L(c.Request.Context()).Error("quota enforcement error", "dimension", d, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR", "message": "quota enforcement error"})
			return
		}

		switch check.Reason {
		case ReasonSubscriptionInactive:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "SUBSCRIPTION_INACTIVE",
				"message": "Subscription is not active. Renew to continue creating records.",
			})
			return
		case ReasonQuotaExceeded:
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":     "QUOTA_EXCEEDED",
				"message":   "Plan limit reached for " + string(d) + ". Upgrade your plan to continue.",
				"dimension": d,
				"current":   check.Current,
				"limit":     check.Limit,
			})
			return
		}
		c.Next()
	}
}
