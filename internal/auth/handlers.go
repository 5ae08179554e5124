package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/pharmahub/internal/tenant"
)

// TenantLookup checks that a tenant exists before a token is issued.
type TenantLookup interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
}

// Handler provides HTTP endpoints for token issuance.
type Handler struct {
	manager *Manager
	tenants TenantLookup
}

// NewHandler creates a new auth handler.
func NewHandler(m *Manager, tenants TenantLookup) *Handler {
	return &Handler{manager: m, tenants: tenants}
}

// RegisterAdminRoutes sets up token routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants/:id/token", h.IssueToken)
}

// IssueToken handles POST /v1/admin/tenants/:id/token
func (h *Handler) IssueToken(c *gin.Context) {
	t, err := h.tenants.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, tenant.ErrTenantNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "TENANT_NOT_FOUND", "message": "tenant not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR", "message": "failed to load tenant"})
		return
	}
	if !t.IsActive() {
		c.JSON(http.StatusForbidden, gin.H{"error": "TENANT_INACTIVE", "message": "tenant is inactive"})
		return
	}

	token, expires, err := h.manager.Issue(t.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR", "message": "failed to issue token"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":     token,
		"tenantId":  t.ID,
		"expiresAt": expires,
		"warning":   "Store this token securely. It will not be shown again.",
	})
}
