package tenant

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for tenant administration.
type Handler struct {
	service *Service
}

// NewHandler creates a new tenant handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up directory-level tenant routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants", h.CreateTenant)
	r.GET("/tenants", h.ListTenants)
	r.GET("/tenants/:id", h.GetTenant)
	r.PATCH("/tenants/:id", h.UpdateTenant)
	r.POST("/tenants/:id/deactivate", h.Deactivate)
	r.POST("/tenants/:id/activate", h.Activate)
}

// CreateTenant handles POST /v1/admin/tenants
func (h *Handler) CreateTenant(c *gin.Context) {
	var req ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": "taxId and name are required"})
		return
	}

	t, err := h.service.Provision(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tenant": t})
}

// GetTenant handles GET /v1/admin/tenants/:id
func (h *Handler) GetTenant(c *gin.Context) {
	t, err := h.service.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// ListTenants handles GET /v1/admin/tenants
func (h *Handler) ListTenants(c *gin.Context) {
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = min(l, 200)
	}
	offset := 0
	if o, err := strconv.Atoi(c.Query("offset")); err == nil && o > 0 {
		offset = o
	}

	list, err := h.service.List(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenants": list, "count": len(list)})
}

// UpdateTenant handles PATCH /v1/admin/tenants/:id
func (h *Handler) UpdateTenant(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": "invalid request body"})
		return
	}
	t, err := h.service.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// Deactivate handles POST /v1/admin/tenants/:id/deactivate
func (h *Handler) Deactivate(c *gin.Context) {
	h.setStatus(c, StatusInactive)
}

// Activate handles POST /v1/admin/tenants/:id/activate
func (h *Handler) Activate(c *gin.Context) {
	h.setStatus(c, StatusActive)
}

func (h *Handler) setStatus(c *gin.Context, status Status) {
	t, err := h.service.SetStatus(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTenantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "TENANT_NOT_FOUND", "message": "tenant not found"})
	case errors.Is(err, ErrTaxIDTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "TAX_ID_TAKEN", "message": "tax id already registered"})
	case errors.Is(err, ErrInvalidTenant):
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR", "message": "tenant operation failed"})
	}
}
