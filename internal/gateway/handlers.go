package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes gateway administration.
type Handler struct {
	holder *Holder
}

// NewHandler creates a new gateway handler.
func NewHandler(holder *Holder) *Handler {
	return &Handler{holder: holder}
}

// RegisterAdminRoutes sets up gateway settings routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/gateways", h.ListGateways)
	r.PUT("/gateways/active", h.SetActive)
	r.PUT("/gateways/:provider", h.UpdateGateway)
	r.POST("/gateways/reload", h.Reload)
}

// ListGateways handles GET /v1/admin/gateways
func (h *Handler) ListGateways(c *gin.Context) {
	snap := h.holder.Current()
	c.JSON(http.StatusOK, gin.H{
		"active":         snap.Active,
		"strictWebhooks": snap.Strict,
		"gateways":       h.holder.Views(),
		"loadedAt":       snap.LoadedAt,
	})
}

// UpdateGateway handles PUT /v1/admin/gateways/:provider
func (h *Handler) UpdateGateway(c *gin.Context) {
	p, err := ParseProvider(c.Param("provider"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "UNKNOWN_GATEWAY", "message": err.Error()})
		return
	}

	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": "invalid request body"})
		return
	}

	if err := h.holder.UpdateProvider(c.Request.Context(), p, req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR", "message": "failed to update gateway settings"})
		return
	}
	h.ListGateways(c)
}

// SetActive handles PUT /v1/admin/gateways/active
func (h *Handler) SetActive(c *gin.Context) {
	var req struct {
		Gateway  string `json:"gateway"`
		Provider string `json:"provider"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || (req.Gateway == "" && req.Provider == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": "gateway is required"})
		return
	}
	name := req.Gateway
	if name == "" {
		name = req.Provider
	}
	p, err := ParseProvider(name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "UNKNOWN_GATEWAY", "message": err.Error()})
		return
	}

	if err := h.holder.SetActive(c.Request.Context(), p); err != nil {
		if errors.Is(err, ErrNotConfigured) {
			c.JSON(http.StatusConflict, gin.H{"error": "GATEWAY_NOT_CONFIGURED", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR", "message": "failed to switch gateway"})
		return
	}
	h.ListGateways(c)
}

// Reload handles POST /v1/admin/gateways/reload
func (h *Handler) Reload(c *gin.Context) {
	if err := h.holder.Reload(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "RELOAD_FAILED", "message": err.Error()})
		return
	}
	h.ListGateways(c)
}
