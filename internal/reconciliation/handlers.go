package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/pharmahub/internal/logging"
)

// Handler exposes manual reconciliation to administrators.
type Handler struct {
	runner *Runner
}

// NewHandler creates a new reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterAdminRoutes sets up the admin routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile", h.Run)
	r.GET("/reconcile", h.Last)
}

// Run handles POST /v1/admin/reconcile
func (h *Handler) Run(c *gin.Context) {
	report, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("manual reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR", "message": "reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// Last handles GET /v1/admin/reconcile
func (h *Handler) Last(c *gin.Context) {
	report := h.runner.LastReport()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "no reconciliation run yet"})
		return
	}
	c.JSON(http.StatusOK, report)
}
