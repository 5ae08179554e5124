package ledger

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/pharmahub/internal/gateway"
	"github.com/mbd888/pharmahub/internal/logging"
	"github.com/mbd888/pharmahub/internal/tenant"
	"github.com/mbd888/pharmahub/internal/tenantdb"
)

const maxWebhookBody = 1 << 20

// Handler provides HTTP endpoints for charges and gateway webhooks.
type Handler struct {
	service *Service
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up tenant-scoped routes. The group must run the
// tenantdb middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/charges", h.CreateCharge)
	r.GET("/charges", h.ListCharges)
	r.GET("/charges/:id", h.GetCharge)
}

// RegisterWebhookRoutes sets up the unauthenticated provider callbacks.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/asaas", h.Webhook(gateway.ProviderAsaas))
	r.POST("/webhooks/stripe", h.Webhook(gateway.ProviderStripe))
}

// RegisterAdminRoutes sets up charge administration.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/charges/:id/sync", h.SyncCharge)
	r.POST("/charges/:id/cancel", h.CancelCharge)
	r.GET("/charges/:id/events", h.ListEvents)
}

type createChargeBody struct {
	Amount        float64 `json:"amount"`
	AmountCents   int64   `json:"amountCents"`
	PaymentMethod string  `json:"paymentMethod"`
	Description   string  `json:"description"`
	BillingCycle  string  `json:"billingCycle"`
	DueDate       string  `json:"dueDate"`
}

// CreateCharge handles POST /v1/charges
func (h *Handler) CreateCharge(c *gin.Context) {
	t := tenantdb.TenantFrom(c)
	if t == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "MISSING_TENANT", "message": "tenant not resolved"})
		return
	}

	var body createChargeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": "invalid request body"})
		return
	}

	req := CreateChargeRequest{
		TenantID:      t.ID,
		AmountCents:   body.AmountCents,
		PaymentMethod: gateway.Method(body.PaymentMethod),
		Description:   body.Description,
		BillingCycle:  body.BillingCycle,
	}
	if req.AmountCents == 0 {
		req.AmountCents = int64(math.Round(body.Amount * 100))
	}
	if body.DueDate != "" {
		due, err := time.Parse("2006-01-02", body.DueDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": "dueDate must be YYYY-MM-DD"})
			return
		}
		req.DueDate = &due
	}

	charge, err := h.service.CreateCharge(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"chargeId":        charge.ID,
		"status":          charge.Status,
		"dueDate":         charge.DueDate.Format("2006-01-02"),
		"paymentLink":     charge.PaymentLink,
		"pixQrCode":       charge.PixQRCode,
		"pixQrCodeBase64": charge.PixQRCodeBase64,
		"boletoUrl":       charge.BoletoURL,
		"charge":          charge,
	})
}

// ListCharges handles GET /v1/charges
func (h *Handler) ListCharges(c *gin.Context) {
	t := tenantdb.TenantFrom(c)
	if t == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "MISSING_TENANT", "message": "tenant not resolved"})
		return
	}

	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = min(l, 200)
	}
	offset := 0
	if o, err := strconv.Atoi(c.Query("offset")); err == nil && o > 0 {
		offset = o
	}

	charges, err := h.service.List(c.Request.Context(), t.ID, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"charges": charges, "count": len(charges)})
}

// GetCharge handles GET /v1/charges/:id. With ?refresh=true the gateway is
// polled first.
func (h *Handler) GetCharge(c *gin.Context) {
	t := tenantdb.TenantFrom(c)
	if t == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "MISSING_TENANT", "message": "tenant not resolved"})
		return
	}

	if c.Query("refresh") == "true" {
		charge, res, err := h.service.Refresh(c.Request.Context(), t.ID, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"charge": charge, "sync": res})
		return
	}

	charge, err := h.service.Get(c.Request.Context(), t.ID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"charge": charge})
}

// SyncCharge handles POST /v1/admin/charges/:id/sync where :id is the
// gateway's charge id.
func (h *Handler) SyncCharge(c *gin.Context) {
	res, err := h.service.SyncChargeStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CancelCharge handles POST /v1/admin/charges/:id/cancel
func (h *Handler) CancelCharge(c *gin.Context) {
	charge, err := h.service.CancelCharge(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"charge": charge})
}

// ListEvents handles GET /v1/admin/charges/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	events, err := h.service.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// Webhook returns the receiver for one provider. Anything that can be
// authenticated and parsed is acknowledged with 200.
func (h *Handler) Webhook(provider gateway.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"processed": false, "message": "unreadable body"})
			return
		}

		res, err := h.service.ProcessWebhook(c.Request.Context(), provider, c.Request.Header, body)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, res)
		case errors.Is(err, ErrWebhookUnauthorized):
			logging.L(c.Request.Context()).Warn("webhook rejected", "gateway", provider, "error", err)
			c.JSON(http.StatusUnauthorized, gin.H{"processed": false, "message": "invalid webhook token"})
		case errors.Is(err, ErrWebhookMalformed):
			c.JSON(http.StatusBadRequest, gin.H{"processed": false, "message": "malformed payload"})
		default:
			logging.L(c.Request.Context()).Error("webhook processing failed", "gateway", provider, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"processed": false, "message": "internal error"})
		}
	}
}

func writeError(c *gin.Context, err error) {
	var gwErr *gateway.Error
	switch {
	case errors.Is(err, ErrChargeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "CHARGE_NOT_FOUND", "message": "charge not found"})
	case errors.Is(err, tenant.ErrTenantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "TENANT_NOT_FOUND", "message": "tenant not found"})
	case errors.Is(err, ErrInvalidCharge):
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "INVALID_STATE", "message": err.Error()})
	case errors.Is(err, gateway.ErrUnknownProvider):
		c.JSON(http.StatusBadRequest, gin.H{"error": "UNKNOWN_GATEWAY", "message": err.Error()})
	case errors.Is(err, gateway.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "GATEWAY_NOT_CONFIGURED", "message": err.Error()})
	case errors.Is(err, gateway.ErrCircuitOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "GATEWAY_UNAVAILABLE", "message": "payment gateway temporarily unavailable"})
	case errors.As(err, &gwErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":          "GATEWAY_ERROR",
			"message":        gwErr.Message,
			"gateway":        gwErr.Provider,
			"upstreamStatus": gwErr.StatusCode,
		})
	default:
		logging.L(c.Request.Context()).Error("ledger request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR", "message": "internal error"})
	}
}
