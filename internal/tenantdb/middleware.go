package tenantdb

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/pharmahub/internal/logging"
	"github.com/mbd888/pharmahub/internal/tenant"
)

const (
	// HeaderTenantID carries the opaque tenant id.
	HeaderTenantID = "X-Tenant-ID"
	// HeaderTaxID carries the tenant's CNPJ/CPF when the id is unknown.
	HeaderTaxID = "X-Tenant-Tax-ID"

	// ContextKeyHandle is the gin context key of the request's *Handle.
	ContextKeyHandle = "tenantHandle"
)

// TokenVerifier validates a bearer token and returns the tenant it was
// issued to.
type TokenVerifier interface {
	Verify(raw string) (tenantID string, err error)
}

// Middleware resolves the request's tenant, attaches its handle to the
// context and releases it once the handler chain returns. When verifier is
// non-nil a bearer token issued to the same tenant is required.
func Middleware(router *Router, verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderTenantID))
		if key == "" {
			key = strings.TrimSpace(c.GetHeader(HeaderTaxID))
		}
		if key == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "MISSING_TENANT",
				"message": "Include an X-Tenant-ID or X-Tenant-Tax-ID header.",
			})
			return
		}

		var tokenTenant string
		if verifier != nil {
			raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
			if !ok || raw == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "UNAUTHORIZED",
					"message": "Tenant token required. Include 'Authorization: Bearer <token>' header.",
				})
				return
			}
			id, err := verifier.Verify(raw)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "UNAUTHORIZED",
					"message": "Invalid tenant token.",
				})
				return
			}
			tokenTenant = id
		}

		h, err := router.Resolve(c.Request.Context(), Target{Key: key})
		if err != nil {
			writeResolveError(c, err)
			return
		}
		defer h.Release()

		if verifier != nil && tokenTenant != h.Tenant.ID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "TENANT_TOKEN_MISMATCH",
				"message": ErrTenantTokenMismatch.Error(),
			})
			return
		}

		Attach(c, h)
		c.Next()
	}
}

// Attach stores h on the gin context and tags the request context with its
// tenant for logging.
func Attach(c *gin.Context, h *Handle) {
	c.Set(ContextKeyHandle, h)
	if h.Tenant != nil {
		c.Request = c.Request.WithContext(logging.WithTenantID(c.Request.Context(), h.Tenant.ID))
	}
}

// HandleFrom returns the handle attached by Middleware, or nil.
func HandleFrom(c *gin.Context) *Handle {
	v, ok := c.Get(ContextKeyHandle)
	if !ok {
		return nil
	}
	h, _ := v.(*Handle)
	return h
}

// TenantFrom returns the resolved tenant, or nil.
func TenantFrom(c *gin.Context) *tenant.Tenant {
	if h := HandleFrom(c); h != nil {
		return h.Tenant
	}
	return nil
}

func writeResolveError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "TENANT_NOT_FOUND", "message": "tenant not found"})
	case errors.Is(err, ErrTenantInactive):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "TENANT_INACTIVE", "message": "tenant is inactive"})
	default:
		logging.L(c.Request.Context()).Error("tenant database unavailable", "error", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "TENANT_DB_UNAVAILABLE", "message": "tenant database unavailable"})
	}
}
