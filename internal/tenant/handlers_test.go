package tenant

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, _, _, _ := newTestService(t)
	r := gin.New()
	NewHandler(svc).RegisterAdminRoutes(r.Group("/v1/admin"))
	return r
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateGetDeactivate(t *testing.T) {
	r := setupTestRouter(t)

	w := doJSON(r, "POST", "/v1/admin/tenants", map[string]any{
		"taxId": validCNPJ, "name": "Farmácia Sul",
		"database": map[string]string{"password": "pw"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "passwordEnc")

	var created struct {
		Tenant Tenant `json:"tenant"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Tenant.ID

	w = doJSON(r, "GET", "/v1/admin/tenants/11222333000181", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, "POST", "/v1/admin/tenants/"+id+"/deactivate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"inactive"`)

	w = doJSON(r, "POST", "/v1/admin/tenants/"+id+"/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"active"`)
}

func TestHandler_CreateErrors(t *testing.T) {
	r := setupTestRouter(t)

	w := doJSON(r, "POST", "/v1/admin/tenants", map[string]any{"name": "missing tax id"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, "POST", "/v1/admin/tenants", map[string]any{"taxId": "123", "name": "X"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, "POST", "/v1/admin/tenants", map[string]any{"taxId": validCNPJ, "name": "X"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = doJSON(r, "POST", "/v1/admin/tenants", map[string]any{"taxId": validCNPJ, "name": "X"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_GetNotFound(t *testing.T) {
	r := setupTestRouter(t)
	w := doJSON(r, "GET", "/v1/admin/tenants/ten_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "TENANT_NOT_FOUND")
}

func TestHandler_PatchAndList(t *testing.T) {
	r := setupTestRouter(t)

	w := doJSON(r, "POST", "/v1/admin/tenants", map[string]any{"taxId": validCNPJ, "name": "X"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Tenant Tenant `json:"tenant"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(r, "PATCH", "/v1/admin/tenants/"+created.Tenant.ID, map[string]any{"modules": []string{"regulatory"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "regulatory")

	w = doJSON(r, "GET", "/v1/admin/tenants?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}
