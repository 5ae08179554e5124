package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/pharmahub/internal/tenant"
)

func TestNewManager_RequiresSecret(t *testing.T) {
	_, err := NewManager("", 0)
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestManager_IssueAndVerify(t *testing.T) {
	m, err := NewManager("secret", time.Hour)
	require.NoError(t, err)

	token, expires, err := m.Issue("ten_1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	id, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ten_1", id)
}

func TestManager_RejectsForeignAndExpiredTokens(t *testing.T) {
	m, _ := NewManager("secret", time.Hour)
	other, _ := NewManager("other-secret", time.Hour)

	token, _, err := other.Issue("ten_1")
	require.NoError(t, err)
	_, err = m.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	past := time.Now().Add(-2 * time.Hour)
	m.now = func() time.Time { return past }
	expired, _, err := m.Issue("ten_1")
	require.NoError(t, err)
	m.now = time.Now
	_, err = m.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_RejectsNoneAlgorithm(t *testing.T) {
	m, _ := NewManager("secret", time.Hour)
	claims := Claims{
		TenantID: "ten_1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

type stubTenants map[string]*tenant.Tenant

func (s stubTenants) Get(_ context.Context, id string) (*tenant.Tenant, error) {
	if t, ok := s[id]; ok {
		return t, nil
	}
	return nil, tenant.ErrTenantNotFound
}

func TestHandler_IssueToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, _ := NewManager("secret", time.Hour)
	tenants := stubTenants{
		"ten_1": {ID: "ten_1", Status: tenant.StatusActive},
		"ten_2": {ID: "ten_2", Status: tenant.StatusInactive},
	}
	r := gin.New()
	NewHandler(m, tenants).RegisterAdminRoutes(r.Group("/v1/admin"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/admin/tenants/ten_1/token", nil))
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	id, err := m.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "ten_1", id)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/admin/tenants/ten_2/token", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/admin/tenants/missing/token", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
