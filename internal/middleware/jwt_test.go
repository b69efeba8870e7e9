package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanlume/telemetry/internal/auth"
)

func optionalJWTRouter(t *testing.T, svc *auth.JWTService) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(OptionalJWT(svc))
	r.POST("/events", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userId": c.GetString(ContextUserID)})
	})
	return r
}

func TestOptionalJWTPassesWithoutHeader(t *testing.T) {
	r := optionalJWTRouter(t, auth.NewJWTService("test-secret", 24))

	req := httptest.NewRequest(http.MethodPost, "/events", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"userId":""`)
}

func TestOptionalJWTSetsClaimsFromValidToken(t *testing.T) {
	svc := auth.NewJWTService("test-secret", 24)
	token, err := svc.Generate("user-1", "channel-1")
	require.NoError(t, err)

	r := optionalJWTRouter(t, svc)
	req := httptest.NewRequest(http.MethodPost, "/events", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"userId":"user-1"`)
}

func TestOptionalJWTRejectsMalformedHeader(t *testing.T) {
	r := optionalJWTRouter(t, auth.NewJWTService("test-secret", 24))

	req := httptest.NewRequest(http.MethodPost, "/events", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOptionalJWTRejectsInvalidToken(t *testing.T) {
	r := optionalJWTRouter(t, auth.NewJWTService("test-secret", 24))

	req := httptest.NewRequest(http.MethodPost, "/events", nil)
	req.Header.Set("Authorization", "Bearer bogus.token.value")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
