package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestGenerateToken(t *testing.T) {
	token, err := GenerateToken("tbm-app", testSecret, time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := ParseToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "tbm-app", claims.ClientID)

	_, err = ParseToken(token, "wrong-secret")
	assert.Error(t, err)
}

func TestJWTAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	valid, err := GenerateToken("tbm-app", testSecret, time.Hour)
	require.NoError(t, err)
	expired, err := GenerateToken("tbm-app", testSecret, -time.Hour)
	require.NoError(t, err)
	anonymous, err := GenerateToken("", testSecret, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name           string
		secret         string
		header         string
		expectedStatus int
		expectedClient string
	}{
		{
			name:           "Missing authorization header",
			secret:         testSecret,
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Invalid token format",
			secret:         testSecret,
			header:         "InvalidToken",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Expired token",
			secret:         testSecret,
			header:         "Bearer " + expired,
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Token without client",
			secret:         testSecret,
			header:         "Bearer " + anonymous,
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Valid token",
			secret:         testSecret,
			header:         "Bearer " + valid,
			expectedStatus: http.StatusOK,
			expectedClient: "tbm-app",
		},
		{
			name:           "Auth disabled",
			secret:         "",
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			var gotClient string
			router.Use(JWTAuth(tt.secret))
			router.GET("/test", func(c *gin.Context) {
				gotClient, _ = GetClientID(c)
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Equal(t, tt.expectedClient, gotClient)
		})
	}
}
