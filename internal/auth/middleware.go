package auth

import (
	"net/http"
	"strings"
	"time"

	"calldispatch/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequireAccessToken verifies the bearer access token, puts the identity on
// the request context and tags the request logger with it. Role checks live
// in internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
		if err != nil {
			logger.FromGin(c).Debug("access token rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx := WithIdentity(c.Request.Context(), claims.UserID, claims.Role)
		reqLogger := logger.FromGin(c).With("user_id", claims.UserID, "role", claims.Role)
		c.Set("logger", reqLogger)
		c.Request = c.Request.WithContext(logger.With(ctx, reqLogger))
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// RefreshHandler rotates a token pair. Old refresh tokens stay valid until
// they expire; there is no revocation list.
func RefreshHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req refreshRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token is required"})
			return
		}
		pair, err := m.Refresh(time.Now(), req.RefreshToken)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
			return
		}
		c.JSON(http.StatusOK, pair)
	}
}
