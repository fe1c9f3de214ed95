package usage

import (
	"context"
	"errors"
	"net/http"

	"calldispatch/internal/auth"
	"calldispatch/internal/rbac"
	"calldispatch/pkg/logger"

	"github.com/gin-gonic/gin"
)

// SubscriptionReader is the minimal accountant interface needed by middleware.
type SubscriptionReader interface {
	Current(ctx context.Context, userID string) (Subscription, error)
}

// RequireCallsRemaining rejects admission requests early when the caller has no
// active subscription or no calls left. It is a fast path only; the atomic
// check happens in CheckAndReserve.
//
// Operators and super_admin bypass.
func RequireCallsRemaining(svc SubscriptionReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := auth.Role(c.Request.Context())
		if rbac.IsStaff(role) {
			c.Next()
			return
		}

		userID, err := auth.UserID(c.Request.Context())
		if err != nil || userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
			return
		}

		sub, err := svc.Current(c.Request.Context(), userID)
		if err != nil {
			if errors.Is(err, ErrNoActiveSubscription) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "no active subscription", "code": CodeNoActiveSubscription})
				return
			}
			logger.FromGin(c).Error("subscription lookup failed", "user_id", userID, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "subscription lookup failed"})
			return
		}
		if sub.Remaining() == 0 {
			// 402 Payment Required is semantically appropriate.
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "call limit reached", "code": CodeNoCallsRemaining})
			return
		}

		c.Next()
	}
}
