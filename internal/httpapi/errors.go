package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"calldispatch/internal/providers"
	"calldispatch/internal/queue"
	"calldispatch/internal/reporting"
	"calldispatch/internal/usage"
	"calldispatch/pkg/logger"

	"github.com/gin-gonic/gin"
)

// writeError maps domain errors to status codes and user-facing codes.
// Unexpected errors are logged and reported as 500 without detail.
func writeError(c *gin.Context, err error) {
	var verr *queue.ValidationError
	switch {
	case errors.As(err, &verr):
		body := gin.H{"error": verr.Message, "code": verr.Code}
		if len(verr.Missing) > 0 {
			body["missing"] = verr.Missing
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, body)
	case errors.Is(err, queue.ErrValidation), errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": queue.CodeInvalidRequest})
	case errors.Is(err, usage.ErrQuotaExceeded):
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "call limit reached", "code": usage.CodeNoCallsRemaining})
	case errors.Is(err, usage.ErrNoActiveSubscription):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "no active subscription", "code": usage.CodeNoActiveSubscription})
	case errors.Is(err, queue.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found", "code": queue.CodeNotFound})
	case errors.Is(err, queue.ErrNotCancellable):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "call can no longer be cancelled", "code": queue.CodeNotCancellable})
	case errors.Is(err, providers.ErrUnknownProvider):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "provider not found"})
	default:
		_ = c.Error(err)
		loggerFrom(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func loggerFrom(c *gin.Context) *slog.Logger {
	return logger.FromGin(c)
}
