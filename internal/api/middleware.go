package api

import (
	"errors"
	"net/http"

	"repricer/internal/auth"
	apperrors "repricer/pkg/errors"

	"github.com/gin-gonic/gin"
)

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, requestID := auth.WithRequestID(c.Request.Context())
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-Id", requestID)

		key := c.GetHeader(auth.HeaderAPIKey)
		if err := s.deps.Validator.Authorize(key, c.Request.Method+" "+c.FullPath(), c.ClientIP()); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, apperrors.ErrRateLimitExceeded) {
				status = http.StatusTooManyRequests
			}
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrInvalidNotification), errors.Is(err, apperrors.ErrInvalidPolicy):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrStoreConflict), errors.Is(err, apperrors.ErrReconcileInFlight):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}
