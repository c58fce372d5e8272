// Package auth guards the operator surfaces with API keys and a per key
// request rate limit.
package auth

import (
	"context"
	"fmt"
	"sync"

	"repricer/internal/core"
	apperrors "repricer/pkg/errors"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// HeaderAPIKey carries the key on HTTP requests and in gRPC metadata
	HeaderAPIKey = "x-api-key"

	// DefaultRateLimitPerKey is requests per second allowed per key
	DefaultRateLimitPerKey = 10
)

// APIKeyValidator validates API keys and rate limits each key independently.
// A validator without keys allows every request.
type APIKeyValidator struct {
	validKeys map[string]bool
	limiters  map[string]*rate.Limiter
	rateLimit rate.Limit
	burst     int
	logger    core.ILogger
	mu        sync.RWMutex
}

// NewAPIKeyValidator creates a validator for apiKeys
func NewAPIKeyValidator(apiKeys []string, ratePerSec float64, logger core.ILogger) *APIKeyValidator {
	validKeys := make(map[string]bool)
	for _, key := range apiKeys {
		if key != "" {
			validKeys[key] = true
		}
	}
	if ratePerSec <= 0 {
		ratePerSec = DefaultRateLimitPerKey
	}
	burst := int(ratePerSec)
	if burst < 1 {
		burst = 1
	}

	return &APIKeyValidator{
		validKeys: validKeys,
		limiters:  make(map[string]*rate.Limiter),
		rateLimit: rate.Limit(ratePerSec),
		burst:     burst,
		logger:    logger.WithField("component", "auth"),
	}
}

// Enabled reports whether any key is configured
func (v *APIKeyValidator) Enabled() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.validKeys) > 0
}

// AddAPIKey adds a key, for rotation
func (v *APIKeyValidator) AddAPIKey(apiKey string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.validKeys[apiKey] = true
	v.logger.Info("API key added")
}

// RemoveAPIKey revokes a key and drops its limiter
func (v *APIKeyValidator) RemoveAPIKey(apiKey string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.validKeys, apiKey)
	delete(v.limiters, apiKey)
	v.logger.Info("API key removed")
}

// ValidateAPIKey checks if the API key is valid
func (v *APIKeyValidator) ValidateAPIKey(apiKey string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.validKeys[apiKey]
}

// CheckRateLimit takes one token from the key's bucket
func (v *APIKeyValidator) CheckRateLimit(apiKey string) bool {
	v.mu.Lock()
	limiter, ok := v.limiters[apiKey]
	if !ok {
		limiter = rate.NewLimiter(v.rateLimit, v.burst)
		v.limiters[apiKey] = limiter
	}
	v.mu.Unlock()
	return limiter.Allow()
}

// Authorize returns ErrAuthenticationFailed for a missing or unknown key and
// ErrRateLimitExceeded when the key is over its limit.
func (v *APIKeyValidator) Authorize(apiKey, method, client string) error {
	if !v.Enabled() {
		return nil
	}
	if apiKey == "" {
		v.logger.Warn("Authentication failed: missing API key", "method", method, "client_ip", client)
		return fmt.Errorf("%w: missing API key", apperrors.ErrAuthenticationFailed)
	}
	if !v.ValidateAPIKey(apiKey) {
		v.logger.Warn("Authentication failed: invalid API key", "method", method, "client_ip", client)
		return fmt.Errorf("%w: invalid API key", apperrors.ErrAuthenticationFailed)
	}
	if !v.CheckRateLimit(apiKey) {
		v.logger.Warn("Rate limit exceeded", "method", method, "client_ip", client)
		return fmt.Errorf("%w: API key over limit", apperrors.ErrRateLimitExceeded)
	}
	return nil
}

type requestIDKey struct{}

// WithRequestID tags ctx with a fresh request id
func WithRequestID(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return context.WithValue(ctx, requestIDKey{}, id), id
}

// RequestID returns the id set by WithRequestID
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return "unknown"
}
