package apperrors

import "errors"

// Standardized repricer errors
var (
	ErrInvalidPolicy        = errors.New("invalid pricing policy")
	ErrStoreConflict        = errors.New("price record version conflict")
	ErrRecordNotFound       = errors.New("price record not found")
	ErrPublishFailed        = errors.New("listing publish failed")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrNetwork              = errors.New("network error")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInvalidNotification  = errors.New("invalid offer notification")
	ErrReconcileInFlight    = errors.New("reconciliation already in flight")
)
