package gateway

import (
	"errors"
	"fmt"

	"github.com/sells-group/sheet-assist/internal/resilience"
)

// ConfigurationError reports a backend that cannot be used as configured,
// typically a missing API key. It is never retried.
type ConfigurationError struct {
	Vendor string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("gateway: %s is not configured: %s", e.Vendor, e.Reason)
}

// AuthError reports a rejected credential (HTTP 401/403). It is never retried.
type AuthError struct {
	Vendor     string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("gateway: %s rejected credentials (status %d): %v", e.Vendor, e.StatusCode, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError covers transport failures, timeouts and non-2xx responses
// other than 401/403. It is always retried.
type NetworkError struct {
	Vendor     string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("API request failed with status %d: %v", e.StatusCode, e.Err)
	}
	return e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// MalformedResponseError reports a response that decoded but carried no usable text.
type MalformedResponseError struct {
	Vendor string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("invalid response format from %s: %v", e.Vendor, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// SendError is the permanent failure of one gateway call after retries.
type SendError struct {
	Vendor   string
	Attempts int
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("gateway: %s failed after %d attempts: %v", e.Vendor, e.Attempts, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Retryable reports whether a backend error may succeed on another attempt.
func Retryable(err error) bool {
	var netErr *NetworkError
	var malformed *MalformedResponseError
	switch {
	case errors.As(err, &netErr), errors.As(err, &malformed):
		return true
	default:
		return resilience.IsTransient(err)
	}
}

// IsConfigurationError reports whether err carries a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
