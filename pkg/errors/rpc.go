package errors

import (
	"fmt"
	"math/rand"
	"net/http"
	"time"
)

/*
RpcError represents a JSON-RPC error response.
*/
type RpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`

	// Status is the HTTP status the proxy surfaces alongside the error.
	// Several -32603 variants map to different statuses, so the code alone
	// is not enough.
	Status int `json:"-"`
}

/*
Error implements the error interface for RpcError.
*/
func (e *RpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Convenience errors (JSON‑RPC reserved codes -32700 .. -32600, A2A codes
// -32000 .. -32099).
var (
	ErrParseError     = &RpcError{Code: -32700, Message: "Parse error", Status: http.StatusBadRequest}
	ErrInvalidRequest = &RpcError{Code: -32600, Message: "Invalid Request", Status: http.StatusBadRequest}
	ErrMethodNotFound = &RpcError{Code: -32601, Message: "Method not found", Status: http.StatusNotFound}
	ErrInvalidParams  = &RpcError{Code: -32602, Message: "Invalid params", Status: http.StatusBadRequest}
	ErrInternal       = &RpcError{Code: -32603, Message: "Internal error", Status: http.StatusInternalServerError}

	ErrAgentNotFound        = &RpcError{Code: -32001, Message: "Agent not found", Status: http.StatusNotFound}
	ErrTaskNotFound         = &RpcError{Code: -32001, Message: "Task not found", Status: http.StatusNotFound}
	ErrUnsupportedOperation = &RpcError{Code: -32004, Message: "Unsupported operation", Status: http.StatusBadRequest}

	ErrAgentTimeout     = &RpcError{Code: -32603, Message: "Agent timeout", Status: http.StatusGatewayTimeout}
	ErrAgentUnavailable = &RpcError{Code: -32603, Message: "Agent unavailable", Status: http.StatusBadGateway}
	ErrBusPublishFailed = &RpcError{Code: -32603, Message: "Bus publish failed", Status: http.StatusServiceUnavailable}
	ErrRequestTimeout   = &RpcError{Code: -32603, Message: "Request timeout", Status: http.StatusGatewayTimeout}
	ErrStreamBroken     = &RpcError{Code: -32603, Message: "Stream out-of-order window exceeded", Status: http.StatusInternalServerError}
)

// WithMessagef creates a *copy* of an RpcError with a formatted message.
// It does not modify the original error variable.
func (e *RpcError) WithMessagef(format string, args ...any) *RpcError {
	newErr := *e // shallow copy so the package-level variables stay pristine
	newErr.Message = fmt.Sprintf(format, args...)
	return &newErr
}

// WithData creates a copy of an RpcError carrying additional data.
func (e *RpcError) WithData(data any) *RpcError {
	newErr := *e
	newErr.Data = data
	return &newErr
}

// HTTPStatus returns the HTTP status paired with the error, defaulting to 500.
func (e *RpcError) HTTPStatus() int {
	if e.Status == 0 {
		return http.StatusInternalServerError
	}
	return e.Status
}

// RetryConfig holds configuration for retry behavior.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        float64
}

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 2.0,
		Jitter:        0.2,
	}
}

// RetryWithBackoff executes a function with exponential backoff retry logic.
func RetryWithBackoff(config *RetryConfig, fn func() error) error {
	var err error
	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if attempt == config.MaxAttempts-1 {
			break
		}

		time.Sleep(jittered(delay, config.Jitter))
		delay = time.Duration(float64(delay) * config.BackoffFactor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return fmt.Errorf("after %d attempts, last error: %w", config.MaxAttempts, err)
}

func jittered(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	spread := float64(d) * fraction
	return d + time.Duration(rand.Float64()*2*spread-spread)
}
