// Package resilience implements the retry-with-timeout policy for pipeline
// steps and the error taxonomy used to classify step failures.
package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// ErrorCode classifies a step failure. Codes mirror what the extraction
// providers report and determine whether a retry can help.
type ErrorCode string

const (
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeNetworkError      ErrorCode = "NETWORK_ERROR"
	CodeServiceError      ErrorCode = "SERVICE_ERROR"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	CodeFileTooLarge      ErrorCode = "FILE_TOO_LARGE"
	CodeUnknown           ErrorCode = "UNKNOWN_ERROR"
)

// StepError carries a classified error code alongside the underlying error.
type StepError struct {
	Code ErrorCode
	Err  error
}

func (e *StepError) Error() string {
	return e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// NewStepError wraps an error with an explicit classification.
func NewStepError(code ErrorCode, err error) *StepError {
	return &StepError{Code: code, Err: err}
}

// Classify returns the error code for a step failure. Explicit StepError
// codes win; otherwise network conditions and provider message patterns
// are used, same heuristics as the extraction service.
func Classify(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	var se *StepError
	if errors.As(err, &se) {
		return se.Code
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return CodeNetworkError
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return CodeTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") ||
		strings.Contains(msg, "no such host") || strings.Contains(msg, "broken pipe"):
		return CodeNetworkError
	case strings.Contains(msg, "too large") || strings.Contains(msg, "size limit"):
		return CodeFileTooLarge
	case strings.Contains(msg, "unsupported") || strings.Contains(msg, "format"):
		return CodeUnsupportedFormat
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "bad request"):
		return CodeInvalidInput
	case strings.Contains(msg, "service") || strings.Contains(msg, "500") || strings.Contains(msg, "503"):
		return CodeServiceError
	}

	return CodeUnknown
}

// IsRetryable reports whether another attempt can plausibly succeed.
// Malformed input, unsupported formats, and oversized files never recover
// on retry; everything else (timeouts, network, service errors) may.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case CodeInvalidInput, CodeUnsupportedFormat, CodeFileTooLarge:
		return false
	default:
		return true
	}
}

// IsTimeout reports whether the failure was a per-attempt timeout. The
// executor records these as a distinct step status.
func IsTimeout(err error) bool {
	return Classify(err) == CodeTimeout
}

// IsRetryableHTTPStatus reports whether an HTTP status from an extraction
// provider is worth retrying.
func IsRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
