// Package errors provides standardized error handling for the notification pipeline.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Dispatch
	ErrCodeNotificationSendFailed ErrorCode = "NOTIFICATION_SEND_FAILED"
	ErrCodeInvalidRecipient       ErrorCode = "INVALID_RECIPIENT"
	ErrCodeNotificationExpired    ErrorCode = "NOTIFICATION_EXPIRED"
	ErrCodeInvalidNotification    ErrorCode = "INVALID_NOTIFICATION"

	// Webhook
	ErrCodeWebhookSignatureInvalid ErrorCode = "WEBHOOK_SIGNATURE_INVALID"
	ErrCodeWebhookPayloadInvalid   ErrorCode = "WEBHOOK_PAYLOAD_INVALID"
	ErrCodeWebhookCorrelationMiss  ErrorCode = "WEBHOOK_CORRELATION_MISS"

	// Sweep
	ErrCodeSweepBatchFailed ErrorCode = "SWEEP_BATCH_FAILED"

	// Push registration
	ErrCodePushRegistrationFailed ErrorCode = "PUSH_REGISTRATION_FAILED"

	// Storage
	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeQueryExecutionFailed     ErrorCode = "QUERY_EXECUTION_FAILED"
	ErrCodeRecordNotFound           ErrorCode = "RECORD_NOT_FOUND"

	ErrCodeLockNotAcquired ErrorCode = "LOCK_NOT_ACQUIRED"
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// WithMetadata attaches a key/value pair and returns the same error.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

func newError(code ErrorCode, message, details string, retryable bool, cause error) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		cause:     cause,
	}
}

func detailsOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ==========================
// 2. Error Constructors
// ==========================

// NewNotificationSendFailedError creates a retryable provider error.
func NewNotificationSendFailedError(channel string, err error) *StandardError {
	return newError(ErrCodeNotificationSendFailed,
		fmt.Sprintf("Failed to send %s notification", channel),
		detailsOf(err), true, err)
}

// NewInvalidRecipientError creates a permanent dispatch error: bad address,
// unregistered token or missing contact data.
func NewInvalidRecipientError(channel, details string) *StandardError {
	return newError(ErrCodeInvalidRecipient,
		fmt.Sprintf("Invalid %s recipient", channel),
		details, false, nil)
}

func NewNotificationExpiredError(notificationID string) *StandardError {
	return newError(ErrCodeNotificationExpired, "notification expired", notificationID, false, nil)
}

func NewInvalidNotificationError(details string) *StandardError {
	return newError(ErrCodeInvalidNotification, "Invalid notification request", details, false, nil)
}

func NewWebhookSignatureInvalidError(provider, details string) *StandardError {
	return newError(ErrCodeWebhookSignatureInvalid, "Invalid webhook signature", details, false, nil).
		WithMetadata("provider", provider)
}

func NewWebhookPayloadInvalidError(details string) *StandardError {
	return newError(ErrCodeWebhookPayloadInvalid, "Invalid webhook payload", details, false, nil)
}

func NewWebhookCorrelationMissError(provider, messageID string) *StandardError {
	return newError(ErrCodeWebhookCorrelationMiss, "Unknown provider message id", messageID, false, nil).
		WithMetadata("provider", provider)
}

// NewSweepBatchFailedError wraps a failed chunk write; the next scheduled run retries it.
func NewSweepBatchFailedError(chunk int, err error) *StandardError {
	return newError(ErrCodeSweepBatchFailed,
		fmt.Sprintf("Expiry sweep chunk %d failed", chunk),
		detailsOf(err), true, err)
}

func NewPushRegistrationFailedError(details string, err error) *StandardError {
	return newError(ErrCodePushRegistrationFailed, "Push registration failed", details, false, err)
}

func NewDatabaseConnectionFailedError(err error) *StandardError {
	return newError(ErrCodeDatabaseConnectionFailed, "Database connection failed", detailsOf(err), true, err)
}

func NewQueryExecutionFailedError(queryType string, err error) *StandardError {
	return newError(ErrCodeQueryExecutionFailed,
		fmt.Sprintf("Query execution failed: %s", queryType),
		detailsOf(err), true, err)
}

func NewRecordNotFoundError(kind, id string) *StandardError {
	return newError(ErrCodeRecordNotFound, fmt.Sprintf("%s not found", kind), id, false, nil)
}

func NewLockNotAcquiredError(key string) *StandardError {
	return newError(ErrCodeLockNotAcquired, "Lock held by another instance", key, false, nil)
}

func NewInternalError(err error) *StandardError {
	return newError(ErrCodeInternal, "Unexpected error", detailsOf(err), false, err)
}

// ==========================
// 3. Utility Functions
// ==========================

// GetRetryCount returns the recommended retry count for a code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeNotificationSendFailed,
		ErrCodeDatabaseConnectionFailed,
		ErrCodeQueryExecutionFailed:
		return 3

	case ErrCodeSweepBatchFailed:
		return 1 // next scheduled run

	default:
		return 0
	}
}

// AsStandardError unwraps err into a StandardError if one is in the chain.
func AsStandardError(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}

// IsRetryable reports whether err should be retried. Errors that are not
// StandardErrors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if stdErr, ok := AsStandardError(err); ok {
		return stdErr.Retryable
	}
	return true
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	stdErr, ok := AsStandardError(err)
	return ok && stdErr.Code == code
}

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "WEBHOOK"):
		return "WEBHOOK"
	case strings.Contains(codeStr, "NOTIFICATION") || strings.Contains(codeStr, "RECIPIENT"):
		return "DISPATCH"
	case strings.Contains(codeStr, "SWEEP"):
		return "SWEEP"
	case strings.Contains(codeStr, "PUSH"):
		return "PUSH"
	case strings.Contains(codeStr, "DATABASE") || strings.Contains(codeStr, "QUERY") || strings.Contains(codeStr, "RECORD"):
		return "DATABASE"
	case strings.Contains(codeStr, "LOCK"):
		return "COORDINATION"
	default:
		return "OTHER"
	}
}
