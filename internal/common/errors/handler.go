// internal/common/errors/handler.go
package errors

import (
	"encoding/json"
	"net/http"
)

// ErrorHandler turns errors raised behind an HTTP surface into JSON error
// responses. Internal causes are logged, never written to the client.
type ErrorHandler struct {
	logger Logger
}

type Logger interface {
	Error(msg string, fields map[string]interface{})
}

// ErrorResponse is the body written for any failed request.
type ErrorResponse struct {
	Error string    `json:"error"`
	Code  ErrorCode `json:"code,omitempty"`
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleHTTPError normalizes err, logs it and writes the mapped status.
func (h *ErrorHandler) HandleHTTPError(w http.ResponseWriter, r *http.Request, err error) {
	stdErr := h.normalizeError(err)
	status := HTTPStatus(stdErr.Code)

	if h.logger != nil {
		h.logger.Error("Request failed", map[string]interface{}{
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    status,
			"errorCode": stdErr.Code,
			"category":  GetErrorCategory(stdErr.Code),
			"details":   stdErr.Details,
		})
	}

	WriteJSONError(w, status, stdErr.Code, stdErr.Message)
}

// normalizeError ensures we always have a StandardError
func (h *ErrorHandler) normalizeError(err error) *StandardError {
	if stdErr, ok := AsStandardError(err); ok {
		return stdErr
	}
	return NewInternalError(err)
}

// HTTPStatus maps an error code to the status returned to callers.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeWebhookSignatureInvalid:
		return http.StatusUnauthorized
	case ErrCodeWebhookPayloadInvalid, ErrCodeInvalidNotification, ErrCodeInvalidRecipient:
		return http.StatusBadRequest
	case ErrCodeRecordNotFound:
		return http.StatusNotFound
	case ErrCodeLockNotAcquired:
		return http.StatusConflict
	case ErrCodeDatabaseConnectionFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSONError writes {"error": message, "code": code}.
func WriteJSONError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}
