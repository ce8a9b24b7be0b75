// Package apierr defines the typed error carried through the dispatch path
// and the cross-format error codec. The canonical error is the OpenAI shape
// {"error":{"message","type","param","code"}}.
package apierr

import (
	"fmt"
	"net/http"
)

// APIError is a wire-mappable error with an HTTP status and an OpenAI-style
// machine type.
type APIError struct {
	Status  int
	Type    string
	Message string
	Param   string
	Code    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Type, e.Status, e.Message)
}

// New builds an APIError with the type inferred from the status.
func New(status int, message string) *APIError {
	t, _ := typeForStatus(status)
	return &APIError{
		Status:  status,
		Type:    t,
		Message: message,
		Code:    fmt.Sprintf("%d", status),
	}
}

func BadRequest(message string) *APIError { return New(http.StatusBadRequest, message) }

func Unauthorized(message string) *APIError { return New(http.StatusUnauthorized, message) }

func NotFound(message string) *APIError { return New(http.StatusNotFound, message) }

func ServiceUnavailable(message string) *APIError {
	return New(http.StatusServiceUnavailable, message)
}

func BadGateway(message string) *APIError { return New(http.StatusBadGateway, message) }

func Internal(message string) *APIError { return New(http.StatusInternalServerError, message) }

// typeForStatus maps an HTTP status to the OpenAI error type and the Gemini
// status string.
func typeForStatus(status int) (openaiType, geminiStatus string) {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error", "UNAUTHENTICATED"
	case status == http.StatusForbidden:
		return "permission_denied_error", "PERMISSION_DENIED"
	case status == http.StatusNotFound:
		return "not_found_error", "NOT_FOUND"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error", "RESOURCE_EXHAUSTED"
	case status >= 400 && status < 500:
		return "invalid_request_error", "INVALID_ARGUMENT"
	default:
		return "api_error", "INTERNAL"
	}
}

// geminiStatusToType maps the Gemini status string back to the OpenAI type.
var geminiStatusToType = map[string]string{
	"INVALID_ARGUMENT":   "invalid_request_error",
	"PERMISSION_DENIED":  "permission_denied_error",
	"UNAUTHENTICATED":    "authentication_error",
	"RESOURCE_EXHAUSTED": "rate_limit_error",
	"NOT_FOUND":          "not_found_error",
}

// typeToGeminiStatus is the inverse mapping.
var typeToGeminiStatus = map[string]string{
	"authentication_error":    "UNAUTHENTICATED",
	"permission_denied_error": "PERMISSION_DENIED",
	"invalid_request_error":   "INVALID_ARGUMENT",
	"not_found_error":         "NOT_FOUND",
	"rate_limit_error":        "RESOURCE_EXHAUSTED",
}
