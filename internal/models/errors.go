package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable, user-visible error identifier.
type ErrorCode string

const (
	ErrCodeUnauthorized          ErrorCode = "UNAUTHORIZED"
	ErrCodeBrowserNotInitialized ErrorCode = "BROWSER_NOT_INITIALIZED"
	ErrCodeServerBusy            ErrorCode = "SERVER_BUSY"
	ErrCodeNoMessages            ErrorCode = "NO_MESSAGES"
	ErrCodeNoUserMessages        ErrorCode = "NO_USER_MESSAGES"
	ErrCodeTooManyImages         ErrorCode = "TOO_MANY_IMAGES"
	ErrCodeInvalidModel          ErrorCode = "INVALID_MODEL"
	ErrCodeImageRequired         ErrorCode = "IMAGE_REQUIRED"
	ErrCodeImageForbidden        ErrorCode = "IMAGE_FORBIDDEN"
	ErrCodeRecaptcha             ErrorCode = "RECAPTCHA"
	ErrCodeInternalError         ErrorCode = "INTERNAL_ERROR"
	ErrCodeGenerationFailed      ErrorCode = "GENERATION_FAILED"
	ErrCodeFailoverExhausted     ErrorCode = "FAILOVER_EXHAUSTED"
)

// errorMapping binds a code to its HTTP status and OpenAI error type.
type errorMapping struct {
	status  int
	errType string
}

var errorMappings = map[ErrorCode]errorMapping{
	ErrCodeUnauthorized:          {http.StatusUnauthorized, "invalid_request"},
	ErrCodeBrowserNotInitialized: {http.StatusServiceUnavailable, "server_error"},
	ErrCodeServerBusy:            {http.StatusTooManyRequests, "rate_limit"},
	ErrCodeNoMessages:            {http.StatusBadRequest, "invalid_request"},
	ErrCodeNoUserMessages:        {http.StatusBadRequest, "invalid_request"},
	ErrCodeTooManyImages:         {http.StatusBadRequest, "invalid_request"},
	ErrCodeInvalidModel:          {http.StatusBadRequest, "invalid_request"},
	ErrCodeImageRequired:         {http.StatusBadRequest, "invalid_request"},
	ErrCodeImageForbidden:        {http.StatusBadRequest, "invalid_request"},
	ErrCodeRecaptcha:             {http.StatusForbidden, "server_error"},
	ErrCodeInternalError:         {http.StatusInternalServerError, "server_error"},
	ErrCodeGenerationFailed:      {http.StatusBadGateway, "server_error"},
	ErrCodeFailoverExhausted:     {http.StatusBadGateway, "server_error"},
}

// GatewayError is a typed error carrying a stable code. User-visible
// messages come from here, never from internal stack traces.
type GatewayError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the HTTP status mapped to the error code.
func (e *GatewayError) HTTPStatus() int {
	if m, ok := errorMappings[e.Code]; ok {
		return m.status
	}
	return http.StatusInternalServerError
}

// OpenAIType returns the OpenAI error type for the error code.
func (e *GatewayError) OpenAIType() string {
	if m, ok := errorMappings[e.Code]; ok {
		return m.errType
	}
	return "server_error"
}

// NewGatewayError creates a typed error with a stable code and message.
func NewGatewayError(code ErrorCode, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message}
}

// WrapGatewayError creates a typed error wrapping an underlying cause.
func WrapGatewayError(code ErrorCode, message string, cause error) *GatewayError {
	return &GatewayError{Code: code, Message: message, Cause: cause}
}

// AsGatewayError extracts a GatewayError from an error chain, falling back
// to INTERNAL_ERROR for unclassified errors.
func AsGatewayError(err error) *GatewayError {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	return &GatewayError{Code: ErrCodeInternalError, Message: "internal error", Cause: err}
}

// ErrorResponse is the OpenAI-compatible error body shape.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// NewErrorResponse shapes any error into the OpenAI error body.
func NewErrorResponse(err error) ErrorResponse {
	gwErr := AsGatewayError(err)
	message := gwErr.Message
	if gwErr.Cause != nil {
		message = fmt.Sprintf("%s: %v", gwErr.Message, gwErr.Cause)
	}
	return ErrorResponse{
		Error: ErrorDetail{
			Message: message,
			Type:    gwErr.OpenAIType(),
			Code:    string(gwErr.Code),
		},
	}
}
