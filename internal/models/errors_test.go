package models

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodeMappings(t *testing.T) {
	tests := []struct {
		code    ErrorCode
		status  int
		errType string
	}{
		{ErrCodeUnauthorized, http.StatusUnauthorized, "invalid_request"},
		{ErrCodeBrowserNotInitialized, http.StatusServiceUnavailable, "server_error"},
		{ErrCodeServerBusy, http.StatusTooManyRequests, "rate_limit"},
		{ErrCodeNoMessages, http.StatusBadRequest, "invalid_request"},
		{ErrCodeNoUserMessages, http.StatusBadRequest, "invalid_request"},
		{ErrCodeTooManyImages, http.StatusBadRequest, "invalid_request"},
		{ErrCodeInvalidModel, http.StatusBadRequest, "invalid_request"},
		{ErrCodeImageRequired, http.StatusBadRequest, "invalid_request"},
		{ErrCodeImageForbidden, http.StatusBadRequest, "invalid_request"},
		{ErrCodeRecaptcha, http.StatusForbidden, "server_error"},
		{ErrCodeInternalError, http.StatusInternalServerError, "server_error"},
		{ErrCodeGenerationFailed, http.StatusBadGateway, "server_error"},
		{ErrCodeFailoverExhausted, http.StatusBadGateway, "server_error"},
	}
	for _, tt := range tests {
		err := NewGatewayError(tt.code, "x")
		assert.Equal(t, tt.status, err.HTTPStatus(), string(tt.code))
		assert.Equal(t, tt.errType, err.OpenAIType(), string(tt.code))
	}
}

func TestGatewayErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := WrapGatewayError(ErrCodeGenerationFailed, "wrapper", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "root cause")
	assert.Contains(t, err.Error(), "GENERATION_FAILED")
}

func TestAsGatewayErrorPassthrough(t *testing.T) {
	orig := NewGatewayError(ErrCodeServerBusy, "busy")
	assert.Equal(t, orig, AsGatewayError(orig))
}

func TestAsGatewayErrorWrapsUnknown(t *testing.T) {
	err := AsGatewayError(errors.New("who knows"))
	require.NotNil(t, err)
	assert.Equal(t, ErrCodeInternalError, err.Code)
}

func TestNewErrorResponseShape(t *testing.T) {
	resp := NewErrorResponse(NewGatewayError(ErrCodeInvalidModel, "nope"))
	assert.Equal(t, "nope", resp.Error.Message)
	assert.Equal(t, "invalid_request", resp.Error.Type)
	assert.Equal(t, "INVALID_MODEL", resp.Error.Code)
}
