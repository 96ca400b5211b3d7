package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	assert.Equal(t, "INVALID_INPUT: test error", err.Error())
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("dial tcp: connection refused")
	err := NewUpstreamError("upstream dial failed", originalErr)

	assert.Same(t, originalErr, err.Cause)
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, originalErr)
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	err.WithContext("field", "room").WithContext("count", 42)

	assert.Equal(t, "room", err.Context["field"])
	assert.Equal(t, 42, err.Context["count"])
}

func TestAdmissionMessages(t *testing.T) {
	tooLarge := NewMessageTooLargeError(10 * 1024)
	assert.Equal(t, "Message too large. Maximum size is 10KB", tooLarge.Message)
	assert.Equal(t, KindAdmission, tooLarge.Kind())

	limited := NewRateLimitError(10, "60s")
	assert.Equal(t, "Rate limit exceeded. Maximum 10 messages per 60s", limited.Message)
	assert.Equal(t, http.StatusTooManyRequests, limited.HTTPStatus)
	assert.Equal(t, KindAdmission, limited.Kind())
}

func TestKinds(t *testing.T) {
	cases := []struct {
		err  *AppError
		kind Kind
	}{
		{NewProtocolError("expected websocket"), KindProtocol},
		{NewUnauthorizedError("missing token"), KindAuth},
		{NewSessionNotReadyError(), KindAdmission},
		{NewUpstreamError("peer closed", nil), KindUpstream},
		{NewNotConfiguredError(nil), KindConfig},
		{NewInternalError("boom"), KindOther},
	}
	for _, tc := range cases {
		t.Run(string(tc.err.Code), func(t *testing.T) {
			assert.Equal(t, tc.kind, tc.err.Kind())
		})
	}
}

func TestNotConfigured(t *testing.T) {
	err := NewNotConfiguredError(errors.New("OPENAI_API_KEY is not set"))
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus)
	assert.Equal(t, "service not configured", err.Message)
}

func TestGetAppError_Wrapped(t *testing.T) {
	inner := NewUnauthorizedError("token expired")
	wrapped := fmt.Errorf("verify: %w", inner)

	got := GetAppError(wrapped)
	require.NotNil(t, got)
	assert.Same(t, inner, got)
	assert.True(t, IsAppError(wrapped))
	assert.Equal(t, KindAuth, KindOf(wrapped))
}

func TestGetAppError_Plain(t *testing.T) {
	assert.Nil(t, GetAppError(errors.New("plain")))
	assert.Nil(t, GetAppError(nil))
	assert.False(t, IsAppError(errors.New("plain")))
	assert.Equal(t, KindOther, KindOf(errors.New("plain")))
}
