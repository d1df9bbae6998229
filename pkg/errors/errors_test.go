package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeInvalidInput, "test message: %s", "value")

	if err.Code != ErrCodeInvalidInput {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidInput)
	}

	if err.Message != "test message: value" {
		t.Errorf("Message = %v, want %v", err.Message, "test message: value")
	}

	expected := "INVALID_INPUT: test message: value"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(ErrCodeRetrieval, cause, "failed to fetch")

	if err.Code != ErrCodeRetrieval {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeRetrieval)
	}

	if err.Cause != cause {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}

	if unwrapped := errors.Unwrap(err); unwrapped != cause {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     Code
		expected bool
	}{
		{
			name:     "matching code",
			err:      New(ErrCodeInvalidInput, "test"),
			code:     ErrCodeInvalidInput,
			expected: true,
		},
		{
			name:     "non-matching code",
			err:      New(ErrCodeInvalidInput, "test"),
			code:     ErrCodeRetrieval,
			expected: false,
		},
		{
			name:     "wrapped with fmt",
			err:      fmt.Errorf("context: %w", New(ErrCodeAuthorization, "denied")),
			code:     ErrCodeAuthorization,
			expected: true,
		},
		{
			name:     "inner code of nested errors",
			err:      Wrap(ErrCodeRetrieval, Throttled(3, "slow down"), "budget exhausted"),
			code:     ErrCodeThrottled,
			expected: true,
		},
		{
			name:     "outer code of nested errors",
			err:      Wrap(ErrCodeRetrieval, Throttled(3, "slow down"), "budget exhausted"),
			code:     ErrCodeRetrieval,
			expected: true,
		},
		{
			name:     "standard error",
			err:      errors.New("standard error"),
			code:     ErrCodeInvalidInput,
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			code:     ErrCodeInvalidInput,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.expected {
				t.Errorf("Is() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(New(ErrCodeRender, "bad page")); got != ErrCodeRender {
		t.Errorf("GetCode() = %v, want %v", got, ErrCodeRender)
	}
	if got := GetCode(errors.New("plain")); got != "" {
		t.Errorf("GetCode() = %v, want empty", got)
	}
}

func TestFatal(t *testing.T) {
	if !Fatal(fmt.Errorf("resolve: %w", New(ErrCodeAuthorization, "expired token"))) {
		t.Error("authorization errors must be fatal")
	}
	if Fatal(New(ErrCodeRetrieval, "subtree failed")) {
		t.Error("retrieval errors must not be fatal")
	}
	if Fatal(nil) {
		t.Error("nil must not be fatal")
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "structured error",
			err:      New(ErrCodeAuthorization, "credential rejected"),
			expected: "credential rejected",
		},
		{
			name:     "structured error with cause",
			err:      Wrap(ErrCodeRetrieval, errors.New("connection reset"), "list children"),
			expected: "list children: connection reset",
		},
		{
			name:     "standard error",
			err:      errors.New("standard error message"),
			expected: "standard error message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserMessage(tt.err); got != tt.expected {
				t.Errorf("UserMessage() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRateLimitedError(t *testing.T) {
	err := &RateLimitedError{RetryAfter: 60}
	if err.Error() != "rate limited: retry after 60 seconds" {
		t.Errorf("Error() = %v", err.Error())
	}
	if err.Code() != ErrCodeThrottled {
		t.Errorf("Code() = %v, want %v", err.Code(), ErrCodeThrottled)
	}

	errNoRetry := &RateLimitedError{}
	if errNoRetry.Error() != "rate limited" {
		t.Errorf("Error() = %v", errNoRetry.Error())
	}
}

func TestRetryAfter(t *testing.T) {
	err := Wrap(ErrCodeRetrieval, Throttled(7, "429 from api"), "giving up")
	if got := RetryAfter(err); got != 7 {
		t.Errorf("RetryAfter() = %d, want 7", got)
	}
	if got := RetryAfter(errors.New("plain")); got != 0 {
		t.Errorf("RetryAfter() = %d, want 0", got)
	}
}
