package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Type:    ErrAuthentication,
		Message: "claim signature mismatch",
	}

	expected := "authentication_error: claim signature mismatch"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCode(t *testing.T) {
	err := &Error{
		Type:    ErrRateLimit,
		Message: "too many requests",
		Code:    "rate_limit_exceeded",
	}

	expected := "rate_limit_error: too many requests (code: rate_limit_exceeded)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewValidationError_CarriesFields(t *testing.T) {
	err := NewValidationError(
		FieldError{Kind: "string_too_short", Loc: "body.device_id", Msg: "must be at least 8 characters"},
		FieldError{Kind: "hex_odd_length", Loc: "body.nonce", Msg: "must have even length"},
	)
	if err.Type != ErrValidation {
		t.Fatalf("Type = %v, want %v", err.Type, ErrValidation)
	}
	if len(err.Fields) != 2 {
		t.Fatalf("len(Fields) = %d, want 2", len(err.Fields))
	}
	if err.Param != "body.device_id" {
		t.Fatalf("Param = %q, want body.device_id", err.Param)
	}
	want := "body.device_id: must be at least 8 characters; body.nonce: must have even length"
	if err.Message != want {
		t.Fatalf("Message = %q, want %q", err.Message, want)
	}
}

func TestNewRateLimitError(t *testing.T) {
	err := NewRateLimitError("rate limit exceeded", 60)
	if err.Type != ErrRateLimit {
		t.Errorf("Type = %v, want %v", err.Type, ErrRateLimit)
	}
	if err.RetryAfter == nil || *err.RetryAfter != 60 {
		t.Errorf("RetryAfter = %v, want 60", err.RetryAfter)
	}
}

func TestNewExternalServiceError_UnwrapsCauseWithoutLeakingIt(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.5:6379: connection refused")
	err := NewExternalServiceError("nonce_store", cause)

	if !errors.Is(err, cause) {
		t.Fatal("errors.Is(err, cause) = false, want true")
	}
	if err.Message != "nonce_store unavailable" {
		t.Fatalf("Message = %q", err.Message)
	}
	if err.Code != "nonce_store_unavailable" {
		t.Fatalf("Code = %q", err.Code)
	}
}

func TestIsType(t *testing.T) {
	wrapped := fmt.Errorf("claim: %w", NewNotFoundError("child not found"))
	if !IsType(wrapped, ErrNotFound) {
		t.Fatal("IsType(wrapped, ErrNotFound) = false, want true")
	}
	if IsType(wrapped, ErrAuthentication) {
		t.Fatal("IsType(wrapped, ErrAuthentication) = true, want false")
	}
	if IsType(errors.New("plain"), ErrAPI) {
		t.Fatal("IsType(plain, ErrAPI) = true, want false")
	}
}

func TestError_IsRetryable(t *testing.T) {
	tests := []struct {
		errType ErrorType
		want    bool
	}{
		{ErrRateLimit, true},
		{ErrExternalService, true},
		{ErrAPI, true},
		{ErrValidation, false},
		{ErrAuthentication, false},
		{ErrNotFound, false},
		{ErrProtocol, false},
		{ErrState, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			err := &Error{Type: tt.errType, Message: "test"}
			if got := err.IsRetryable(); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
