package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestNetworkError(t *testing.T) {
	baseErr := errors.New("connection refused")

	t.Run("retriable error", func(t *testing.T) {
		err := NewNetworkError("get quote", baseErr)

		if !err.IsRetriable() {
			t.Error("Expected error to be retriable")
		}

		if err.Error() != "get quote: connection refused" {
			t.Errorf("Error message = %q, want %q", err.Error(), "get quote: connection refused")
		}

		if !errors.Is(err, baseErr) {
			t.Error("Expected error to wrap baseErr")
		}
	})

	t.Run("with status", func(t *testing.T) {
		err := &NetworkError{Op: "get account", Status: 503, Err: errors.New("unavailable")}
		want := "get account: status 503: unavailable"
		if err.Error() != want {
			t.Errorf("Error message = %q, want %q", err.Error(), want)
		}
	})

	t.Run("IsRetriable helper", func(t *testing.T) {
		retriable := NewNetworkError("dial", baseErr)
		fatal := NewFatalNetworkError("decode", baseErr)
		plain := errors.New("plain error")

		if !IsRetriable(retriable) {
			t.Error("IsRetriable should return true for retriable error")
		}
		if !IsRetriable(fmt.Errorf("wrapped: %w", retriable)) {
			t.Error("IsRetriable should see through wrapping")
		}
		if IsRetriable(fatal) {
			t.Error("IsRetriable should return false for fatal error")
		}
		if IsRetriable(plain) {
			t.Error("IsRetriable should return false for plain error")
		}
	})
}

func TestValidationError(t *testing.T) {
	err := fmt.Errorf("submit: %w", &ValidationError{Reason: ReasonInsufficientFunds, Detail: "need 600, have 500"})

	ve, ok := IsValidation(err)
	if !ok {
		t.Fatal("Expected IsValidation to unwrap ValidationError")
	}
	if ve.Reason != ReasonInsufficientFunds {
		t.Errorf("Reason = %s, want %s", ve.Reason, ReasonInsufficientFunds)
	}
	if IsRetriable(err) {
		t.Error("ValidationError should never be retriable")
	}

	if _, ok := IsValidation(&RejectionError{Message: "Insufficient balance"}); ok {
		t.Error("RejectionError is not a local validation failure")
	}
}

func TestConfigError(t *testing.T) {
	baseErr := errors.New("missing value")
	err := &ConfigError{Field: "ledger.base_url", Err: baseErr}

	if err.IsRetriable() {
		t.Error("ConfigError should never be retriable")
	}

	expected := "config error [ledger.base_url]: missing value"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}
