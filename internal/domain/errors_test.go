package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNetworkError(t *testing.T) {
	baseErr := errors.New("connection refused")

	t.Run("retriable error", func(t *testing.T) {
		err := NewNetworkError("sendTransaction", baseErr)

		if !err.IsRetriable() {
			t.Error("Expected error to be retriable")
		}

		if err.Error() != "sendTransaction: connection refused" {
			t.Errorf("Error message = %q, want %q", err.Error(), "sendTransaction: connection refused")
		}

		if !errors.Is(err, baseErr) {
			t.Error("Expected error to wrap baseErr")
		}

		if !errors.Is(fmt.Errorf("load markets: %w", err), ErrNetworkUnavailable) {
			t.Error("Expected wrapped error to match ErrNetworkUnavailable")
		}
	})

	t.Run("fatal error", func(t *testing.T) {
		err := NewFatalNetworkError("auth", baseErr)

		if err.IsRetriable() {
			t.Error("Expected error to not be retriable")
		}
	})

	t.Run("IsRetriable helper", func(t *testing.T) {
		retriable := NewNetworkError("dial", baseErr)
		fatal := NewFatalNetworkError("auth", baseErr)
		plain := errors.New("plain error")

		if !IsRetriable(retriable) {
			t.Error("IsRetriable should return true for retriable error")
		}

		if IsRetriable(fatal) {
			t.Error("IsRetriable should return false for fatal error")
		}

		if IsRetriable(plain) {
			t.Error("IsRetriable should return false for plain error")
		}
	})
}

func TestTransactionOutcomeErrors(t *testing.T) {
	timeout := &TimeoutError{Signature: "sig", After: 15 * time.Second}
	rejected := &TransactionRejectedError{Signature: "sig", Reason: `{"InstructionError":[0,{"Custom":1}]}`}

	if !errors.Is(timeout, ErrTimeout) || errors.Is(timeout, ErrTransactionRejected) {
		t.Error("TimeoutError must match only ErrTimeout")
	}
	if !errors.Is(rejected, ErrTransactionRejected) || errors.Is(rejected, ErrTimeout) {
		t.Error("TransactionRejectedError must match only ErrTransactionRejected")
	}
	if !IsRetriable(timeout) {
		t.Error("timeouts are retriable")
	}
	if IsRetriable(rejected) {
		t.Error("rejections are not retriable")
	}

	var re *TransactionRejectedError
	if !errors.As(fmt.Errorf("place order: %w", rejected), &re) || re.Reason == "" {
		t.Error("expected rejection reason to survive wrapping")
	}
}

func TestConfigError(t *testing.T) {
	baseErr := errors.New("missing value")
	err := &ConfigError{Field: "solana.rpc_urls", Err: baseErr}

	if err.IsRetriable() {
		t.Error("ConfigError should never be retriable")
	}

	expected := "config error [solana.rpc_urls]: missing value"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}
