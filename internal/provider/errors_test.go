package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"not found", ErrNotFound, KindNotFound},
		{"wrapped not found", fmt.Errorf("fetch ABC-1: %w", ErrNotFound), KindNotFound},
		{"auth", &AuthError{Integration: "trk-1", Message: "401"}, KindAuth},
		{"wrapped auth", fmt.Errorf("fetch: %w", &AuthError{Integration: "trk-1"}), KindAuth},
		{"rejected", &RejectedError{Reason: "no transition"}, KindRejected},
		{"transient", &TransientError{Op: "fetch", Err: errors.New("503")}, KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"wrapped deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), KindTransient},
		{"unknown", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsAuthError(t *testing.T) {
	if !IsAuthError(fmt.Errorf("x: %w", &AuthError{})) {
		t.Error("wrapped AuthError not detected")
	}
	if IsAuthError(errors.New("401")) {
		t.Error("plain error detected as AuthError")
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	err := &TransientError{Op: "fetch", Err: context.DeadlineExceeded}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("TransientError should unwrap to its cause")
	}
}
