package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, CategoryProtocol, "test error")
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, CategoryInternal, "wrapped error")

	if !errors.Is(err, originalErr) {
		t.Errorf("errors.Is should find the cause")
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewNegotiationError(errors.New("bad sdp"), "peer-1")
	err.WithContext("state", "offering")

	if err.Context["peer_id"] != "peer-1" {
		t.Errorf("Context[peer_id] = %v, want 'peer-1'", err.Context["peer_id"])
	}
	if err.Context["state"] != "offering" {
		t.Errorf("Context[state] = %v, want 'offering'", err.Context["state"])
	}
}

func TestCategoryOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Category
	}{
		{"transport", NewTransportError(errors.New("dial"), "relay unreachable"), CategoryTransport},
		{"resource", NewResourceError(errors.New("denied"), "camera"), CategoryResource},
		{"wrapped", fmt.Errorf("join: %w", NewMeetingNotFoundError("ABC123")), CategoryTransport},
		{"plain", errors.New("plain"), CategoryInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CategoryOf(tc.err); got != tc.want {
				t.Errorf("CategoryOf() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewResourceError(errors.New("busy"), "camera busy")) {
		t.Error("resource errors should be retryable")
	}
	if IsRetryable(NewInvalidInputError("bad code")) {
		t.Error("invalid input should not be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors should not be retryable")
	}
}

func TestGetAppError_Nil(t *testing.T) {
	if GetAppError(nil) != nil {
		t.Error("GetAppError(nil) should be nil")
	}
	if IsAppError(errors.New("x")) {
		t.Error("plain error is not an AppError")
	}
}
