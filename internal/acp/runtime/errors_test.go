package runtime

import (
	"errors"
	"fmt"
	"testing"
)

func TestGetAcpErrorCode_DirectError(t *testing.T) {
	err := NewDispatchDisabledError("dispatch disabled")
	if got := GetAcpErrorCode(err); got != ErrCodeDispatchDisabled {
		t.Errorf("GetAcpErrorCode() = %q, want %q", got, ErrCodeDispatchDisabled)
	}
}

func TestGetAcpErrorCode_UnwrapsWrappedError(t *testing.T) {
	inner := NewSessionInitError("boom", nil)
	wrapped := fmt.Errorf("context: %w", inner)
	if got := GetAcpErrorCode(wrapped); got != ErrCodeSessionInitFailed {
		t.Errorf("GetAcpErrorCode() = %q, want %q", got, ErrCodeSessionInitFailed)
	}
}

func TestGetAcpErrorCode_NonAcpErrorIsEmpty(t *testing.T) {
	if got := GetAcpErrorCode(errors.New("plain error")); got != "" {
		t.Errorf("GetAcpErrorCode() = %q, want empty string for a non-ACP error", got)
	}
}

func TestAcpError_ErrorIncludesCause(t *testing.T) {
	cause := errors.New("underlying failure")
	err := NewSessionInitError("session init failed", cause)
	if got := err.Error(); got == "" || !errors.Is(err, cause) {
		t.Errorf("Error() = %q and Unwrap chain does not reach the cause", got)
	}
}

func TestNewSessionLimitError_Message(t *testing.T) {
	err := NewSessionLimitError(5, 5)
	if GetAcpErrorCode(err) != ErrCodeSessionInitFailed {
		t.Errorf("expected session limit errors to share ACP_SESSION_INIT_FAILED's code")
	}
}
