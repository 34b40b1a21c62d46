package runtime

import "fmt"

// Error codes surfaced to dispatch and observability. See spec §7 of the
// session control plane design for the full taxonomy.
const (
	ErrCodeSessionInitFailed       = "ACP_SESSION_INIT_FAILED"
	ErrCodeTurnFailed              = "ACP_TURN_FAILED"
	ErrCodeBackendMissing          = "ACP_BACKEND_MISSING"
	ErrCodeBackendUnavailable      = "ACP_BACKEND_UNAVAILABLE"
	ErrCodeBackendUnsupportedControl = "ACP_BACKEND_UNSUPPORTED_CONTROL"
	ErrCodeInvalidRuntimeOption    = "ACP_INVALID_RUNTIME_OPTION"
	ErrCodeDispatchDisabled        = "ACP_DISPATCH_DISABLED"
)

// AcpError is a typed error carrying a stable code for metrics and
// deterministic caller-facing messages.
type AcpError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AcpError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AcpError) Unwrap() error { return e.Cause }

func newAcpError(code, message string, cause error) *AcpError {
	return &AcpError{Code: code, Message: message, Cause: cause}
}

// NewSessionInitError builds an ACP_SESSION_INIT_FAILED error.
func NewSessionInitError(message string, cause error) error {
	return newAcpError(ErrCodeSessionInitFailed, message, cause)
}

// NewSessionLimitError builds an ACP_SESSION_INIT_FAILED error for admission rejection.
func NewSessionLimitError(active, max int) error {
	return newAcpError(ErrCodeSessionInitFailed,
		fmt.Sprintf("max concurrent sessions reached (%d/%d)", active, max), nil)
}

// NewTurnError builds an ACP_TURN_FAILED error.
func NewTurnError(message string, cause error) error {
	return newAcpError(ErrCodeTurnFailed, message, cause)
}

// NewBackendMissingError builds an ACP_BACKEND_MISSING error.
func NewBackendMissingError(backendID string) error {
	return newAcpError(ErrCodeBackendMissing, fmt.Sprintf("no ACP runtime backend registered for id %q", backendID), nil)
}

// NewBackendUnavailableError builds an ACP_BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError(message string, cause error) error {
	return newAcpError(ErrCodeBackendUnavailable, message, cause)
}

// NewUnsupportedControlError builds an ACP_BACKEND_UNSUPPORTED_CONTROL error.
func NewUnsupportedControlError(backend, control string) error {
	return newAcpError(ErrCodeBackendUnsupportedControl,
		fmt.Sprintf("backend %q does not support control %q", backend, control), nil)
}

// NewInvalidRuntimeOptionError builds an ACP_INVALID_RUNTIME_OPTION error.
func NewInvalidRuntimeOptionError(message string) error {
	return newAcpError(ErrCodeInvalidRuntimeOption, message, nil)
}

// NewDispatchDisabledError builds an ACP_DISPATCH_DISABLED error.
func NewDispatchDisabledError(message string) error {
	return newAcpError(ErrCodeDispatchDisabled, message, nil)
}

// GetAcpErrorCode extracts the code from an AcpError, or "" if err is not one.
func GetAcpErrorCode(err error) string {
	var acpErr *AcpError
	for err != nil {
		if e, ok := err.(*AcpError); ok {
			acpErr = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if acpErr == nil {
		return ""
	}
	return acpErr.Code
}
