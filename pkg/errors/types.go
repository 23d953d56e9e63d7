package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Configuration errors
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigParse   ErrorCode = "CONFIG_PARSE"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Session / token errors
	ErrCodeAuthExpired  ErrorCode = "AUTH_EXPIRED"
	ErrCodeAuthRejected ErrorCode = "AUTH_REJECTED"
	ErrCodeAuthRefresh  ErrorCode = "AUTH_REFRESH"
	ErrCodeAuthSignIn   ErrorCode = "AUTH_SIGN_IN"

	// Gateway errors
	ErrCodeGatewayRequest ErrorCode = "GATEWAY_REQUEST"
	ErrCodeGatewayDecode  ErrorCode = "GATEWAY_DECODE"
	ErrCodeGatewayStatus  ErrorCode = "GATEWAY_STATUS"

	// Chat transport errors
	ErrCodeTransportDial   ErrorCode = "TRANSPORT_DIAL"
	ErrCodeTransportClosed ErrorCode = "TRANSPORT_CLOSED"
	ErrCodeTransportState  ErrorCode = "TRANSPORT_STATE"
	ErrCodeRemoteError     ErrorCode = "REMOTE_ERROR"

	// Generic errors
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Error represents a structured Camflow error
type Error struct {
	Code        ErrorCode
	Message     string
	Underlying  error
	Context     map[string]any
	Retryable   bool
	UserMessage string
	Remediation []string
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap wraps an existing error with Camflow error context
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error as retryable
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithUserMessage sets the human-friendly message surfaced in the UI.
func (e *Error) WithUserMessage(message string) *Error {
	e.UserMessage = message
	return e
}

// WithRemediation appends actionable remediation tips for the error.
func (e *Error) WithRemediation(tips ...string) *Error {
	if len(tips) == 0 {
		return e
	}
	e.Remediation = append([]string{}, tips...)
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsRetryable returns whether this error is retryable
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	camErr, ok := err.(*Error)
	if !ok {
		return false
	}

	return camErr.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	camErr, ok := err.(*Error)
	if !ok {
		return ErrCodeInternal
	}

	return camErr.Code
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	camErr, ok := err.(*Error)
	if !ok {
		return false
	}

	return camErr.Retryable
}

// IsFatalAuth reports whether the error represents a definitive
// authorization rejection that must end the session (never retried).
func IsFatalAuth(err error) bool {
	return IsCode(err, ErrCodeAuthRejected)
}
