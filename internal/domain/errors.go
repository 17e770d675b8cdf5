package domain

import (
	"errors"
	"fmt"
)

// Protocol and connection errors. The wsproto package maps each of these to
// a close code when it ends a connection.
var (
	ErrProtocol         = fmt.Errorf("websocket protocol error")
	ErrInvalidCloseCode = fmt.Errorf("invalid close code")
	ErrPayloadTooLarge  = fmt.Errorf("payload too large")
	ErrConnectionClosed = fmt.Errorf("connection closed")
	ErrInvalidState     = fmt.Errorf("invalid connection state")
	ErrInvalidUTF8      = fmt.Errorf("invalid utf-8 payload")
	ErrRateLimit        = fmt.Errorf("rate limit exceeded")
)

// Handshake and request errors.
var (
	ErrBadRequest      = fmt.Errorf("bad request")
	ErrUpgradeRequired = fmt.Errorf("upgrade required")
	ErrInvalidRequest  = fmt.Errorf("invalid request")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
)

// Session and storage errors.
var (
	ErrSessionNotFound  = fmt.Errorf("session not found")
	ErrSessionExpired   = fmt.Errorf("session expired")
	ErrStoreUnavailable = fmt.Errorf("notification store unavailable")
	ErrTransient        = fmt.Errorf("transient failure")
	ErrDisabled         = fmt.Errorf("disabled")
	ErrAuditWrite       = fmt.Errorf("audit write failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Conn.Close")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ErrorCode is a machine-parseable error category used in HTTP error bodies.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeProtocol         ErrorCode = "PROTOCOL_ERROR"
	CodeInvalidCloseCode ErrorCode = "INVALID_CLOSE_CODE"
	CodePayloadTooLarge  ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeConnectionClosed ErrorCode = "CONNECTION_CLOSED"
	CodeInvalidState     ErrorCode = "INVALID_STATE"
	CodeInvalidUTF8      ErrorCode = "INVALID_UTF8"
	CodeRateLimit        ErrorCode = "RATE_LIMIT"
	CodeBadRequest       ErrorCode = "BAD_REQUEST"
	CodeUpgradeRequired  ErrorCode = "UPGRADE_REQUIRED"
	CodeInvalidRequest   ErrorCode = "INVALID_REQUEST"
	CodeAuthInvalid      ErrorCode = "AUTH_INVALID"
	CodeSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionExpired   ErrorCode = "SESSION_EXPIRED"
	CodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	CodeTransient        ErrorCode = "TRANSIENT"
	CodeDisabled         ErrorCode = "DISABLED"
)

var errorCodeMap = map[error]ErrorCode{
	ErrProtocol:         CodeProtocol,
	ErrInvalidCloseCode: CodeInvalidCloseCode,
	ErrPayloadTooLarge:  CodePayloadTooLarge,
	ErrConnectionClosed: CodeConnectionClosed,
	ErrInvalidState:     CodeInvalidState,
	ErrInvalidUTF8:      CodeInvalidUTF8,
	ErrRateLimit:        CodeRateLimit,
	ErrBadRequest:       CodeBadRequest,
	ErrUpgradeRequired:  CodeUpgradeRequired,
	ErrInvalidRequest:   CodeInvalidRequest,
	ErrAuthInvalid:      CodeAuthInvalid,
	ErrSessionNotFound:  CodeSessionNotFound,
	ErrSessionExpired:   CodeSessionExpired,
	ErrStoreUnavailable: CodeStoreUnavailable,
	ErrTransient:        CodeTransient,
	ErrDisabled:         CodeDisabled,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
