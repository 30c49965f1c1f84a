package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is the stable code sent to clients in error frames.
type ErrorCode string

const (
	ErrCodeUnauthorized      ErrorCode = "Unauthorized"
	ErrCodeTokenExpired      ErrorCode = "TokenExpired"
	ErrCodeForbidden         ErrorCode = "Forbidden"
	ErrCodeDocumentNotFound  ErrorCode = "DocumentNotFound"
	ErrCodePermissionRevoked ErrorCode = "PermissionRevoked"
	ErrCodeServerError       ErrorCode = "ServerError"
	ErrCodeRateLimited       ErrorCode = "RateLimited"
	ErrCodeProtocol          ErrorCode = "ProtocolError"
)

// Close codes sent with the websocket close frame.
const (
	CloseNormal            = 1000
	CloseGoingAway         = 1001
	CloseProtocolViolation = 1008
	CloseMessageTooBig     = 1009
	CloseServerError       = 1011
	CloseTryAgainLater     = 1013
	CloseUnauthorized      = 4001
	CloseForbidden         = 4003
	CloseNotFound          = 4004
	CloseRateLimited       = 4029
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// ClosesConnection reports whether a socket that produced this error must be
// closed. A forbidden write or a rate limit leaves a read-capable connection open.
func (e *AppError) ClosesConnection() bool {
	switch e.Code {
	case ErrCodeForbidden, ErrCodeRateLimited:
		return false
	default:
		return true
	}
}

// CloseCode maps the error to the websocket close code used when it ends a
// connection.
func (e *AppError) CloseCode() int {
	switch e.Code {
	case ErrCodeUnauthorized, ErrCodeTokenExpired:
		return CloseUnauthorized
	case ErrCodeForbidden, ErrCodePermissionRevoked:
		return CloseForbidden
	case ErrCodeDocumentNotFound:
		return CloseNotFound
	case ErrCodeRateLimited:
		return CloseRateLimited
	case ErrCodeProtocol:
		return CloseProtocolViolation
	default:
		return CloseServerError
	}
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewTokenExpiredError() *AppError {
	return NewAppError(ErrCodeTokenExpired, "session expired, sign in again", http.StatusUnauthorized)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

func NewDocumentNotFoundError(documentID string) *AppError {
	return NewAppError(ErrCodeDocumentNotFound, fmt.Sprintf("document %s not found", documentID), http.StatusNotFound).
		WithContext("document_id", documentID)
}

func NewPermissionRevokedError(message string) *AppError {
	return NewAppError(ErrCodePermissionRevoked, message, http.StatusForbidden)
}

func NewRateLimitError(message string) *AppError {
	return NewAppError(ErrCodeRateLimited, message, http.StatusTooManyRequests)
}

func NewServerError(message string) *AppError {
	return NewAppError(ErrCodeServerError, message, http.StatusInternalServerError)
}

func NewProtocolError(message string) *AppError {
	return NewAppError(ErrCodeProtocol, message, http.StatusBadRequest)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
