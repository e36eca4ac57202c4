package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for relay operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001
	ErrCodeInvalidPath     ErrorCode = 1002
	ErrCodeUnauthorized    ErrorCode = 1003
	ErrCodeForbidden       ErrorCode = 1004

	// Relay pipeline errors
	ErrCodeDiscovery   ErrorCode = 2000
	ErrCodeCertificate ErrorCode = 2001
	ErrCodeConnection  ErrorCode = 2002
	ErrCodePublish     ErrorCode = 2003
	ErrCodeSessionSend ErrorCode = 2004

	// Server errors
	ErrCodeInternal    ErrorCode = 2100
	ErrCodeUnavailable ErrorCode = 2101
)

// String returns the symbolic name used in logs and HTTP error bodies
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "OK"
	case ErrCodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case ErrCodeNotFound:
		return "NOT_FOUND"
	case ErrCodeInvalidPath:
		return "INVALID_PATH"
	case ErrCodeUnauthorized:
		return "UNAUTHORIZED"
	case ErrCodeForbidden:
		return "FORBIDDEN"
	case ErrCodeDiscovery:
		return "DISCOVERY_ERROR"
	case ErrCodeCertificate:
		return "CERTIFICATE_ERROR"
	case ErrCodeConnection:
		return "CONNECTION_ERROR"
	case ErrCodePublish:
		return "PUBLISH_ERROR"
	case ErrCodeSessionSend:
		return "SESSION_SEND_ERROR"
	case ErrCodeUnavailable:
		return "SERVICE_UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}

// Sentinels for errors.Is matching by code.
var (
	ErrDiscovery   = &RelayError{Code: ErrCodeDiscovery}
	ErrCertificate = &RelayError{Code: ErrCodeCertificate}
	ErrConnection  = &RelayError{Code: ErrCodeConnection}
	ErrPublish     = &RelayError{Code: ErrCodePublish}
	ErrSessionSend = &RelayError{Code: ErrCodeSessionSend}
	ErrNotFound    = &RelayError{Code: ErrCodeNotFound}
	ErrInvalidPath = &RelayError{Code: ErrCodeInvalidPath}
)

// RelayError represents a structured error with code and context
type RelayError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *RelayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *RelayError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a RelayError with the same code.
func (e *RelayError) Is(target error) bool {
	t, ok := target.(*RelayError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToGRPCStatus converts RelayError to gRPC status
func (e *RelayError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *RelayError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeInvalidPath:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeUnauthorized:
		return codes.Unauthenticated
	case ErrCodeForbidden:
		return codes.PermissionDenied
	case ErrCodeCertificate:
		return codes.FailedPrecondition
	case ErrCodeDiscovery, ErrCodeConnection, ErrCodeUnavailable:
		return codes.Unavailable
	case ErrCodePublish:
		return codes.ResourceExhausted
	case ErrCodeSessionSend:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// HTTPStatus maps the error code onto an HTTP status code
func (e *RelayError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeNotFound, ErrCodeInvalidPath:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeDiscovery, ErrCodeConnection, ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewRelayError creates a new RelayError
func NewRelayError(code ErrorCode, message string, cause error) *RelayError {
	return &RelayError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *RelayError) WithDetail(key string, value interface{}) *RelayError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *RelayError {
	return NewRelayError(ErrCodeInvalidArgument, message, cause)
}

func NotFound(resource, id string) *RelayError {
	return NewRelayError(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", resource, id), nil).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

func InvalidPath(path string) *RelayError {
	return NewRelayError(ErrCodeInvalidPath, fmt.Sprintf("unrecognized subscription path '%s'", path), nil).
		WithDetail("path", path)
}

func Unauthorized(reason string, cause error) *RelayError {
	return NewRelayError(ErrCodeUnauthorized, reason, cause)
}

func Forbidden(scope string, cause error) *RelayError {
	return NewRelayError(ErrCodeForbidden, fmt.Sprintf("access to %s denied", scope), cause).
		WithDetail("scope", scope)
}

func Discovery(message string, cause error) *RelayError {
	return NewRelayError(ErrCodeDiscovery, message, cause)
}

func Certificate(tenantID, message string, cause error) *RelayError {
	return NewRelayError(ErrCodeCertificate, fmt.Sprintf("tenant %s: %s", tenantID, message), cause).
		WithDetail("tenant_id", tenantID)
}

func Connection(tenantID string, attempt int, cause error) *RelayError {
	return NewRelayError(ErrCodeConnection, fmt.Sprintf("tenant %s: connection attempt %d failed", tenantID, attempt), cause).
		WithDetail("tenant_id", tenantID).
		WithDetail("attempt", attempt)
}

func ConnectionLost(tenantID string, cause error) *RelayError {
	return NewRelayError(ErrCodeConnection, fmt.Sprintf("tenant %s: connection lost", tenantID), cause).
		WithDetail("tenant_id", tenantID)
}

func Publish(subscriberID uint64, dropped int) *RelayError {
	return NewRelayError(ErrCodePublish, fmt.Sprintf("subscriber %d buffer exhausted, dropped %d oldest", subscriberID, dropped), nil).
		WithDetail("subscriber_id", subscriberID).
		WithDetail("dropped", dropped)
}

func SessionSend(handle string, cause error) *RelayError {
	return NewRelayError(ErrCodeSessionSend, fmt.Sprintf("send to viewer %s failed", handle), cause).
		WithDetail("handle", handle)
}

func Internal(message string, cause error) *RelayError {
	return NewRelayError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *RelayError {
	return NewRelayError(ErrCodeUnavailable, message, cause)
}

// IsRelayError checks if an error is (or wraps) a RelayError
func IsRelayError(err error) bool {
	var re *RelayError
	return stderrors.As(err, &re)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var re *RelayError
	if stderrors.As(err, &re) {
		return re.Code
	}
	return ErrCodeInternal
}
