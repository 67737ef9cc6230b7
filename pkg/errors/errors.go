package errors

import (
	stderrors "errors"
	"fmt"
)

// Category groups failures by how the session reacts to them.
type Category string

const (
	// CategoryTransport covers unreachable relays, ack timeouts and disconnects.
	CategoryTransport Category = "transport"
	// CategoryNegotiation covers offer/answer/ICE failures local to one peer.
	CategoryNegotiation Category = "negotiation"
	// CategoryProtocol covers messages for unknown peers or foreign meetings.
	CategoryProtocol Category = "protocol"
	// CategoryResource covers local media that could not be acquired.
	CategoryResource Category = "resource"
	CategoryInternal Category = "internal"
)

// ErrorCode is the machine-readable code carried in relay acknowledgments.
type ErrorCode string

const (
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeMeetingNotFound  ErrorCode = "MEETING_NOT_FOUND"
	ErrCodeAlreadyInMeeting ErrorCode = "ALREADY_IN_MEETING"
	ErrCodeNotInMeeting     ErrorCode = "NOT_IN_MEETING"
	ErrCodeNotRegistered    ErrorCode = "NOT_REGISTERED"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit        ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeTimeout          ErrorCode = "TIMEOUT"
	ErrCodeUnavailable      ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeMediaUnavailable ErrorCode = "MEDIA_UNAVAILABLE"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code      ErrorCode
	Category  Category
	Message   string
	Retryable bool
	Cause     error
	Context   map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

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

func NewAppError(code ErrorCode, category Category, message string) *AppError {
	return &AppError{
		Code:     code,
		Category: category,
		Message:  message,
		Context:  make(map[string]interface{}),
	}
}

func WrapError(err error, code ErrorCode, category Category, message string) *AppError {
	return &AppError{
		Code:     code,
		Category: category,
		Message:  message,
		Cause:    err,
		Context:  make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, CategoryProtocol, message)
}

func NewMeetingNotFoundError(meetingID string) *AppError {
	return NewAppError(ErrCodeMeetingNotFound, CategoryTransport, fmt.Sprintf("meeting %s not found", meetingID))
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, CategoryTransport, message)
}

func NewRateLimitError() *AppError {
	e := NewAppError(ErrCodeRateLimit, CategoryTransport, "rate limit exceeded")
	e.Retryable = true
	return e
}

// NewTransportError wraps a relay failure; transport failures can be retried.
func NewTransportError(err error, message string) *AppError {
	e := WrapError(err, ErrCodeUnavailable, CategoryTransport, message)
	e.Retryable = true
	return e
}

// NewResourceError wraps a local media failure; the user may retry after granting access.
func NewResourceError(err error, message string) *AppError {
	e := WrapError(err, ErrCodeMediaUnavailable, CategoryResource, message)
	e.Retryable = true
	return e
}

func NewNegotiationError(err error, peerID string) *AppError {
	return WrapError(err, ErrCodeInternal, CategoryNegotiation, "negotiation failed").
		WithContext("peer_id", peerID)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, CategoryInternal, message)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// CategoryOf returns the category of the first AppError in the chain.
func CategoryOf(err error) Category {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Category
	}
	return CategoryInternal
}

// IsRetryable reports whether the presentation layer should offer a retry.
func IsRetryable(err error) bool {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Retryable
	}
	return false
}
