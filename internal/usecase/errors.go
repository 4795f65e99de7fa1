package usecase

import (
	"errors"
	"fmt"
	"net/http"

	"chat-memory/internal/conversation"
	"chat-memory/internal/integrations/identity"
	"chat-memory/internal/repository"
)

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorNotFound     ErrorCode = "NOT_FOUND"
	ErrorUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrorAuthFailed   ErrorCode = "AUTH_FAILED"
	ErrorUnavailable  ErrorCode = "UNAVAILABLE"
	ErrorTransient    ErrorCode = "TRANSIENT"
	ErrorRateLimited  ErrorCode = "RATE_LIMITED"
	ErrorUpstream     ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// storageError classifies an error from the conversation layer.
func storageError(reason string, err error) *Error {
	switch {
	case errors.Is(err, conversation.ErrValidation):
		return newError(ErrorInvalidInput, reason, err)
	case errors.Is(err, repository.ErrNotFound):
		return newError(ErrorNotFound, reason, err)
	case errors.Is(err, repository.ErrUnavailable):
		return newError(ErrorUnavailable, reason, err)
	case errors.Is(err, repository.ErrTransient):
		return newError(ErrorTransient, reason, err)
	default:
		return newError(ErrorInternal, reason, err)
	}
}

// upstreamError classifies an error from an HTTP collaborator.
func upstreamError(reason string, err error) *Error {
	var authErr *identity.AuthError
	if errors.As(err, &authErr) {
		return newError(ErrorAuthFailed, authErr.Reason, err)
	}
	if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
		return newError(ErrorRateLimited, reason, err)
	}
	return newError(ErrorUpstream, reason, err)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
