package domain

import (
	"errors"
	"fmt"
)

// AuthCode is the machine-readable reason a connection was refused.
type AuthCode string

const (
	AuthFailed       AuthCode = "AUTH_FAILED"
	AuthUserNotFound AuthCode = "USER_NOT_FOUND"
	AuthRateLimited  AuthCode = "RATE_LIMITED"
	AuthRequired     AuthCode = "AUTH_REQUIRED"
)

// Wire codes for error frames.
const (
	CodeForbidden   = "FORBIDDEN"
	CodeNotFound    = "NOT_FOUND"
	CodeUnavailable = "UNAVAILABLE"
	CodeBusy        = "BUSY"
	CodeConflict    = "CONFLICT"
	CodeBadRequest  = "BAD_REQUEST"
	CodeOffline     = "USER_OFFLINE"
	CodeInternal    = "INTERNAL"
)

var (
	ErrBusy         = errors.New("user busy")
	ErrUserOffline  = errors.New("user offline")
	ErrInvalidState = errors.New("invalid state")
	ErrBadRequest   = errors.New("bad request")
	ErrNotFound     = errors.New("not found")
)

type AuthenticationError struct {
	Code   AuthCode
	Reason string
	Err    error
}

func NewAuthError(code AuthCode, reason string) *AuthenticationError {
	return &AuthenticationError{Code: code, Reason: reason}
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication %s: %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication %s: %s", e.Code, e.Reason)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

type AuthorizationError struct {
	UserID   UserID
	Resource string
	Reason   string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s denied on %s: %s", e.UserID, e.Resource, e.Reason)
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TransientInfraError marks a collaborator (store, push provider) that could not be reached.
type TransientInfraError struct {
	Op  string
	Err error
}

func (e *TransientInfraError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *TransientInfraError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientInfraError{Op: op, Err: err}
}

// Code maps an error to the code sent in error frames.
func Code(err error) string {
	var (
		authn *AuthenticationError
		authz *AuthorizationError
		nf    *NotFoundError
		tr    *TransientInfraError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &authn):
		return string(authn.Code)
	case errors.As(err, &authz):
		return CodeForbidden
	case errors.As(err, &nf), errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.As(err, &tr):
		return CodeUnavailable
	case errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, ErrUserOffline):
		return CodeOffline
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvalidState):
		return CodeConflict
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	}
	return CodeInternal
}
