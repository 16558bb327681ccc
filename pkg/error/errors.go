package error

import (
	"errors"
	"net/http"
)

// NotFoundError is returned when a connection, session or record does not exist.
type NotFoundError string

func (err NotFoundError) Error() string {
	return string(err)
}

func (err NotFoundError) ErrCode() string {
	return "NOT_FOUND_ERROR"
}

func (err NotFoundError) StatusCode() int {
	return http.StatusNotFound
}

// TransientError covers timeouts, resets and other network failures that are retried with backoff.
type TransientError string

func (err TransientError) Error() string {
	return string(err)
}

func (err TransientError) ErrCode() string {
	return "TRANSIENT_ERROR"
}

func (err TransientError) StatusCode() int {
	return http.StatusServiceUnavailable
}

// AuthenticationError means the stored credentials are no longer accepted and a new QR pairing is required.
type AuthenticationError string

func (err AuthenticationError) Error() string {
	return string(err)
}

func (err AuthenticationError) ErrCode() string {
	return "AUTHENTICATION_ERROR"
}

func (err AuthenticationError) StatusCode() int {
	return http.StatusUnauthorized
}

// CorruptedSessionError is raised when an on-disk session fails its integrity check.
type CorruptedSessionError string

func (err CorruptedSessionError) Error() string {
	return string(err)
}

func (err CorruptedSessionError) ErrCode() string {
	return "CORRUPTED_SESSION_ERROR"
}

func (err CorruptedSessionError) StatusCode() int {
	return http.StatusConflict
}

// DecodeError marks a payload that could not be decoded (undecryptable vote, unknown identifier).
type DecodeError string

func (err DecodeError) Error() string {
	return string(err)
}

func (err DecodeError) ErrCode() string {
	return "DECODE_ERROR"
}

func (err DecodeError) StatusCode() int {
	return http.StatusUnprocessableEntity
}

// AuthorizationError is a tenant/ownership mismatch. Never retried.
type AuthorizationError string

func (err AuthorizationError) Error() string {
	return string(err)
}

func (err AuthorizationError) ErrCode() string {
	return "AUTHORIZATION_ERROR"
}

func (err AuthorizationError) StatusCode() int {
	return http.StatusForbidden
}

type ValidationError string

func (err ValidationError) Error() string {
	return string(err)
}

func (err ValidationError) ErrCode() string {
	return "VALIDATION_ERROR"
}

func (err ValidationError) StatusCode() int {
	return http.StatusBadRequest
}

// GenericError is implemented by every error type of this package.
type GenericError interface {
	error
	ErrCode() string
	StatusCode() int
}

// Code returns the ErrCode of the first GenericError in the chain, or INTERNAL_ERROR.
func Code(err error) string {
	var ge GenericError
	if errors.As(err, &ge) {
		return ge.ErrCode()
	}
	return "INTERNAL_ERROR"
}

// IsRetryable reports whether a failure may be retried by the reconnect scheduler.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		authErr    AuthenticationError
		authzErr   AuthorizationError
		corruptErr CorruptedSessionError
		validErr   ValidationError
	)
	switch {
	case errors.As(err, &authErr), errors.As(err, &authzErr), errors.As(err, &corruptErr), errors.As(err, &validErr):
		return false
	}
	return true
}
