// Package apierrors defines the coded errors surfaced to API callers.
//
// Every error carries a stable numeric code plus a human readable message.
// The routing layer is expected to map these 1:1 onto its transport's error
// envelope.
package apierrors

import (
	"errors"
	"fmt"
)

// Code is a stable numeric identifier for an error condition.
type Code int

const (
	OtherCause Code = -1

	InternalServerError   Code = 1
	ObjectNotFound        Code = 101
	InvalidKeyName        Code = 105
	OperationForbidden    Code = 119
	InvalidACL            Code = 123
	InvalidInstallationID Code = 132
	MissingRequiredField  Code = 135
	ChangedImmutableField Code = 136
	DuplicateValue        Code = 137
	ValidationError       Code = 142
	UsernameMissing       Code = 200
	PasswordMissing       Code = 201
	UsernameTaken         Code = 202
	EmailTaken            Code = 203
	SessionMissing        Code = 206
	AccountAlreadyLinked  Code = 208
	InvalidSessionToken   Code = 209
	UnsupportedService    Code = 252
)

// Error is a coded API error.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Is matches any *Error with the same code, so sentinel comparisons like
// errors.Is(err, apierrors.New(apierrors.ObjectNotFound, "")) work regardless
// of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New returns a coded error with the given message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf returns a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code carried by err, or OtherCause if err carries none.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return OtherCause
}
