// Package errors provides coded domain errors shared by the controller packages.
package errors

import (
	"errors"
	"fmt"
)

// Is is errors.Is, so callers need only one errors import.
var Is = errors.Is

// codedError carries a code plus at most one of a cause or a detail.
type codedError struct {
	code  ErrorCode
	cause error
	data  any
}

func (e *codedError) Error() string {
	msg := GetErrorMessage(e.code)
	switch {
	case e.data != nil:
		return fmt.Sprintf("%s: %v", msg, e.data)
	case e.cause != nil:
		return msg + ": " + e.cause.Error()
	}
	return msg
}

func (e *codedError) Code() ErrorCode { return e.code }
func (e *codedError) Data() any       { return e.data }
func (e *codedError) Unwrap() error   { return e.cause }

type factory struct{}

func (factory) New(code ErrorCode) Error { return &codedError{code: code} }

func (factory) Wrap(code ErrorCode, err error) Error {
	return &codedError{code: code, cause: err}
}

func (factory) WithData(code ErrorCode, data any) Error {
	return &codedError{code: code, data: data}
}

// New returns the error factory.
func New() Factory { return factory{} }

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if e, ok := err.(Error); ok && e.Code() == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// CodeOf returns the code of the first coded error in err's chain, or
// ErrInternal if none is found.
func CodeOf(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.Code()
	}
	return ErrInternal
}
