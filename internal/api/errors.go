package api

import "errors"

// ErrInvalidRequest marks failures caused by the request itself.
var ErrInvalidRequest = errors.New("invalid request")

type invalidRequestError struct {
	field string
	msg   string
}

func (e invalidRequestError) Error() string {
	if e.field == "" {
		return e.msg
	}
	return e.field + ": " + e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

func newFieldError(field, msg string) error {
	return invalidRequestError{field: field, msg: msg}
}
