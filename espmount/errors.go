package espmount

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when the mount does not answer a request in time.
	ErrTimeout = errors.New("espmount: no response from mount")
	// ErrNotConnected is returned for requests on a closed or missing connection.
	ErrNotConnected = errors.New("espmount: not connected")
	// ErrMismatch matches every *MismatchError.
	ErrMismatch = errors.New("espmount: unexpected response")
	// ErrDecode matches every *DecodeError.
	ErrDecode = errors.New("espmount: malformed response")
)

// MismatchError reports a response that does not echo the request or has
// the wrong number of fields.
type MismatchError struct {
	Command  string
	Response string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("espmount: mount responded incorrectly to %q: %q", e.Command, e.Response)
}

func (e *MismatchError) Is(target error) bool {
	return target == ErrMismatch
}

// DecodeError reports a response field that could not be decoded.
type DecodeError struct {
	Command string
	Field   string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("espmount: decoding %q response field %q: %v", e.Command, e.Field, e.Err)
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
