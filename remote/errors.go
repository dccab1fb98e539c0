package remote

import (
	"errors"
	"fmt"
)

// ErrMissingField is wrapped by DecodeError when a required field is absent
var ErrMissingField = errors.New("missing required field")

// ErrSessionRejected is returned when the relay refused the cached session
var ErrSessionRejected = errors.New("relay session rejected")

// TransportError is a failed call: network error, timeout, unexpected HTTP
// status, open circuit breaker or a call the remote API rejected.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError is a response that could not be mapped to the domain model
type DecodeError struct {
	Kind string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RemoteError is a well-formed response with success=false
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("remote API error %d: %s", e.Code, e.Message)
	}
	return "remote API error: " + e.Message
}

func missing(field string) error {
	return fmt.Errorf("%w %q", ErrMissingField, field)
}

// IsTransport reports whether err is a transport-class failure
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsDecode reports whether err is a decode failure
func IsDecode(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
