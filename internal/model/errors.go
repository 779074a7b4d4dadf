package model

import (
	"errors"
	"fmt"
)

var (
	// ErrHostNotAllowed is returned when the Host header is not on the allowlist.
	ErrHostNotAllowed = errors.New("host not allowed")

	// ErrMalformedRequest is returned for requests that cannot be routed at all,
	// such as a missing Host header.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrUpstreamUnavailable is returned when the upstream cannot be reached
	// or fails before a response arrives.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamTimeout is returned when the upstream does not answer in time.
	ErrUpstreamTimeout = errors.New("upstream timeout")
)

// BindError reports that the listener could not be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}
