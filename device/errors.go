package device

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-tcpdev/pattern"
)

var (
	// ErrConfigNil indicates that a nil Config was provided.
	ErrConfigNil = errors.New("device config is nil")

	// ErrNotConnected indicates that no connected socket is available for writing.
	ErrNotConnected = errors.New("device is not connected")

	// ErrDeviceClosed indicates that the device was closed while the operation was pending.
	ErrDeviceClosed = errors.New("device closed")

	// ErrPipeEnded indicates a write to a data pipe that has already been ended.
	ErrPipeEnded = errors.New("data pipe ended")

	// ErrNilMatcher indicates a request without an expected-response matcher.
	ErrNilMatcher = errors.New("expected response matcher is nil")
)

var (
	// ErrConnectTimeout indicates that the TCP handshake did not complete within the response timeout.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrResponseTimeout indicates that no chunk matched a request's patterns within the response timeout.
	ErrResponseTimeout = errors.New("response timeout")
)

// FailureError is returned by Request when a chunk matched the failure pattern.
type FailureError struct {
	// Match is the match produced by the failure pattern.
	Match pattern.Match
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("failure response received: %q", e.Match.String())
}
