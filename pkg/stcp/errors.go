package stcp

import (
	"github.com/pkg/errors"
)

var (
	ErrConnRefused       = errors.New("connection refused")
	ErrTimeout           = errors.New("connection timed out")
	ErrConnClosed        = errors.New("connection closed")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrListenerClosed    = errors.New("listener closed")
)

// HandshakeError reports why a connection never reached ESTABLISHED. It
// matches ErrConnRefused and unwraps to the underlying cause.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string { return "connection refused: " + e.Err.Error() }
func (e *HandshakeError) Unwrap() error { return e.Err }

func (e *HandshakeError) Is(target error) bool { return target == ErrConnRefused }
