package kcp

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel error kinds a caller can compare against with errors.Is.
var (
	// ErrWouldBlock is returned by Recv when rcv_queue holds no complete
	// message yet.
	ErrWouldBlock = errors.New("kcp: would block")

	// ErrConvMismatch is returned by Input when a segment's conv field
	// does not match this ControlBlock's conv.
	ErrConvMismatch = errors.New("kcp: conversation id mismatch")
)

// PayloadTooLargeError is returned by Send when the payload would
// fragment into more than 255 segments.
type PayloadTooLargeError struct {
	Fragments int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("kcp: payload needs %d fragments, max is 255", e.Fragments)
}

// BufferTooSmallError is returned by Recv when the caller's buffer
// cannot hold the next complete message.
type BufferTooSmallError struct {
	Required int
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("kcp: buffer too small, need at least %d bytes", e.Required)
}

// MalformedInputError is returned by Input when a datagram's trailing
// bytes cannot be parsed as a well-formed segment. The entire remaining
// datagram is discarded, not just the offending segment, since a
// corrupt length field makes everything after it untrustworthy.
type MalformedInputError struct {
	Reason string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("kcp: malformed input: %s", e.Reason)
}

// OutputSinkError wraps an error returned by the caller-supplied output
// sink during Flush. Queued and in-flight segments and pending ACKs are
// kept; the caller may retry on the next Flush.
type OutputSinkError struct {
	Err error
}

func (e *OutputSinkError) Error() string {
	return fmt.Sprintf("kcp: output sink failed: %s", e.Err)
}

func (e *OutputSinkError) Unwrap() error {
	return e.Err
}

func newOutputSinkError(err error) error {
	return &OutputSinkError{Err: errors.WithStack(err)}
}
