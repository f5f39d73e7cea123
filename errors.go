package kcp

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrWouldBlock is returned by Recv and PeekSize when no complete
	// message is waiting in the receive queue.
	ErrWouldBlock = errors.New("no complete message available")

	// ErrPayloadTooLarge is returned by Send when the payload would
	// fragment into more than 255 segments.
	ErrPayloadTooLarge = errors.New("payload exceeds 255 fragments")

	// ErrMalformedInput is returned by Input for truncated datagrams,
	// bad commands and length fields running past the buffer.
	ErrMalformedInput = errors.New("malformed datagram")

	// ErrConvMismatch is returned by Input when a segment carries a
	// different conversation id than the control block.
	ErrConvMismatch = errors.New("conversation id mismatch")
)

// BufferSizeError is returned by Recv when the caller's buffer cannot
// hold the next message. Required reports the size that would succeed.
type BufferSizeError struct {
	Required int
}

func (e *BufferSizeError) Error() string {
	return fmt.Sprintf("buffer too small, need at least %d bytes", e.Required)
}
