package message

import "errors"

var (
	// ErrUnrecognized marks a frame whose start line is neither a valid
	// request line nor a valid status line. The gateway occasionally emits
	// noise between frames; callers drop these instead of failing.
	ErrUnrecognized = errors.New("unrecognized SIP frame")

	// ErrEmptyFrame is returned for a zero-length input.
	ErrEmptyFrame = errors.New("empty SIP frame")
)
