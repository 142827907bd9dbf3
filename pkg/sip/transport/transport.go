// Package transport provides the mutually-authenticated TLS stream the
// listener runs on, framed into individual SIP messages.
//
// Frame boundaries are detected explicitly: a header block up to the first
// blank line, then a Content-Length sized body. The gateway happens to send
// one message per TCP segment today, but coalesced or fragmented delivery
// must not corrupt the stream.
package transport

import "context"

// Conn is a stream carrying whole SIP frames.
type Conn interface {
	// ReadFrame blocks until one complete SIP frame is available and
	// returns it (header block plus body).
	ReadFrame() ([]byte, error)

	// WriteFrame writes one complete frame to the stream.
	WriteFrame(frame []byte) error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Dialer opens frame connections to the gateway. The listener depends on
// this interface so tests can substitute an in-memory transport.
type Dialer interface {
	DialContext(ctx context.Context, addr string) (Conn, error)
}
