// Package mocktransport provides an in-memory frame transport for listener
// tests: a scriptable Dialer handing out paired connections, with optional
// injected dial failures and recorded dial timestamps.
package mocktransport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/arzzra/intercom/pkg/sip/transport"
)

// ErrAcceptTimeout is returned by Accept when no dial arrives in time.
var ErrAcceptTimeout = errors.New("mocktransport: timed out waiting for a connection")

// Conn is one half of an in-memory frame connection pair. Closing either
// half terminates the pair, like a TCP close does.
type Conn struct {
	in   chan []byte
	peer *Conn

	done      chan struct{} // shared between both halves
	closeOnce *sync.Once
}

// NewPair creates a connected pair of frame connections.
func NewPair() (*Conn, *Conn) {
	done := make(chan struct{})
	once := &sync.Once{}

	a := &Conn{in: make(chan []byte, 32), done: done, closeOnce: once}
	b := &Conn{in: make(chan []byte, 32), done: done, closeOnce: once}
	a.peer = b
	b.peer = a
	return a, b
}

// ReadFrame returns the next frame written by the peer. Frames already
// delivered are drained before a close is observed.
func (c *Conn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	default:
	}

	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.done:
		return nil, io.EOF
	}
}

// WriteFrame delivers one frame to the peer. A close is observed before
// any further delivery is attempted.
func (c *Conn) WriteFrame(frame []byte) error {
	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}

	select {
	case c.peer.in <- buf:
		return nil
	case <-c.done:
		return io.ErrClosedPipe
	}
}

// Close terminates the pair. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

var _ transport.Conn = (*Conn)(nil)

// Dialer hands out in-memory connection pairs. Each successful dial makes
// the server half available through Accept.
type Dialer struct {
	mu        sync.Mutex
	dialErrs  []error
	dialTimes []time.Time

	accepted chan *Conn
}

// NewDialer creates a mock dialer.
func NewDialer() *Dialer {
	return &Dialer{accepted: make(chan *Conn, 16)}
}

// FailNext queues an error for the next dial attempt; queued errors are
// consumed in order before dials succeed again.
func (d *Dialer) FailNext(err error) {
	d.mu.Lock()
	d.dialErrs = append(d.dialErrs, err)
	d.mu.Unlock()
}

// DialContext implements transport.Dialer.
func (d *Dialer) DialContext(ctx context.Context, addr string) (transport.Conn, error) {
	d.mu.Lock()
	d.dialTimes = append(d.dialTimes, time.Now())
	var err error
	if len(d.dialErrs) > 0 {
		err = d.dialErrs[0]
		d.dialErrs = d.dialErrs[1:]
	}
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	client, server := NewPair()
	d.accepted <- server
	return client, nil
}

// Accept returns the server half of the next dialed connection.
func (d *Dialer) Accept(timeout time.Duration) (*Conn, error) {
	select {
	case conn := <-d.accepted:
		return conn, nil
	case <-time.After(timeout):
		return nil, ErrAcceptTimeout
	}
}

// DialTimes returns the timestamps of all dial attempts so far.
func (d *Dialer) DialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	times := make([]time.Time, len(d.dialTimes))
	copy(times, d.dialTimes)
	return times
}

var _ transport.Dialer = (*Dialer)(nil)
