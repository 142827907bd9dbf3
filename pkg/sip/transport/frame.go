package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

const (
	maxFrameSize  = 65536 // 64KB
	maxHeaderSize = 8192  // 8KB per header line
)

// frameConn frames a byte stream into SIP messages.
type frameConn struct {
	conn net.Conn
	br   *bufio.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps a stream connection into a frame connection.
func NewConn(conn net.Conn) Conn {
	return &frameConn{
		conn: conn,
		br:   bufio.NewReader(conn),
	}
}

// ReadFrame reads the header block line by line until the blank line, then
// reads exactly Content-Length body bytes (zero when the header is absent).
func (c *frameConn) ReadFrame() ([]byte, error) {
	var frame bytes.Buffer
	contentLength := 0

	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			return nil, &TransportError{Operation: "read", Err: err}
		}
		if len(line) > maxHeaderSize {
			return nil, &TransportError{Operation: "read", Err: fmt.Errorf("header line exceeds %d bytes", maxHeaderSize)}
		}

		frame.WriteString(line)
		if frame.Len() > maxFrameSize {
			return nil, &TransportError{Operation: "read", Err: fmt.Errorf("frame exceeds %d bytes", maxFrameSize)}
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}

		if n, ok := parseContentLength(trimmed); ok {
			contentLength = n
		}
	}

	if contentLength > 0 {
		if contentLength > maxFrameSize {
			return nil, &TransportError{Operation: "read", Err: fmt.Errorf("declared body of %d bytes too large", contentLength)}
		}
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(c.br, body); err != nil {
			return nil, &TransportError{Operation: "read", Err: err}
		}
		frame.Write(body)
	}

	return frame.Bytes(), nil
}

// WriteFrame writes one frame; concurrent writers are serialized so frames
// never interleave on the wire.
func (c *frameConn) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.conn.Write(frame); err != nil {
		return &TransportError{Operation: "write", Err: err}
	}
	return nil
}

func (c *frameConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// parseContentLength matches "Content-Length: n" and the compact "l: n"
// form, case-insensitively.
func parseContentLength(line string) (int, bool) {
	colonIdx := strings.IndexByte(line, ':')
	if colonIdx < 0 {
		return 0, false
	}

	name := strings.ToLower(strings.TrimSpace(line[:colonIdx]))
	if name != "content-length" && name != "l" {
		return 0, false
	}

	n, err := strconv.Atoi(strings.TrimSpace(line[colonIdx+1:]))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
