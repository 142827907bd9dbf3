package message

import (
	"fmt"
	"strings"
)

// Message is the common interface for SIP requests and responses.
type Message interface {
	// IsRequest returns true if this is a request
	IsRequest() bool

	// IsResponse returns true if this is a response
	IsResponse() bool

	// GetHeader returns the first value of a header
	GetHeader(name string) string

	// GetHeaders returns all values of a header
	GetHeaders(name string) []string

	// Body returns the message body
	Body() []byte

	// String returns the wire representation (CRLF line endings)
	String() string
}

// Request represents a SIP request. The Request-URI is kept as an opaque
// string: the gateway dialect copies addresses verbatim and must never be
// re-normalized on the way through.
type Request struct {
	Method     string
	RequestURI string
	Headers    *Headers
	body       []byte
}

// Response represents a SIP response.
type Response struct {
	StatusCode   int
	ReasonPhrase string
	Headers      *Headers
	body         []byte
}

// Headers manages SIP headers with case-insensitive names while preserving
// the original insertion order for serialization.
type Headers struct {
	headers map[string][]string // normalized name -> values
	order   []string            // original order of headers
}

// NewHeaders creates a new Headers instance
func NewHeaders() *Headers {
	return &Headers{
		headers: make(map[string][]string),
		order:   make([]string, 0),
	}
}

// normalizeHeaderName normalizes header name for case-insensitive comparison
func normalizeHeaderName(name string) string {
	// Common compact forms
	switch strings.ToLower(name) {
	case "i":
		return "call-id"
	case "m":
		return "contact"
	case "f":
		return "from"
	case "t":
		return "to"
	case "v":
		return "via"
	case "c":
		return "content-type"
	case "l":
		return "content-length"
	default:
		return strings.ToLower(name)
	}
}

// Get returns the first value of a header
func (h *Headers) Get(name string) string {
	values := h.GetAll(name)
	if len(values) > 0 {
		return values[0]
	}
	return ""
}

// GetAll returns all values of a header
func (h *Headers) GetAll(name string) []string {
	return h.headers[normalizeHeaderName(name)]
}

// Set sets a header value (replaces existing)
func (h *Headers) Set(name, value string) {
	normalized := normalizeHeaderName(name)

	for i, n := range h.order {
		if normalizeHeaderName(n) == normalized {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}

	h.headers[normalized] = []string{value}
	h.order = append(h.order, name)
}

// Add adds a header value (appends to existing)
func (h *Headers) Add(name, value string) {
	normalized := normalizeHeaderName(name)

	if _, exists := h.headers[normalized]; !exists {
		h.order = append(h.order, name)
	}

	h.headers[normalized] = append(h.headers[normalized], value)
}

// Map returns a copy of all headers keyed by normalized (lowercase) name.
func (h *Headers) Map() map[string][]string {
	m := make(map[string][]string, len(h.headers))
	for name, values := range h.headers {
		copied := make([]string, len(values))
		copy(copied, values)
		m[name] = copied
	}
	return m
}

// write serializes all headers in insertion order.
func (h *Headers) write(sb *strings.Builder) {
	for _, name := range h.order {
		normalized := normalizeHeaderName(name)
		for _, value := range h.headers[normalized] {
			fmt.Fprintf(sb, "%s: %s\r\n", name, value)
		}
	}
}

// Request methods

// IsRequest returns true
func (r *Request) IsRequest() bool { return true }

// IsResponse returns false
func (r *Request) IsResponse() bool { return false }

// GetHeader returns the first value of a header
func (r *Request) GetHeader(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

// GetHeaders returns all values of a header
func (r *Request) GetHeaders(name string) []string {
	if r.Headers == nil {
		return nil
	}
	return r.Headers.GetAll(name)
}

// Body returns the message body
func (r *Request) Body() []byte { return r.body }

// SetBody sets the message body
func (r *Request) SetBody(body []byte) { r.body = body }

// String returns the wire representation
func (r *Request) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s %s SIP/2.0\r\n", r.Method, r.RequestURI)
	if r.Headers != nil {
		r.Headers.write(&sb)
	}
	sb.WriteString("\r\n")
	if len(r.body) > 0 {
		sb.Write(r.body)
	}

	return sb.String()
}

// Response methods

// IsRequest returns false
func (r *Response) IsRequest() bool { return false }

// IsResponse returns true
func (r *Response) IsResponse() bool { return true }

// GetHeader returns the first value of a header
func (r *Response) GetHeader(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

// GetHeaders returns all values of a header
func (r *Response) GetHeaders(name string) []string {
	if r.Headers == nil {
		return nil
	}
	return r.Headers.GetAll(name)
}

// Body returns the message body
func (r *Response) Body() []byte { return r.body }

// String returns the wire representation
func (r *Response) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "SIP/2.0 %d %s\r\n", r.StatusCode, r.ReasonPhrase)
	if r.Headers != nil {
		r.Headers.write(&sb)
	}
	sb.WriteString("\r\n")
	if len(r.body) > 0 {
		sb.Write(r.body)
	}

	return sb.String()
}

// CSeqContains reports whether the message's full CSeq header value names
// the given method. The gateway sends values like "2 REGISTER", so this is
// a substring check on purpose, never an exact comparison.
func CSeqContains(msg Message, method string) bool {
	return strings.Contains(msg.GetHeader("CSeq"), method)
}
