package message

import (
	"bytes"
	"strconv"
	"strings"
)

// Parse decodes one inbound frame into a Request or Response.
//
// The parser is deliberately lenient: header names are case-folded, header
// parsing stops at the first blank line and everything after it is the body,
// verbatim. A start line that matches neither a request line nor a status
// line yields ErrUnrecognized so the caller can drop the frame; the gateway
// is trusted to be well-formed and garbage must not surface as a fault.
func Parse(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}

	headerData := data
	var body []byte

	if idx := bytes.Index(data, []byte("\r\n\r\n")); idx >= 0 {
		headerData = data[:idx]
		body = data[idx+4:]
	} else if idx := bytes.Index(data, []byte("\n\n")); idx >= 0 {
		headerData = data[:idx]
		body = data[idx+2:]
	}

	lines := splitLines(headerData)
	if len(lines) == 0 {
		return nil, ErrUnrecognized
	}

	firstLine := strings.TrimSpace(string(lines[0]))
	headers := parseHeaders(lines[1:])

	if strings.HasPrefix(firstLine, "SIP/") {
		return parseStatusLine(firstLine, headers, body)
	}
	return parseRequestLine(firstLine, headers, body)
}

func splitLines(headerData []byte) [][]byte {
	lines := bytes.Split(headerData, []byte("\r\n"))
	if len(lines) == 1 {
		// Bare-LF tolerance
		lines = bytes.Split(headerData, []byte("\n"))
	}
	return lines
}

func parseRequestLine(firstLine string, headers *Headers, body []byte) (*Request, error) {
	// METHOD REQUEST-URI SIP-VERSION
	parts := strings.Fields(firstLine)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "SIP/") {
		return nil, ErrUnrecognized
	}

	req := &Request{
		Method:     strings.ToUpper(parts[0]),
		RequestURI: parts[1],
		Headers:    headers,
	}
	req.SetBody(body)
	return req, nil
}

func parseStatusLine(firstLine string, headers *Headers, body []byte) (*Response, error) {
	// SIP-VERSION STATUS-CODE REASON-PHRASE
	parts := strings.SplitN(firstLine, " ", 3)
	if len(parts) < 2 {
		return nil, ErrUnrecognized
	}

	statusCode, err := strconv.Atoi(parts[1])
	if err != nil || statusCode < 100 || statusCode > 699 {
		return nil, ErrUnrecognized
	}

	reason := ""
	if len(parts) > 2 {
		reason = parts[2]
	} else {
		reason = defaultReasonPhrase(statusCode)
	}

	resp := &Response{
		StatusCode:   statusCode,
		ReasonPhrase: reason,
		Headers:      headers,
	}
	resp.body = body
	return resp, nil
}

// parseHeaders folds continuation lines and skips anything without a colon.
func parseHeaders(lines [][]byte) *Headers {
	headers := NewHeaders()

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if len(line) == 0 {
			continue
		}

		// Line folding (continuation lines)
		for i+1 < len(lines) && len(lines[i+1]) > 0 &&
			(lines[i+1][0] == ' ' || lines[i+1][0] == '\t') {
			i++
			line = append(line, ' ')
			line = append(line, bytes.TrimSpace(lines[i])...)
		}

		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx == -1 {
			continue
		}

		name := string(bytes.TrimSpace(line[:colonIdx]))
		value := string(bytes.TrimSpace(line[colonIdx+1:]))
		if name == "" {
			continue
		}

		headers.Add(name, value)
	}

	return headers
}

// defaultReasonPhrase returns the canonical phrase for the codes this
// dialect actually exchanges.
func defaultReasonPhrase(code int) string {
	switch code {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 200:
		return "OK"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 407:
		return "Proxy Authentication Required"
	case 408:
		return "Request Timeout"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 500:
		return "Server Internal Error"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}
