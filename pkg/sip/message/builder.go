package message

import (
	"fmt"
	"strconv"
	"strings"
)

// RegisterParams carries everything variable about one REGISTER frame.
// Branch, tag and call-ID come from the caller so the builder stays
// deterministic and golden-byte testable.
type RegisterParams struct {
	CallID  string
	Tag     string
	Branch  string
	CSeq    uint32
	Expires int

	// Authorization, when non-empty, is emitted as Proxy-Authorization on
	// the authenticated retry of a challenged REGISTER.
	Authorization string
}

// BuildRegister builds a REGISTER request for user@domain toward the
// gateway. Header order is part of the wire contract and must not change.
func BuildRegister(username, domain string, p RegisterParams) *Request {
	addr := fmt.Sprintf("sip:%s@%s", username, domain)

	h := NewHeaders()
	h.Set("Via", fmt.Sprintf("SIP/2.0/TLS %s;branch=%s", domain, p.Branch))
	h.Set("From", fmt.Sprintf("<%s>;tag=%s", addr, p.Tag))
	h.Set("To", fmt.Sprintf("<%s>", addr))
	h.Set("Call-ID", p.CallID)
	h.Set("CSeq", fmt.Sprintf("%d REGISTER", p.CSeq))
	h.Set("Contact", fmt.Sprintf("<%s;transport=tls>;expires=%d", addr, p.Expires))
	if p.Authorization != "" {
		h.Set("Proxy-Authorization", p.Authorization)
	}
	h.Set("Max-Forwards", "70")
	h.Set("Content-Length", "0")

	return &Request{
		Method:     "REGISTER",
		RequestURI: "sip:" + domain,
		Headers:    h,
	}
}

// MessageParams carries the variable parts of an outbound MESSAGE frame.
type MessageParams struct {
	CallID      string
	Tag         string
	Branch      string
	CSeq        uint32
	ContentType string
	Body        []byte
}

// BuildMessage builds a MESSAGE request toward target (a full sip: address).
// The body is opaque to the codec; the gate-open control path puts its
// JSON-RPC envelope here.
func BuildMessage(username, domain, target string, p MessageParams) *Request {
	from := fmt.Sprintf("sip:%s@%s", username, domain)

	h := NewHeaders()
	h.Set("Via", fmt.Sprintf("SIP/2.0/TLS %s;branch=%s", domain, p.Branch))
	h.Set("From", fmt.Sprintf("<%s>;tag=%s", from, p.Tag))
	h.Set("To", fmt.Sprintf("<%s>", target))
	h.Set("Call-ID", p.CallID)
	h.Set("CSeq", fmt.Sprintf("%d MESSAGE", p.CSeq))
	h.Set("Max-Forwards", "70")
	if p.ContentType != "" {
		h.Set("Content-Type", p.ContentType)
	}
	h.Set("Content-Length", strconv.Itoa(len(p.Body)))

	req := &Request{
		Method:     "MESSAGE",
		RequestURI: target,
		Headers:    h,
	}
	req.SetBody(p.Body)
	return req
}

// BuildResponse builds a response to an inbound request, copying Via, From,
// Call-ID and CSeq verbatim. To is copied and the tag appended only when the
// original To carries no tag parameter yet, so replying twice to the same
// request never stacks tags.
func BuildResponse(req *Request, statusCode int, reasonPhrase, toTag string) *Response {
	if reasonPhrase == "" {
		reasonPhrase = defaultReasonPhrase(statusCode)
	}

	h := NewHeaders()
	for _, via := range req.GetHeaders("Via") {
		h.Add("Via", via)
	}
	h.Set("From", req.GetHeader("From"))

	to := req.GetHeader("To")
	if toTag != "" && !hasTag(to) {
		to = to + ";tag=" + toTag
	}
	h.Set("To", to)

	h.Set("Call-ID", req.GetHeader("Call-ID"))
	h.Set("CSeq", req.GetHeader("CSeq"))
	h.Set("Max-Forwards", "70")
	h.Set("Content-Length", "0")

	return &Response{
		StatusCode:   statusCode,
		ReasonPhrase: reasonPhrase,
		Headers:      h,
	}
}

// hasTag reports whether a From/To header value already carries a tag
// parameter. The gateway mixes tag= casing, so the check is case-insensitive.
func hasTag(headerValue string) bool {
	return strings.Contains(strings.ToLower(headerValue), "tag=")
}

// ExtractTag extracts the tag parameter from a From/To header value.
func ExtractTag(headerValue string) string {
	lower := strings.ToLower(headerValue)
	idx := strings.Index(lower, "tag=")
	if idx < 0 {
		return ""
	}
	tagStart := idx + 4
	tagEnd := strings.IndexAny(headerValue[tagStart:], ";>")
	if tagEnd < 0 {
		return headerValue[tagStart:]
	}
	return headerValue[tagStart : tagStart+tagEnd]
}

// ExtractAddress extracts the sip: address from a header value like
// `"Display" <sip:user@host>;tag=x`, falling back to the raw value.
func ExtractAddress(headerValue string) string {
	start := strings.Index(headerValue, "<")
	end := strings.LastIndex(headerValue, ">")
	if start >= 0 && end > start {
		return headerValue[start+1 : end]
	}
	if semiIdx := strings.Index(headerValue, ";"); semiIdx > 0 {
		return strings.TrimSpace(headerValue[:semiIdx])
	}
	return strings.TrimSpace(headerValue)
}

// ParseCSeq parses a CSeq header value into sequence number and method.
func ParseCSeq(cseq string) (seq uint32, method string, err error) {
	parts := strings.Fields(cseq)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("invalid CSeq format: %s", cseq)
	}

	seqNum, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("invalid CSeq number: %s", parts[0])
	}

	return uint32(seqNum), parts[1], nil
}
