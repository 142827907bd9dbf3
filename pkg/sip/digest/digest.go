// Package digest implements the client side of RFC2617 MD5 digest
// authentication as the door-entry gateway applies it to SIP REGISTER:
// challenge parsing, HA1/HA2/response computation and credential header
// formatting. The gateway only accepts MD5, so no other algorithm is
// supported.
package digest

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMissingCredentials is returned by HA1 when username, realm or password
// is empty; a hash over incomplete credentials would authenticate nothing.
var ErrMissingCredentials = errors.New("digest: username, realm and password are all required")

// Challenge holds the fields of a WWW-Authenticate / Proxy-Authenticate
// header. Missing fields stay empty: a challenge without a nonce produces a
// response the server will reject, which is the correct failure mode.
type Challenge struct {
	Realm     string
	Nonce     string
	Opaque    string
	Algorithm string
	QOP       string
}

var (
	quotedParam = regexp.MustCompile(`(\w+)="([^"]*)"`)
	bareAlgo    = regexp.MustCompile(`algorithm=([A-Za-z0-9-]+)`)
)

// ParseChallenge extracts the digest parameters from a challenge header
// value such as `Digest realm="gw", nonce="abc", qop="auth"`.
func ParseChallenge(headerValue string) Challenge {
	ch := Challenge{Algorithm: "MD5"}

	for _, m := range quotedParam.FindAllStringSubmatch(headerValue, -1) {
		switch strings.ToLower(m[1]) {
		case "realm":
			ch.Realm = m[2]
		case "nonce":
			ch.Nonce = m[2]
		case "opaque":
			ch.Opaque = m[2]
		case "algorithm":
			ch.Algorithm = m[2]
		case "qop":
			ch.QOP = m[2]
		}
	}

	// algorithm commonly arrives unquoted (algorithm=MD5)
	if m := bareAlgo.FindStringSubmatch(headerValue); m != nil {
		ch.Algorithm = m[1]
	}

	return ch
}

// HA1 computes MD5("username:realm:password").
func HA1(username, realm, password string) (string, error) {
	if username == "" || realm == "" || password == "" {
		return "", ErrMissingCredentials
	}
	return md5hex(username + ":" + realm + ":" + password), nil
}

// Response computes the digest response for a request. With qop set the
// extended form MD5(ha1:nonce:nc:cnonce:qop:ha2) is used, otherwise the
// original RFC2069 form MD5(ha1:nonce:ha2).
func Response(ha1, method, uri, nonce, nonceCount, clientNonce, qop string) string {
	ha2 := md5hex(method + ":" + uri)
	if qop != "" {
		return md5hex(strings.Join([]string{ha1, nonce, nonceCount, clientNonce, qop, ha2}, ":"))
	}
	return md5hex(ha1 + ":" + nonce + ":" + ha2)
}

// Credentials describes one computed answer to a challenge, ready to be
// formatted into a Proxy-Authorization header.
type Credentials struct {
	Username   string
	Realm      string
	Nonce      string
	URI        string
	Response   string
	Opaque     string
	QOP        string
	NonceCount string
	CNonce     string
}

// Authorization formats the credential header value the gateway expects.
func (c Credentials) Authorization() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s", algorithm=MD5`,
		c.Username, c.Realm, c.Nonce, c.URI, c.Response)
	if c.Opaque != "" {
		fmt.Fprintf(&sb, `, opaque="%s"`, c.Opaque)
	}
	if c.QOP != "" {
		fmt.Fprintf(&sb, `, qop=%s, nc=%s, cnonce="%s"`, c.QOP, c.NonceCount, c.CNonce)
	}

	return sb.String()
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
