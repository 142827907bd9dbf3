package listener

import (
	"strings"

	"github.com/google/uuid"

	"github.com/arzzra/intercom/pkg/sip/transport"
)

// session is the per-TLS-connection state. A new session is created on
// every reconnect and on every certificate rotation; sessions are never
// reused across connections, which rules out stale nonce and tag reuse.
type session struct {
	conn transport.Conn

	// REGISTER cycle identifiers. Call-ID and tag are generated once per
	// cycle and reused across the authenticated retry; CSeq only grows.
	callID  string
	fromTag string
	branch  string
	cseq    uint32

	// challenges counts consecutive 401/407 answers within the current
	// cycle; the cycle is abandoned past maxChallenges.
	challenges int

	registered bool

	// closed is closed when the read loop exits, after the disconnect
	// notification went out.
	closed chan struct{}
}

func newSession(conn transport.Conn) *session {
	return &session{
		conn:   conn,
		closed: make(chan struct{}),
	}
}

// newRegisterCycle picks fresh identifiers for one REGISTER cycle.
func (s *session) newRegisterCycle() {
	s.callID = uuid.NewString()
	s.fromTag = newTag()
	s.branch = "z9hG4bK-" + newTag()
	s.challenges = 0
}

// newTag returns a short random token for From/To tags and Via branches.
func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
