package listener

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/intercom/pkg/sip/digest"
	"github.com/arzzra/intercom/pkg/sip/message"
	"github.com/arzzra/intercom/pkg/sip/transport"
)

// maxRegisterChallenges caps consecutive 401/407 answers within one
// REGISTER cycle. The gateway challenges once in normal operation; a second
// challenge on the authenticated retry means the credentials are wrong and
// looping further would only hammer the server.
const maxRegisterChallenges = 2

// Listener maintains the persistent SIP-over-TLS session to the door-entry
// gateway: digest-authenticated registration, keep-alive re-registration,
// inbound doorbell/message dispatch, automatic reconnection and graceful
// certificate rotation.
//
// A Listener owns exactly one logical connection. All exported methods are
// safe for concurrent use.
type Listener struct {
	account Account
	cfg     Config
	events  Events
	log     *slog.Logger
	clock   Clock
	metrics *metrics

	mu             sync.Mutex
	fsm            *fsm.FSM
	material       CertificateMaterial
	sess           *session
	closing        bool
	rotating       bool
	autoReconnect  bool
	keepAliveTimer Timer
	reconnectTimer Timer
	regWaiter      chan error
	cmdWaiter      chan error
	cmdSeq         uint64
}

// New creates a listener for the given account and client identity. The
// config is copied; start from DefaultConfig and override as needed.
func New(account Account, material CertificateMaterial, cfg Config, events Events) *Listener {
	cfg = cfg.withDefaults()

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}

	return &Listener{
		account:       account,
		cfg:           cfg,
		events:        events,
		log:           log.With("component", "sip-listener"),
		clock:         clock,
		metrics:       newMetrics(cfg.Registerer),
		fsm:           newConnectionFSM(),
		material:      material,
		autoReconnect: cfg.AutoReconnect,
	}
}

// Certificates returns the currently active certificate material.
func (l *Listener) Certificates() CertificateMaterial {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.material
}

// Registered reports whether the SIP binding is currently confirmed.
func (l *Listener) Registered() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess != nil && l.sess.registered
}

// Connect opens the mutually-authenticated TLS session. It fails fast:
// no retry happens inside this call, missing certificate material and dial
// errors reject immediately.
func (l *Listener) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return ErrClosing
	}
	if l.sess != nil {
		l.mu.Unlock()
		return ErrAlreadyConnected
	}
	material := l.material
	l.mu.Unlock()

	if material.empty() {
		return ErrNoCertificates
	}

	dialer := l.cfg.Dialer
	if dialer == nil {
		cert, err := tls.X509KeyPair([]byte(material.CertificatePEM), []byte(material.PrivateKeyPEM))
		if err != nil {
			return fmt.Errorf("load client certificate: %w", err)
		}
		dialer = transport.NewTLSDialer(cert)
	}

	l.mu.Lock()
	l.transition(eventDial)
	l.mu.Unlock()

	addr := net.JoinHostPort(l.account.Server, strconv.Itoa(l.account.Port))
	conn, err := dialer.DialContext(ctx, addr)
	if err != nil {
		l.mu.Lock()
		l.transition(eventClosed)
		l.mu.Unlock()
		err = fmt.Errorf("connect %s: %w", addr, err)
		l.emitError(err)
		return err
	}

	s := newSession(conn)

	l.mu.Lock()
	if l.closing {
		// Disconnect raced the dial; drop the fresh connection.
		l.transition(eventClosed)
		l.mu.Unlock()
		_ = conn.Close()
		return ErrClosing
	}
	if l.sess != nil {
		// A concurrent Connect won the race while this call was dialing.
		// Exactly one session may be live; the surplus connection is
		// dropped without touching the winner's state.
		l.mu.Unlock()
		_ = conn.Close()
		return ErrAlreadyConnected
	}
	l.sess = s
	l.transition(eventEstablished)
	l.mu.Unlock()

	l.metrics.connects.Inc()
	l.log.Info("connected", "addr", addr)
	l.emitConnected()

	go l.readLoop(s)
	return nil
}

// Register runs one REGISTER cycle: fresh call-ID and tag, unauthenticated
// REGISTER, digest answer on a 401/407 challenge with the same call-ID/tag
// and an incremented CSeq, completion on the 200. There is no
// operation-level timeout; cancel via ctx if needed.
func (l *Listener) Register(ctx context.Context) error {
	l.mu.Lock()
	s := l.sess
	if s == nil {
		l.mu.Unlock()
		return ErrNotConnected
	}
	if l.regWaiter != nil {
		l.mu.Unlock()
		return ErrRegisterInFlight
	}

	s.newRegisterCycle()
	s.cseq++
	req := message.BuildRegister(l.account.Username, l.account.Domain, message.RegisterParams{
		CallID:  s.callID,
		Tag:     s.fromTag,
		Branch:  s.branch,
		CSeq:    s.cseq,
		Expires: l.cfg.RegisterExpires,
	})

	waiter := make(chan error, 1)
	l.regWaiter = waiter
	l.transition(eventRegisterStart)
	l.mu.Unlock()

	if err := l.send(s, req); err != nil {
		l.mu.Lock()
		if l.regWaiter == waiter {
			l.regWaiter = nil
		}
		l.transition(eventRegisterFailed)
		l.mu.Unlock()
		return err
	}

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		l.mu.Lock()
		if l.regWaiter == waiter {
			l.regWaiter = nil
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Disconnect sets the closing intent, cancels the keep-alive and reconnect
// timers and gracefully ends the socket. It resolves once the close is
// acknowledged or after DisconnectTimeout, so it never hangs. Calling it
// again while closing is a no-op.
func (l *Listener) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return nil
	}
	l.closing = true

	if l.keepAliveTimer != nil {
		l.keepAliveTimer.Stop()
		l.keepAliveTimer = nil
	}
	if l.reconnectTimer != nil {
		l.reconnectTimer.Stop()
		l.reconnectTimer = nil
	}

	s := l.sess
	if s == nil {
		// A pending reconnect was the only activity.
		l.transition(eventClosed)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	l.log.Info("disconnecting")
	_ = s.conn.Close()

	select {
	case <-s.closed:
	case <-l.clock.After(l.cfg.DisconnectTimeout):
		l.log.Warn("disconnect timed out waiting for close acknowledgment")
	case <-ctx.Done():
	}
	return nil
}

// UpdateCertificates swaps the TLS client identity. With an active
// connection it runs the graceful-restart bracket: suspend auto-reconnect,
// disconnect, settle, swap, reconnect and re-register when the session was
// registered before. Failures are both returned and announced through
// OnCertificateUpdateError, and leave the listener disconnected rather than
// running on stale credentials.
func (l *Listener) UpdateCertificates(ctx context.Context, material CertificateMaterial) error {
	if err := material.validate(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.rotating {
		l.mu.Unlock()
		return ErrRotationInFlight
	}
	l.rotating = true
	defer func() {
		l.mu.Lock()
		l.rotating = false
		l.mu.Unlock()
	}()

	active := l.sess != nil
	wasRegistered := active && l.sess.registered
	if !active {
		// No connection to preserve: swap in place, used on next Connect.
		l.material = material
		l.mu.Unlock()
		l.log.Info("certificates updated while disconnected")
		l.emitCertificatesUpdated(material)
		return nil
	}
	prevAutoReconnect := l.autoReconnect
	l.autoReconnect = false
	l.mu.Unlock()

	l.log.Info("rotating certificates", "was_registered", wasRegistered)

	_ = l.Disconnect(ctx)

	// Let the peer fully release the old TLS session; reconnecting
	// immediately was observed to produce connection resets.
	l.sleep(ctx, l.cfg.SettleDelay)

	l.mu.Lock()
	l.closing = false
	l.autoReconnect = prevAutoReconnect
	l.material = material
	l.mu.Unlock()

	if err := l.Connect(ctx); err != nil {
		err = fmt.Errorf("reconnect with new certificates: %w", err)
		l.emitCertificateUpdateError(err)
		return err
	}
	if wasRegistered {
		if err := l.Register(ctx); err != nil {
			err = fmt.Errorf("re-register with new certificates: %w", err)
			l.emitCertificateUpdateError(err)
			return err
		}
	}

	l.log.Info("certificates rotated")
	l.emitCertificatesUpdated(material)
	return nil
}

// send serializes and writes one frame.
func (l *Listener) send(s *session, msg message.Message) error {
	frame := []byte(msg.String())
	if l.cfg.Debug {
		l.log.Debug("send", "line", firstLine(frame))
	}
	if err := s.conn.WriteFrame(frame); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	l.metrics.framesOut.Inc()
	return nil
}

// readLoop drives inbound dispatch for one session until the socket
// closes, then runs the shared closure path.
func (l *Listener) readLoop(s *session) {
	var readErr error
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			readErr = err
			break
		}
		l.metrics.framesIn.Inc()
		if l.cfg.Debug {
			l.log.Debug("recv", "line", firstLine(frame))
		}

		msg, err := message.Parse(frame)
		if err != nil {
			// The gateway is trusted to be well-formed; noise is dropped
			// without spamming the error surface.
			l.log.Debug("ignoring unparseable frame", "err", err)
			continue
		}

		switch m := msg.(type) {
		case *message.Response:
			l.handleResponse(s, m)
		case *message.Request:
			l.handleRequest(s, m)
		}
	}
	l.handleClosed(s, readErr)
}

// handleClosed is the single closure path: every socket end, clean or not,
// funnels through here exactly once per session.
func (l *Listener) handleClosed(s *session, readErr error) {
	l.mu.Lock()
	if l.sess == s {
		l.sess = nil
	}
	s.registered = false
	if l.keepAliveTimer != nil {
		l.keepAliveTimer.Stop()
		l.keepAliveTimer = nil
	}
	l.transition(eventClosed)
	regWaiter := l.regWaiter
	l.regWaiter = nil
	cmdWaiter := l.cmdWaiter
	l.cmdWaiter = nil
	closing := l.closing
	auto := l.autoReconnect
	l.mu.Unlock()

	if regWaiter != nil {
		regWaiter <- ErrConnectionClosed
	}
	if cmdWaiter != nil {
		cmdWaiter <- ErrConnectionClosed
	}
	if readErr != nil && !isCleanClose(readErr) {
		l.emitError(readErr)
	}

	l.log.Info("disconnected")
	l.emitDisconnected()
	close(s.closed)

	if auto && !closing {
		l.scheduleReconnect()
	}
}

// scheduleReconnect arms the one-shot reconnect timer.
func (l *Listener) scheduleReconnect() {
	l.mu.Lock()
	if l.closing || l.sess != nil || l.reconnectTimer != nil {
		l.mu.Unlock()
		return
	}
	l.transition(eventRetryWait)
	l.reconnectTimer = l.clock.AfterFunc(l.cfg.ReconnectDelay, l.reconnectAttempt)
	l.mu.Unlock()

	l.log.Info("reconnect scheduled", "delay", l.cfg.ReconnectDelay)
}

// reconnectAttempt is the unbounded background retry loop: connect and
// re-register, rescheduling itself on any failure. Unbounded is the right
// shape for a background notification service; there is no caller to give
// up toward.
func (l *Listener) reconnectAttempt() {
	l.mu.Lock()
	l.reconnectTimer = nil
	if l.closing || !l.autoReconnect {
		l.transition(eventClosed)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	l.metrics.reconnects.Inc()
	ctx := context.Background()

	if err := l.Connect(ctx); err != nil {
		l.log.Warn("reconnect failed", "err", err)
		l.scheduleReconnect()
		return
	}
	if err := l.Register(ctx); err != nil {
		l.log.Warn("re-registration failed", "err", err)
		l.mu.Lock()
		s := l.sess
		l.mu.Unlock()
		if s != nil {
			// Closing the socket re-enters the closure path, which
			// schedules the next attempt.
			_ = s.conn.Close()
		}
	}
}

// handleResponse correlates responses by the method named inside the CSeq
// header value; the gateway sends values like "2 REGISTER".
func (l *Listener) handleResponse(s *session, resp *message.Response) {
	switch {
	case message.CSeqContains(resp, "REGISTER"):
		l.handleRegisterResponse(s, resp)
	case message.CSeqContains(resp, "MESSAGE"):
		l.handleCommandResponse(resp)
	default:
		// Unsolicited response; nothing waits on it.
	}
}

func (l *Listener) handleRegisterResponse(s *session, resp *message.Response) {
	switch {
	case resp.StatusCode == 401 || resp.StatusCode == 407:
		l.answerChallenge(s, resp)

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		l.mu.Lock()
		s.registered = true
		l.transition(eventRegistered)
		l.armKeepAliveLocked()
		waiter := l.regWaiter
		l.regWaiter = nil
		l.mu.Unlock()

		l.log.Info("registered", "expires", l.cfg.RegisterExpires)
		l.emitRegistered()
		if waiter != nil {
			waiter <- nil
		}

	default:
		l.failRegister(fmt.Errorf("%w: %d %s", ErrRegistrationRejected, resp.StatusCode, resp.ReasonPhrase))
	}
}

// answerChallenge resends the pending REGISTER with digest credentials,
// reusing the cycle's call-ID and tag so the gateway can correlate the
// pair, with the CSeq incremented.
func (l *Listener) answerChallenge(s *session, resp *message.Response) {
	l.mu.Lock()
	s.challenges++
	if s.challenges > maxRegisterChallenges {
		n := s.challenges
		l.mu.Unlock()
		l.failRegister(fmt.Errorf("%w: %d consecutive digest challenges", ErrRegistrationRejected, n))
		return
	}

	hdr := resp.GetHeader("WWW-Authenticate")
	if hdr == "" {
		hdr = resp.GetHeader("Proxy-Authenticate")
	}
	ch := digest.ParseChallenge(hdr)

	realm := ch.Realm
	if l.account.Realm != "" {
		realm = l.account.Realm
	}

	ha1, err := digest.HA1(l.account.Username, realm, l.account.Password)
	if err != nil {
		l.mu.Unlock()
		l.failRegister(err)
		return
	}

	uri := "sip:" + l.account.Domain
	creds := digest.Credentials{
		Username: l.account.Username,
		Realm:    realm,
		Nonce:    ch.Nonce,
		URI:      uri,
		Opaque:   ch.Opaque,
		QOP:      ch.QOP,
	}
	if ch.QOP != "" {
		creds.NonceCount = "00000001"
		creds.CNonce = newTag()
	}
	creds.Response = digest.Response(ha1, "REGISTER", uri, ch.Nonce, creds.NonceCount, creds.CNonce, ch.QOP)

	s.cseq++
	req := message.BuildRegister(l.account.Username, l.account.Domain, message.RegisterParams{
		CallID:        s.callID,
		Tag:           s.fromTag,
		Branch:        s.branch,
		CSeq:          s.cseq,
		Expires:       l.cfg.RegisterExpires,
		Authorization: creds.Authorization(),
	})
	l.mu.Unlock()

	if err := l.send(s, req); err != nil {
		l.failRegister(err)
	}
}

func (l *Listener) failRegister(err error) {
	l.mu.Lock()
	l.transition(eventRegisterFailed)
	waiter := l.regWaiter
	l.regWaiter = nil
	l.mu.Unlock()

	l.log.Warn("registration failed", "err", err)
	if waiter != nil {
		waiter <- err
	}
}

// handleRequest dispatches inbound requests by method.
func (l *Listener) handleRequest(s *session, req *message.Request) {
	switch req.Method {
	case "INVITE":
		l.handleInvite(s, req)

	case "MESSAGE":
		// Acknowledging receipt is mandatory or the gateway retransmits.
		if err := l.send(s, message.BuildResponse(req, 200, "OK", newTag())); err != nil {
			l.log.Warn("failed to acknowledge MESSAGE", "err", err)
		}
		l.emitMessage(MessageEvent{
			From:      message.ExtractAddress(req.GetHeader("From")),
			Body:      string(req.Body()),
			Timestamp: l.clock.Now(),
			Headers:   req.Headers.Map(),
		})

	case "OPTIONS", "BYE", "CANCEL":
		// Probe and teardown traffic: answer, emit nothing.
		if err := l.send(s, message.BuildResponse(req, 200, "OK", newTag())); err != nil {
			l.log.Warn("failed to answer probe", "method", req.Method, "err", err)
		}

	default:
		l.log.Debug("ignoring request", "method", req.Method)
	}
}

// handleInvite delivers the doorbell event and declines the call: 180
// Ringing immediately, 486 Busy Here after the ringing delay. The listener
// is a notification-only consumer; 486 tells the gateway's call routing the
// line is unavailable for media while the ring was still delivered.
func (l *Listener) handleInvite(s *session, req *message.Request) {
	toTag := newTag()

	if err := l.send(s, message.BuildResponse(req, 180, "", toTag)); err != nil {
		l.log.Warn("failed to send ringing", "err", err)
	}

	l.emitDoorbell(DoorbellEvent{
		From:      message.ExtractAddress(req.GetHeader("From")),
		To:        message.ExtractAddress(req.GetHeader("To")),
		CallID:    req.GetHeader("Call-ID"),
		Timestamp: l.clock.Now(),
		Body:      string(req.Body()),
		Headers:   req.Headers.Map(),
	})

	l.clock.AfterFunc(l.cfg.RingingDelay, func() {
		select {
		case <-s.closed:
			return
		default:
		}
		if err := l.send(s, message.BuildResponse(req, 486, "", toTag)); err != nil {
			l.log.Debug("failed to send busy", "err", err)
		}
	})
}

// handleCommandResponse completes an in-flight outbound command.
func (l *Listener) handleCommandResponse(resp *message.Response) {
	l.mu.Lock()
	waiter := l.cmdWaiter
	l.cmdWaiter = nil
	l.mu.Unlock()

	if waiter == nil {
		return
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		waiter <- nil
		return
	}
	waiter <- fmt.Errorf("command rejected: %d %s", resp.StatusCode, resp.ReasonPhrase)
}

// armKeepAliveLocked arms the keep-alive timer; callers hold l.mu.
func (l *Listener) armKeepAliveLocked() {
	if !l.cfg.KeepAlive || l.closing {
		return
	}
	if l.keepAliveTimer != nil {
		l.keepAliveTimer.Stop()
	}
	l.keepAliveTimer = l.clock.AfterFunc(l.cfg.KeepAliveInterval, l.keepAliveTick)
}

// keepAliveTick re-registers to keep the binding alive server-side. The
// success path re-arms through the 200 handler; on failure with the
// session still up the timer is re-armed directly for the next interval.
func (l *Listener) keepAliveTick() {
	l.mu.Lock()
	l.keepAliveTimer = nil
	s := l.sess
	if l.closing || s == nil || !s.registered {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	if err := l.Register(context.Background()); err != nil {
		l.log.Warn("keep-alive re-registration failed", "err", err)
		l.mu.Lock()
		if l.sess == s {
			l.armKeepAliveLocked()
		}
		l.mu.Unlock()
	}
}

func (l *Listener) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-l.clock.After(d):
	case <-ctx.Done():
	}
}

// isCleanClose separates expected shutdown errors from faults worth
// surfacing on the error channel.
func isCleanClose(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

func firstLine(frame []byte) string {
	if idx := bytes.IndexByte(frame, '\r'); idx >= 0 {
		return string(frame[:idx])
	}
	if idx := bytes.IndexByte(frame, '\n'); idx >= 0 {
		return string(frame[:idx])
	}
	return string(frame)
}
