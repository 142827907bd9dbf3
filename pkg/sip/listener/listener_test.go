package listener

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/intercom/pkg/sip/digest"
	"github.com/arzzra/intercom/pkg/sip/message"
	"github.com/arzzra/intercom/pkg/sip/transport"
	"github.com/arzzra/intercom/pkg/sip/transport/mocktransport"
)

func TestConnectRequiresCertificates(t *testing.T) {
	dialer := mocktransport.NewDialer()
	l := New(testAccount(), CertificateMaterial{}, testConfig(dialer), Events{})

	err := l.Connect(context.Background())
	require.ErrorIs(t, err, ErrNoCertificates)
	assert.Empty(t, dialer.DialTimes())
}

func TestConnectRejectsSecondSession(t *testing.T) {
	dialer := mocktransport.NewDialer()
	l := New(testAccount(), testMaterial(), testConfig(dialer), Events{})

	require.NoError(t, l.Connect(context.Background()))
	assert.Equal(t, StateConnected, l.State())

	err := l.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnectReportsDialFailure(t *testing.T) {
	dialer := mocktransport.NewDialer()
	dialer.FailNext(errors.New("connection refused"))

	errs := make(chan error, 1)
	l := New(testAccount(), testMaterial(), testConfig(dialer), Events{
		OnError: func(err error) { errs <- err },
	})

	err := l.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, StateDisconnected, l.State())

	emitted := waitFor(t, errs, "error event")
	assert.Contains(t, emitted.Error(), "connection refused")
}

func TestRegisterRequiresConnection(t *testing.T) {
	l := New(testAccount(), testMaterial(), testConfig(mocktransport.NewDialer()), Events{})
	err := l.Register(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRegisterDigestChallengeFlow(t *testing.T) {
	dialer := mocktransport.NewDialer()
	registered := make(chan struct{}, 1)
	l := New(testAccount(), testMaterial(), testConfig(dialer), Events{
		OnRegistered: func() { registered <- struct{}{} },
	})

	require.NoError(t, l.Connect(context.Background()))
	gw := acceptGateway(t, dialer)

	regErr := make(chan error, 1)
	go func() { regErr <- l.Register(context.Background()) }()

	req1 := gw.readRequest("REGISTER")
	assert.Equal(t, "1 REGISTER", req1.GetHeader("CSeq"))
	assert.Empty(t, req1.GetHeader("Proxy-Authorization"))
	assert.Contains(t, req1.GetHeader("Contact"), "transport=tls")

	callID := req1.GetHeader("Call-ID")
	fromTag := message.ExtractTag(req1.GetHeader("From"))
	require.NotEmpty(t, callID)
	require.NotEmpty(t, fromTag)

	gw.challenge(req1, `Digest realm="gw.example.com", nonce="abc123", qop="auth", algorithm=MD5`)

	req2 := gw.readRequest("REGISTER")
	assert.Equal(t, callID, req2.GetHeader("Call-ID"), "challenge retry must keep the Call-ID")
	assert.Equal(t, fromTag, message.ExtractTag(req2.GetHeader("From")), "challenge retry must keep the From tag")
	assert.Equal(t, "2 REGISTER", req2.GetHeader("CSeq"))

	auth := req2.GetHeader("Proxy-Authorization")
	require.NotEmpty(t, auth)
	assert.Equal(t, "1000017", authParam(auth, "username"))
	assert.Equal(t, "gw.example.com", authParam(auth, "realm"))
	assert.Equal(t, "abc123", authParam(auth, "nonce"))
	assert.Equal(t, "sip:gw.example.com", authParam(auth, "uri"))
	assert.Contains(t, auth, "qop=auth")
	assert.Contains(t, auth, "nc=00000001")

	cnonce := authParam(auth, "cnonce")
	require.NotEmpty(t, cnonce)
	ha1, err := digest.HA1("1000017", "gw.example.com", "secret")
	require.NoError(t, err)
	want := digest.Response(ha1, "REGISTER", "sip:gw.example.com", "abc123", "00000001", cnonce, "auth")
	assert.Equal(t, want, authParam(auth, "response"))

	gw.respond(req2, 200, "OK")

	require.NoError(t, <-regErr)
	waitFor(t, registered, "registered event")
	assert.True(t, l.Registered())
	assert.Equal(t, StateRegistered, l.State())
}

func TestRegisterRealmOverride(t *testing.T) {
	account := testAccount()
	account.Realm = "override.example.com"

	dialer := mocktransport.NewDialer()
	l := New(account, testMaterial(), testConfig(dialer), Events{})

	require.NoError(t, l.Connect(context.Background()))
	gw := acceptGateway(t, dialer)

	regErr := make(chan error, 1)
	go func() { regErr <- l.Register(context.Background()) }()

	req1 := gw.readRequest("REGISTER")
	gw.challenge(req1, `Digest realm="gw.example.com", nonce="abc123"`)

	req2 := gw.readRequest("REGISTER")
	auth := req2.GetHeader("Proxy-Authorization")
	assert.Equal(t, "override.example.com", authParam(auth, "realm"))

	gw.respond(req2, 200, "OK")
	require.NoError(t, <-regErr)
}

func TestRegisterAbortsAfterRepeatedChallenges(t *testing.T) {
	dialer := mocktransport.NewDialer()
	l := New(testAccount(), testMaterial(), testConfig(dialer), Events{})

	require.NoError(t, l.Connect(context.Background()))
	gw := acceptGateway(t, dialer)

	regErr := make(chan error, 1)
	go func() { regErr <- l.Register(context.Background()) }()

	const value = `Digest realm="gw.example.com", nonce="abc123", qop="auth"`
	gw.challenge(gw.readRequest("REGISTER"), value)
	gw.challenge(gw.readRequest("REGISTER"), value)
	gw.challenge(gw.readRequest("REGISTER"), value)

	err := <-regErr
	require.ErrorIs(t, err, ErrRegistrationRejected)
	assert.Contains(t, err.Error(), "challenges")
	assert.Equal(t, StateConnected, l.State())
}

func TestRegisterRejected(t *testing.T) {
	dialer := mocktransport.NewDialer()
	l := New(testAccount(), testMaterial(), testConfig(dialer), Events{})

	require.NoError(t, l.Connect(context.Background()))
	gw := acceptGateway(t, dialer)

	regErr := make(chan error, 1)
	go func() { regErr <- l.Register(context.Background()) }()

	gw.respond(gw.readRequest("REGISTER"), 403, "Forbidden")

	err := <-regErr
	require.ErrorIs(t, err, ErrRegistrationRejected)
	assert.Contains(t, err.Error(), "403")
	assert.False(t, l.Registered())
}

func TestRegisterFailsWhenSocketCloses(t *testing.T) {
	dialer := mocktransport.NewDialer()
	l := New(testAccount(), testMaterial(), testConfig(dialer), Events{})

	require.NoError(t, l.Connect(context.Background()))
	gw := acceptGateway(t, dialer)

	regErr := make(chan error, 1)
	go func() { regErr <- l.Register(context.Background()) }()

	gw.readRequest("REGISTER")
	require.NoError(t, gw.conn.Close())

	assert.ErrorIs(t, <-regErr, ErrConnectionClosed)
}

func TestKeepAliveReRegisters(t *testing.T) {
	dialer := mocktransport.NewDialer()
	clock := newFakeClock()
	cfg := testConfig(dialer)
	cfg.KeepAlive = true
	cfg.Clock = clock

	registered := make(chan struct{}, 2)
	l := New(testAccount(), testMaterial(), cfg, Events{
		OnRegistered: func() { registered <- struct{}{} },
	})

	require.NoError(t, l.Connect(context.Background()))
	gw := acceptGateway(t, dialer)

	regErr := make(chan error, 1)
	go func() { regErr <- l.Register(context.Background()) }()

	req1 := gw.readRequest("REGISTER")
	firstCallID := req1.GetHeader("Call-ID")
	gw.respond(req1, 200, "OK")
	require.NoError(t, <-regErr)
	waitFor(t, registered, "first registration")

	clock.Advance(cfg.KeepAliveInterval)

	req2 := gw.readRequest("REGISTER")
	assert.NotEqual(t, firstCallID, req2.GetHeader("Call-ID"), "keep-alive starts a fresh cycle")
	assert.Equal(t, "2 REGISTER", req2.GetHeader("CSeq"), "CSeq keeps growing within the connection")
	gw.respond(req2, 200, "OK")

	waitFor(t, registered, "keep-alive re-registration")
	assert.True(t, l.Registered())
}

func TestDisconnectIdempotent(t *testing.T) {
	dialer := mocktransport.NewDialer()
	disconnects := make(chan struct{}, 4)
	l := New(testAccount(), testMaterial(), testConfig(dialer), Events{
		OnDisconnected: func() { disconnects <- struct{}{} },
	})

	require.NoError(t, l.Connect(context.Background()))
	acceptGateway(t, dialer)

	require.NoError(t, l.Disconnect(context.Background()))
	waitFor(t, disconnects, "disconnected event")

	require.NoError(t, l.Disconnect(context.Background()))

	select {
	case <-disconnects:
		t.Fatal("second Disconnect must not emit another disconnected event")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, StateDisconnected, l.State())
	assert.ErrorIs(t, l.Connect(context.Background()), ErrClosing)
}

func TestAutoReconnectRestoresRegistration(t *testing.T) {
	dialer := mocktransport.NewDialer()
	clock := newFakeClock()
	cfg := testConfig(dialer)
	cfg.AutoReconnect = true
	cfg.Clock = clock

	var disconnectCount int
	disconnected := make(chan struct{}, 4)
	registered := make(chan struct{}, 4)
	l := New(testAccount(), testMaterial(), cfg, Events{
		OnDisconnected: func() { disconnectCount++; disconnected <- struct{}{} },
		OnRegistered:   func() { registered <- struct{}{} },
	})

	require.NoError(t, l.Connect(context.Background()))
	gw1 := acceptGateway(t, dialer)

	regErr := make(chan error, 1)
	go func() { regErr <- l.Register(context.Background()) }()
	gw1.respond(gw1.readRequest("REGISTER"), 200, "OK")
	require.NoError(t, <-regErr)
	waitFor(t, registered, "initial registration")

	// Gateway drops the connection.
	require.NoError(t, gw1.conn.Close())
	waitFor(t, disconnected, "disconnected event")

	require.Eventually(t, func() bool { return l.State() == StateReconnecting },
		time.Second, time.Millisecond)
	clock.Advance(cfg.ReconnectDelay)

	gw2 := acceptGateway(t, dialer)
	req := gw2.readRequest("REGISTER")
	assert.Equal(t, "1 REGISTER", req.GetHeader("CSeq"), "new connection restarts the CSeq space")
	gw2.respond(req, 200, "OK")

	waitFor(t, registered, "re-registration after reconnect")
	assert.True(t, l.Registered())
	assert.Equal(t, 1, disconnectCount, "one socket loss emits exactly one disconnected event")
	assert.Len(t, dialer.DialTimes(), 2)
}

func TestReconnectRetriesAfterDialFailure(t *testing.T) {
	dialer := mocktransport.NewDialer()
	clock := newFakeClock()
	cfg := testConfig(dialer)
	cfg.AutoReconnect = true
	cfg.Clock = clock

	connectedTwice := make(chan struct{}, 4)
	l := New(testAccount(), testMaterial(), cfg, Events{
		OnConnected: func() { connectedTwice <- struct{}{} },
	})

	require.NoError(t, l.Connect(context.Background()))
	waitFor(t, connectedTwice, "initial connect")
	gw1 := acceptGateway(t, dialer)

	dialer.FailNext(errors.New("connection refused"))
	require.NoError(t, gw1.conn.Close())

	require.Eventually(t, func() bool { return l.State() == StateReconnecting },
		time.Second, time.Millisecond)
	clock.Advance(cfg.ReconnectDelay)

	// First attempt fails and re-arms the timer.
	require.Eventually(t, func() bool { return l.State() == StateReconnecting },
		time.Second, time.Millisecond)
	clock.Advance(cfg.ReconnectDelay)

	gw2 := acceptGateway(t, dialer)
	gw2.respond(gw2.readRequest("REGISTER"), 200, "OK")

	waitFor(t, connectedTwice, "reconnect after failed attempt")
	assert.Len(t, dialer.DialTimes(), 3)
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	dialer := mocktransport.NewDialer()
	clock := newFakeClock()
	cfg := testConfig(dialer)
	cfg.AutoReconnect = true
	cfg.Clock = clock

	l := New(testAccount(), testMaterial(), cfg, Events{})

	require.NoError(t, l.Connect(context.Background()))
	gw := acceptGateway(t, dialer)
	require.NoError(t, gw.conn.Close())

	require.Eventually(t, func() bool { return l.State() == StateReconnecting },
		time.Second, time.Millisecond)

	require.NoError(t, l.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, l.State())

	clock.Advance(cfg.ReconnectDelay)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, dialer.DialTimes(), 1, "no reconnect after Disconnect")
}

// blockingDialer parks every dial until released, exposing the window
// between Connect's pre-dial guard and the session install.
type blockingDialer struct {
	inner   *mocktransport.Dialer
	entered chan struct{}
	release chan struct{}
}

func (d *blockingDialer) DialContext(ctx context.Context, addr string) (transport.Conn, error) {
	d.entered <- struct{}{}
	<-d.release
	return d.inner.DialContext(ctx, addr)
}

func TestConnectConcurrentCallsInstallOneSession(t *testing.T) {
	inner := mocktransport.NewDialer()
	dialer := &blockingDialer{
		inner:   inner,
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	cfg := testConfig(inner)
	cfg.Dialer = dialer
	l := New(testAccount(), testMaterial(), cfg, Events{})

	results := make(chan error, 2)
	go func() { results <- l.Connect(context.Background()) }()
	go func() { results <- l.Connect(context.Background()) }()

	// Both calls passed the session guard and are parked mid-dial.
	waitFor(t, dialer.entered, "first dial")
	waitFor(t, dialer.entered, "second dial")
	close(dialer.release)

	var wins, losses int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyConnected):
			losses++
		default:
			t.Fatalf("unexpected connect error: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one Connect may install a session")
	assert.Equal(t, 1, losses, "the loser must report the session it raced")
	assert.Equal(t, StateConnected, l.State())

	// Exactly one of the two dialed connections stays alive.
	a, err := inner.Accept(2 * time.Second)
	require.NoError(t, err)
	b, err := inner.Accept(2 * time.Second)
	require.NoError(t, err)

	probe := []byte("OPTIONS sip:1000017@gw.example.com SIP/2.0\r\n" +
		"CSeq: 1 OPTIONS\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n")
	var closed int
	for _, conn := range []*mocktransport.Conn{a, b} {
		if err := conn.WriteFrame(probe); err != nil {
			closed++
		}
	}
	assert.Equal(t, 1, closed, "the losing dial's connection must be closed")
}
