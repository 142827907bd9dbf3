package listener

import (
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arzzra/intercom/pkg/sip/message"
	"github.com/arzzra/intercom/pkg/sip/transport/mocktransport"
)

func testAccount() Account {
	return Account{
		Server:   "gw.example.com",
		Port:     5061,
		Domain:   "gw.example.com",
		Username: "1000017",
		Password: "secret",
	}
}

func testMaterial() CertificateMaterial {
	return CertificateMaterial{CertificatePEM: "cert-a", PrivateKeyPEM: "key-a"}
}

func testConfig(d *mocktransport.Dialer) Config {
	cfg := DefaultConfig()
	cfg.Dialer = d
	cfg.KeepAlive = false
	cfg.AutoReconnect = false
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

// gateway drives the server side of a mock connection.
type gateway struct {
	t    *testing.T
	conn *mocktransport.Conn
}

func acceptGateway(t *testing.T, d *mocktransport.Dialer) *gateway {
	t.Helper()
	conn, err := d.Accept(2 * time.Second)
	require.NoError(t, err)
	return &gateway{t: t, conn: conn}
}

func (g *gateway) readRequest(method string) *message.Request {
	g.t.Helper()
	frame, err := g.conn.ReadFrame()
	require.NoError(g.t, err)
	msg, err := message.Parse(frame)
	require.NoError(g.t, err)
	req, ok := msg.(*message.Request)
	require.True(g.t, ok, "expected a request, got %T", msg)
	require.Equal(g.t, method, req.Method)
	return req
}

func (g *gateway) readResponse() *message.Response {
	g.t.Helper()
	frame, err := g.conn.ReadFrame()
	require.NoError(g.t, err)
	msg, err := message.Parse(frame)
	require.NoError(g.t, err)
	resp, ok := msg.(*message.Response)
	require.True(g.t, ok, "expected a response, got %T", msg)
	return resp
}

func (g *gateway) respond(req *message.Request, code int, reason string) {
	g.t.Helper()
	resp := message.BuildResponse(req, code, reason, "")
	require.NoError(g.t, g.conn.WriteFrame([]byte(resp.String())))
}

func (g *gateway) challenge(req *message.Request, value string) {
	g.t.Helper()
	resp := message.BuildResponse(req, 401, "Unauthorized", "")
	resp.Headers.Set("WWW-Authenticate", value)
	require.NoError(g.t, g.conn.WriteFrame([]byte(resp.String())))
}

// authParam pulls one quoted parameter out of an Authorization header.
func authParam(header, name string) string {
	re := regexp.MustCompile(name + `="([^"]*)"`)
	m := re.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	return m[1]
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

// fakeClock is a manually advanced scheduler. AfterFunc callbacks run on
// their own goroutines, like time.AfterFunc does.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	fn      func()
	ch      chan time.Time
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, when: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, when: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.timers = append(c.timers, t)
	return t.ch
}

// Advance moves the clock forward and fires every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []*fakeTimer
	remaining := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.when.After(now) {
			t.fired = true
			due = append(due, t)
			continue
		}
		remaining = append(remaining, t)
	}
	c.timers = remaining
	c.mu.Unlock()

	for _, t := range due {
		if t.fn != nil {
			go t.fn()
		}
		if t.ch != nil {
			t.ch <- now
		}
	}
}

// pending counts timers that are armed and not yet fired.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}
