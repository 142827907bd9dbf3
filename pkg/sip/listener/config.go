package listener

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/intercom/pkg/sip/transport"
)

// Account identifies the SIP account at the vendor gateway. The listener
// keeps its own copy; the value is immutable per connection attempt.
type Account struct {
	Server   string
	Port     int
	Domain   string
	Username string
	Password string

	// Realm, when set, overrides the realm announced by the gateway's
	// digest challenge.
	Realm string
}

// Config carries the listener options. Start from DefaultConfig and
// override per instance; the listener never mutates it after construction.
type Config struct {
	// KeepAlive re-registers periodically to keep the SIP binding alive.
	KeepAlive bool

	// AutoReconnect re-establishes the session after a socket closure.
	AutoReconnect bool

	// KeepAliveInterval must stay well below the gateway's registration
	// expiry and its connection-idle cutoff. Five minutes was observed to
	// trip the idle timeout; two minutes holds.
	KeepAliveInterval time.Duration

	// ReconnectDelay is the pause before each reconnect attempt.
	ReconnectDelay time.Duration

	// RegisterExpires is the Expires value (seconds) sent on REGISTER.
	RegisterExpires int

	// RingingDelay is how long an INVITE rings before the listener
	// declines it with 486.
	RingingDelay time.Duration

	// SettleDelay is the pause between disconnect and reconnect during a
	// certificate rotation, letting the peer release the old TLS session.
	SettleDelay time.Duration

	// DisconnectTimeout bounds how long Disconnect waits for the peer to
	// acknowledge the shutdown.
	DisconnectTimeout time.Duration

	// Debug logs the first line of every sent and received frame.
	Debug bool

	// Logger receives structured logs; slog.Default() when nil.
	Logger *slog.Logger

	// Dialer overrides the transport; a mutual-TLS dialer built from the
	// active certificate material when nil.
	Dialer transport.Dialer

	// Clock overrides the scheduler; wall clock when nil.
	Clock Clock

	// Registerer receives the listener metrics; an isolated registry is
	// used when nil so multiple listeners never collide.
	Registerer prometheus.Registerer
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		KeepAlive:         true,
		AutoReconnect:     true,
		KeepAliveInterval: 2 * time.Minute,
		ReconnectDelay:    10 * time.Second,
		RegisterExpires:   600,
		RingingDelay:      2 * time.Second,
		SettleDelay:       time.Second,
		DisconnectTimeout: 3 * time.Second,
	}
}

// withDefaults fills zero-valued durations so a hand-built Config cannot
// produce busy loops.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.RegisterExpires <= 0 {
		c.RegisterExpires = d.RegisterExpires
	}
	if c.RingingDelay <= 0 {
		c.RingingDelay = d.RingingDelay
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = d.SettleDelay
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = d.DisconnectTimeout
	}
	return c
}
