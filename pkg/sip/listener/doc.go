// Package listener implements the client side of a SIP-over-TLS door-entry
// gateway session.
//
// A Listener dials the gateway with mutual TLS, registers the account with
// RFC 2617 digest authentication, and then stays resident: it re-registers
// on a keep-alive interval, answers the gateway's probes, converts inbound
// INVITEs into doorbell events (ringing briefly, then declining the call),
// delivers MESSAGE bodies, reconnects after socket loss and rotates the TLS
// client identity without dropping notifications for longer than the
// reconnect itself.
//
// Typical use:
//
//	l := listener.New(account, material, listener.DefaultConfig(), listener.Events{
//		OnDoorbell: func(ev listener.DoorbellEvent) { ... },
//	})
//	if err := l.Connect(ctx); err != nil { ... }
//	if err := l.Register(ctx); err != nil { ... }
//
// All event callbacks run on the listener's goroutines; keep them short.
package listener
