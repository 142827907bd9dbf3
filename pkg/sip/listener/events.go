package listener

import "time"

// DoorbellEvent is emitted for every inbound INVITE: someone pressed the
// doorbell. The listener rings and then declines the call itself; this
// event is the only deliverable.
type DoorbellEvent struct {
	From      string
	To        string
	CallID    string
	Timestamp time.Time
	Body      string

	// Headers carries every frame header, keyed by lowercase name.
	Headers map[string][]string
}

// MessageEvent is emitted for every inbound MESSAGE frame.
type MessageEvent struct {
	From      string
	Body      string
	Timestamp time.Time
	Headers   map[string][]string
}

// Events is the typed notification surface. All callbacks are optional and
// invoked synchronously from the listener's goroutines; handlers that block
// stall frame dispatch.
type Events struct {
	// OnConnected fires when the TLS handshake completes.
	OnConnected func()

	// OnDisconnected fires exactly once per socket closure, whatever the
	// cause.
	OnDisconnected func()

	// OnRegistered fires when a REGISTER cycle completes with 200.
	OnRegistered func()

	// OnDoorbell fires for inbound INVITEs.
	OnDoorbell func(DoorbellEvent)

	// OnMessage fires for inbound MESSAGEs.
	OnMessage func(MessageEvent)

	// OnCertificatesUpdated fires when a certificate rotation succeeded,
	// carrying the now-active material.
	OnCertificatesUpdated func(CertificateMaterial)

	// OnCertificateUpdateError fires when a rotation failed; the same
	// error is also returned to the UpdateCertificates caller.
	OnCertificateUpdateError func(error)

	// OnError fires for unrecoverable socket or protocol faults not
	// otherwise classified.
	OnError func(error)
}

func (l *Listener) emitConnected() {
	l.metrics.connected.Set(1)
	if l.events.OnConnected != nil {
		l.events.OnConnected()
	}
}

func (l *Listener) emitDisconnected() {
	l.metrics.connected.Set(0)
	if l.events.OnDisconnected != nil {
		l.events.OnDisconnected()
	}
}

func (l *Listener) emitRegistered() {
	l.metrics.registrations.Inc()
	if l.events.OnRegistered != nil {
		l.events.OnRegistered()
	}
}

func (l *Listener) emitDoorbell(ev DoorbellEvent) {
	l.metrics.doorbells.Inc()
	if l.events.OnDoorbell != nil {
		l.events.OnDoorbell(ev)
	}
}

func (l *Listener) emitMessage(ev MessageEvent) {
	l.metrics.messages.Inc()
	if l.events.OnMessage != nil {
		l.events.OnMessage(ev)
	}
}

func (l *Listener) emitCertificatesUpdated(m CertificateMaterial) {
	l.metrics.rotations.WithLabelValues("success").Inc()
	if l.events.OnCertificatesUpdated != nil {
		l.events.OnCertificatesUpdated(m)
	}
}

func (l *Listener) emitCertificateUpdateError(err error) {
	l.metrics.rotations.WithLabelValues("failure").Inc()
	if l.events.OnCertificateUpdateError != nil {
		l.events.OnCertificateUpdateError(err)
	}
}

func (l *Listener) emitError(err error) {
	l.metrics.errors.Inc()
	if l.events.OnError != nil {
		l.events.OnError(err)
	}
}
