package listener

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics exports the listener's operational counters. With no Registerer
// configured they land in an isolated registry, so constructing several
// listeners (or running tests in parallel) never trips duplicate
// registration.
type metrics struct {
	connects      prometheus.Counter
	reconnects    prometheus.Counter
	registrations prometheus.Counter
	framesIn      prometheus.Counter
	framesOut     prometheus.Counter
	doorbells     prometheus.Counter
	messages      prometheus.Counter
	errors        prometheus.Counter
	rotations     *prometheus.CounterVec
	connected     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	const (
		namespace = "intercom"
		subsystem = "sip_listener"
	)

	return &metrics{
		connects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "connects_total",
			Help: "Total number of established TLS sessions",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "reconnect_attempts_total",
			Help: "Total number of automatic reconnect attempts",
		}),
		registrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "registrations_total",
			Help: "Total number of successful REGISTER cycles",
		}),
		framesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "frames_received_total",
			Help: "Total number of SIP frames received",
		}),
		framesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "frames_sent_total",
			Help: "Total number of SIP frames sent",
		}),
		doorbells: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "doorbell_events_total",
			Help: "Total number of doorbell (INVITE) notifications delivered",
		}),
		messages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "message_events_total",
			Help: "Total number of MESSAGE notifications delivered",
		}),
		errors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "errors_total",
			Help: "Total number of unclassified socket and protocol errors",
		}),
		rotations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "certificate_rotations_total",
			Help: "Total number of certificate rotations by result",
		}, []string{"result"}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "connected",
			Help: "Whether a TLS session is currently established",
		}),
	}
}
