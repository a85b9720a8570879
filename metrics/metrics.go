// Package metrics defines prometheus metrics for the dbus package.
// Metrics are registered on the default registry; expose them with
// promhttp if wanted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent counts messages written to the socket.
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbus_messages_sent_total",
		Help: "Number of D-Bus messages sent.",
	})

	// MessagesReceived counts messages parsed off the socket.
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbus_messages_received_total",
		Help: "Number of D-Bus messages received.",
	})

	// DispatchErrors counts method calls answered with an error reply.
	DispatchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbus_dispatch_errors_total",
		Help: "Number of inbound method calls that produced an error reply.",
	})

	// InboundDropped counts unsolicited messages dropped because a
	// subscriber queue was full.
	InboundDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbus_inbound_dropped_total",
		Help: "Number of inbound messages dropped due to subscriber backpressure.",
	})
)
