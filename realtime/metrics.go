package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_reconnect_attempts_total",
		Help: "Number of websocket reconnect attempts.",
	})
	messagesBuffered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_buffered_total",
		Help: "Messages queued while the websocket was down.",
	})
	messagesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_flushed_total",
		Help: "Buffered messages sent after a connection was established.",
	})
	messagesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_messages_dispatched_total",
		Help: "Inbound messages delivered to listeners, by message type.",
	}, []string{"type"})
	messagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_dropped_total",
		Help: "Inbound frames dropped because they were not valid JSON envelopes.",
	})
	connectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connection_status",
		Help: "Current connection status (0=disconnected, 1=connecting, 2=connected, 3=reconnecting).",
	})
)

func statusToFloat(s Status) float64 {
	switch s {
	case StatusConnecting:
		return 1
	case StatusConnected:
		return 2
	case StatusReconnecting:
		return 3
	default:
		return 0
	}
}
