// Package metrics exposes Prometheus collectors for the push channel and the
// reconciliation store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	FramesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtchat_frames_in_total",
			Help: "Inbound push channel frames by type.",
		},
		[]string{"type"},
	)

	FramesOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtchat_frames_out_total",
			Help: "Outbound push channel frames by type.",
		},
		[]string{"type"},
	)

	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtchat_frames_dropped_total",
			Help: "Inbound frames dropped by reason.",
		},
		[]string{"reason"},
	)

	QueuedFrames = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rtchat_queued_frames",
			Help: "Outbound frames waiting for the connection to open.",
		},
	)

	ReconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rtchat_reconnect_attempts_total",
			Help: "Scheduled reconnect attempts.",
		},
	)

	OfflineEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rtchat_offline_total",
			Help: "Times the reconnect attempt cap was exceeded.",
		},
	)

	ConnectionOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rtchat_connection_open",
			Help: "1 while the push channel is open.",
		},
	)

	PendingMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rtchat_pending_messages",
			Help: "Optimistic messages awaiting a server ack.",
		},
	)

	HydrationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rtchat_hydration_failures_total",
			Help: "History or pin fetches that failed and left the cache untouched.",
		},
	)

	ServerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtchat_server_errors_total",
			Help: "Error frames reported by the server, by code.",
		},
		[]string{"code"},
	)
)

func init() {
	prometheus.MustRegister(
		FramesIn,
		FramesOut,
		FramesDropped,
		QueuedFrames,
		ReconnectAttempts,
		OfflineEvents,
		ConnectionOpen,
		PendingMessages,
		HydrationFailures,
		ServerErrors,
	)
}
