package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveSessions tracks the number of live relay sessions, one per channel
// with at least one attached client. A gauge that rises and falls as sessions
// are created and torn down.
var ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "iptv_relay_active_sessions",
	Help: "Number of active relay sessions",
})

// ClientsConnected tracks the number of clients currently attached per channel.
var ClientsConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "iptv_relay_clients_connected",
	Help: "Number of clients connected",
}, []string{"channel"})

// BytesTransferred tracks the total number of bytes moved per channel. The
// "direction" label distinguishes upstream reads from downstream client writes.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_relay_bytes_transferred",
	Help: "Total bytes transferred",
}, []string{"channel", "direction"})

// StreamErrors counts stream-related errors per channel, categorized by the
// "error_type" label (connect, read, non_stream, exhausted, client_write).
var StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_relay_stream_errors",
	Help: "Number of stream errors",
}, []string{"channel", "error_type"})

// FailoverTotal counts completed failover passes per channel, labelled by
// outcome ("success" or "exhausted").
var FailoverTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_relay_failover_total",
	Help: "Number of failover passes",
}, []string{"channel", "outcome"})

// ClientsDropped counts clients forcibly detached because their outbound
// queue stayed full (backpressure) or their write path failed.
var ClientsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_relay_clients_dropped",
	Help: "Number of clients detached due to write failure or backpressure",
}, []string{"channel", "reason"})
