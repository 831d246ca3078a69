package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "canvasrelay",
		Name:      "connected_clients",
		Help:      "Number of currently connected clients.",
	})
	metricActiveChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "canvasrelay",
		Name:      "active_channels",
		Help:      "Number of channels with at least one member.",
	})
	metricJoins = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "canvasrelay",
		Name:      "joins_total",
		Help:      "Total number of successful channel joins.",
	})
	metricRelayedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "canvasrelay",
		Name:      "relayed_frames_total",
		Help:      "Total number of frames relayed between channel members.",
	})
	metricProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "canvasrelay",
		Name:      "protocol_errors_total",
		Help:      "Total number of client frames rejected with an error.",
	})
)
