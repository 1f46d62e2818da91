package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BMPMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmpcollector_bmp_messages_total",
			Help: "BMP messages framed, by message type.",
		},
		[]string{"type"},
	)

	BytesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmpcollector_bytes_published_total",
			Help: "Envelope bytes handed to the message bus.",
		},
		[]string{"kind"},
	)

	EnvelopesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmpcollector_envelopes_dropped_total",
			Help: "Envelopes dropped by the publisher instead of blocking.",
		},
		[]string{"reason"},
	)

	PublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bmpcollector_publish_errors_total",
			Help: "Delivery failures reported by the producer.",
		},
	)

	FramingErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmpcollector_framing_errors_total",
			Help: "Framing rejections, by reason.",
		},
		[]string{"reason"},
	)

	WorkersLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bmpcollector_workers_live",
			Help: "Router workers currently attached.",
		},
	)

	WorkersRIBWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bmpcollector_workers_rib_waiting",
			Help: "Workers that have not yet started their RIB dump.",
		},
	)

	ConnectionsRefusedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmpcollector_connections_refused_total",
			Help: "Connections refused by the admission gates.",
		},
		[]string{"gate"},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bmpcollector_heartbeats_total",
			Help: "Collector heartbeat records published.",
		},
	)

	CPUUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bmpcollector_cpu_utilization",
			Help: "Rolling 1s average CPU utilization (0-1).",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		BMPMessagesTotal,
		BytesPublishedTotal,
		EnvelopesDroppedTotal,
		PublishErrorsTotal,
		FramingErrorsTotal,
		WorkersLive,
		WorkersRIBWaiting,
		ConnectionsRefusedTotal,
		HeartbeatsTotal,
		CPUUtilization,
	)
}
