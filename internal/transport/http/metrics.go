package http

import "github.com/prometheus/client_golang/prometheus"

var (
	webhookRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Subsystem: "http",
		Name:      "webhook_rejections_total",
		Help:      "Inbound provider callbacks refused before processing, by code.",
	}, []string{"code"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bridge",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "API latency by route template and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "status"})
)

func init() {
	prometheus.MustRegister(webhookRejections, requestDuration)
}
