package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promMetrics mirrors the request stream into a dedicated Prometheus
// registry for /monitor/metrics scraping.
type promMetrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	retries  *prometheus.CounterVec
	bytesIn  *prometheus.CounterVec
	bytesOut *prometheus.CounterVec
}

func newPromMetrics() *promMetrics {
	reg := prometheus.NewRegistry()
	pm := &promMetrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "doorman",
			Name:      "requests_total",
			Help:      "Gateway requests by API and status.",
		}, []string{"api", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "doorman",
			Name:      "request_duration_seconds",
			Help:      "Gateway request duration by API.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"api"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "doorman",
			Name:      "upstream_retries_total",
			Help:      "Retried upstream attempts by API.",
		}, []string{"api"}),
		bytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "doorman",
			Name:      "bytes_in_total",
			Help:      "Request bytes received by API.",
		}, []string{"api"}),
		bytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "doorman",
			Name:      "bytes_out_total",
			Help:      "Response bytes sent by API.",
		}, []string{"api"}),
	}
	reg.MustRegister(pm.requests, pm.duration, pm.retries, pm.bytesIn, pm.bytesOut)
	return pm
}

func (pm *promMetrics) record(s Sample) {
	api := s.APIKey
	if api == "" {
		api = "unknown"
	}
	pm.requests.WithLabelValues(api, strconv.Itoa(s.Status)).Inc()
	pm.duration.WithLabelValues(api).Observe(s.Duration.Seconds())
	if s.BytesIn > 0 {
		pm.bytesIn.WithLabelValues(api).Add(float64(s.BytesIn))
	}
	if s.BytesOut > 0 {
		pm.bytesOut.WithLabelValues(api).Add(float64(s.BytesOut))
	}
}

func (pm *promMetrics) recordRetry(apiKey string) {
	if apiKey == "" {
		apiKey = "unknown"
	}
	pm.retries.WithLabelValues(apiKey).Inc()
}

// Handler serves the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom.registry, promhttp.HandlerOpts{})
}
