package gateway

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the edge filter's Prometheus instrumentation (§4.7 step 7).
type Metrics struct {
	RequestTotal         *prometheus.CounterVec
	VerificationSuccess  prometheus.Counter
	VerificationFailure  prometheus.Counter
	SidecarCallTotal     prometheus.Counter
	SidecarLatencyMillis prometheus.Histogram
}

// NewMetrics builds and registers the edge filter's metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_request_total",
			Help: "Total requests seen by the edge filter, labeled by outcome.",
		}, []string{"outcome"}),
		VerificationSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_verification_success_total",
			Help: "Sidecar verification calls that admitted the request.",
		}),
		VerificationFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_verification_failure_total",
			Help: "Sidecar verification calls that denied the request.",
		}),
		SidecarCallTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sidecar_call_total",
			Help: "Total calls made to the verification sidecar.",
		}),
		SidecarLatencyMillis: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_sidecar_latency_ms",
			Help:    "Sidecar verification call latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	reg.MustRegister(m.RequestTotal, m.VerificationSuccess, m.VerificationFailure, m.SidecarCallTotal, m.SidecarLatencyMillis)
	return m
}
