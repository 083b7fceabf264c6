// Package metrics provides Prometheus instrumentation for the discountfn
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only discountfn metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/discountfn/internal/core"
)

// Metrics holds all Prometheus collectors used by the discountfn server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal      *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec
	GRPCRequestsTotal      *prometheus.CounterVec
	GRPCRequestDuration    *prometheus.HistogramVec
	ActiveStreams          *prometheus.GaugeVec
	CacheSize              *prometheus.GaugeVec
	CacheLoadsTotal        prometheus.Counter
	CacheInvalidations     prometheus.Counter
	EvaluationsTotal       *prometheus.CounterVec
	EligibleLines          prometheus.Histogram
	ConfigurationFallbacks prometheus.Counter
	AuthFailuresTotal      prometheus.Counter
}

// New creates and registers all discountfn metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discountfn_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "discountfn_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discountfn_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "discountfn_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "discountfn_active_streams",
			Help: "Number of open discount event streams.",
		}, []string{"transport"}),

		CacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "discountfn_cache_size",
			Help: "Number of discounts in the in-memory cache.",
		}, []string{"shop"}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discountfn_cache_loads_total",
			Help: "Total number of full cache reloads from the database.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discountfn_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered cache invalidations.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discountfn_evaluations_total",
			Help: "Total number of discount evaluations by outcome.",
		}, []string{"outcome"}),

		EligibleLines: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "discountfn_eligible_lines",
			Help:    "Number of eligible cart lines per evaluation that reached the filter.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),

		ConfigurationFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discountfn_configuration_fallbacks_total",
			Help: "Total number of evaluations that used the default configuration.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discountfn_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.ActiveStreams,
		m.CacheSize,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
		m.EvaluationsTotal,
		m.EligibleLines,
		m.ConfigurationFallbacks,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records one HTTP request against its route pattern.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count, latency, and the active stream gauge.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.ActiveStreams.WithLabelValues("grpc").Inc()
		defer m.ActiveStreams.WithLabelValues("grpc").Dec()
		start := time.Now()
		err := handler(srv, ss)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return err
	}
}

// TrackHTTPStream marks an SSE stream as open until the returned func is
// called.
func (m *Metrics) TrackHTTPStream() func() {
	gauge := m.ActiveStreams.WithLabelValues("http")
	gauge.Inc()
	return gauge.Dec
}

// RecordEvaluation counts an evaluation by outcome. Eligible lines and
// configuration fallbacks are only recorded when the run resolved a
// configuration.
func (m *Metrics) RecordEvaluation(evaluation core.Evaluation) {
	m.EvaluationsTotal.WithLabelValues(string(evaluation.Outcome)).Inc()
	if evaluation.Configuration == nil {
		return
	}
	m.EligibleLines.Observe(float64(evaluation.EligibleLines))
	if evaluation.Configuration.Fallback {
		m.ConfigurationFallbacks.Inc()
	}
}

// SetCacheSize updates the cache size gauge for the given shop.
func (m *Metrics) SetCacheSize(shop string, size float64) {
	m.CacheSize.WithLabelValues(shop).Set(size)
}

// ResetCacheSize drops every per-shop cache size series so shops removed by a
// reload stop being reported.
func (m *Metrics) ResetCacheSize() {
	m.CacheSize.Reset()
}

// IncCacheLoads increments the cache load counter.
func (m *Metrics) IncCacheLoads() {
	m.CacheLoadsTotal.Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}

// IncAuthFailures increments the failed authentication counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}
