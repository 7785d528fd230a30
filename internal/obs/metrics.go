package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// authVerifications counts credential verifications by ingress source
	// (handshake, link, bearer, cookie) and outcome.
	authVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_verifications_total",
			Help: "Credential verification attempts by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	linkTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "link_tokens_total",
			Help: "Single-use link token operations by outcome.",
		},
		[]string{"op", "outcome"},
	)

	gateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_decisions_total",
			Help: "Edge gatekeeper decisions per route class.",
		},
		[]string{"class", "decision"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service passes its readiness probe, else 0.",
	})
)

// Init registers gateway metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight,
		httpRequestsTotal,
		httpRequestDuration,
		authVerifications,
		linkTokens,
		gateDecisions,
		readyGauge,
	)
}

// SetReady publishes the latest readiness probe result.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountVerification records one credential verification attempt.
func CountVerification(source, outcome string) {
	authVerifications.WithLabelValues(source, outcome).Inc()
}

// CountLinkToken records a link token issue/redeem outcome.
func CountLinkToken(op, outcome string) {
	linkTokens.WithLabelValues(op, outcome).Inc()
}

// CountGateDecision records a gatekeeper pass/forward/redirect decision.
func CountGateDecision(class, decision string) {
	gateDecisions.WithLabelValues(class, decision).Inc()
}

// CanonicalPath reduces a request path to a bounded label set so that
// scans and typos cannot explode metric cardinality.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	switch p {
	case "/", "/healthz", "/readyz", "/metrics", "/v1/info", "/login",
		"/v1/auth/miniapp", "/v1/auth/link", "/v1/auth/logout", "/v1/auth/me":
		return p
	}
	switch {
	case strings.HasPrefix(p, "/v1/storefront/"):
		return "/v1/storefront/:rest"
	case strings.HasPrefix(p, "/assets/"):
		return "/assets/:file"
	}
	return "/other"
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
