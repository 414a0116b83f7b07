package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts HTTP requests by route and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)

	// RequestLatency tracks HTTP request latency.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_latency_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"route"},
	)

	// ProviderRequests counts provider calls by model and outcome.
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of provider calls",
		},
		[]string{"provider", "model", "status"},
	)

	// TokenUsage tracks provider token consumption by type.
	TokenUsage = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_usage_total",
			Help:      "Total provider token usage",
		},
		[]string{"provider", "model", "type"}, // type: input, output
	)
)

// RecordProviderCall records the outcome of a provider call.
func RecordProviderCall(provider, model string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ProviderRequests.WithLabelValues(provider, sanitizeModelLabel(model), status).Inc()
}

// RecordTokens records token usage metrics.
func RecordTokens(provider, model string, inputTokens, outputTokens int) {
	model = sanitizeModelLabel(model)
	if inputTokens > 0 {
		TokenUsage.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		TokenUsage.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware returns an HTTP middleware that records request metrics under
// the given route label. Route labels are fixed strings, never raw paths,
// so memory keys do not leak into label values.
func Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(recorder, r)

		RequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.statusCode)).Inc()
		RequestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

const maxModelLabelLen = 64

// sanitizeModelLabel drops a "provider/" prefix and replaces characters that
// are awkward in label values, so client-chosen model names stay bounded.
func sanitizeModelLabel(model string) string {
	model = strings.TrimSpace(model)
	if _, name, ok := strings.Cut(model, "/"); ok && name != "" {
		model = name
	}
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.', r == ':':
			return r
		}
		return '_'
	}, model)
	if len(clean) > maxModelLabelLen {
		clean = clean[:maxModelLabelLen]
	}
	if clean = strings.Trim(clean, "_"); clean == "" {
		return "unknown"
	}
	return clean
}
