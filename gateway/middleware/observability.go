package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	telemetry "salaryflow/observability/otel"
)

type ObservabilityConfig struct {
	MetricsPrefix string
	LogRequests   bool
}

// Observability instruments named routes: request counts by status, latency,
// requests in flight and one span per request.
type Observability struct {
	logRequests bool
	logger      *slog.Logger
	tracer      trace.Tracer
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	inFlight    *prometheus.GaugeVec
}

// NewObservability registers the HTTP collectors on reg. A nil reg leaves
// them unregistered.
func NewObservability(cfg ObservabilityConfig, reg prometheus.Registerer, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	ns := cfg.MetricsPrefix
	if ns == "" {
		ns = "streamd"
	}
	o := &Observability{
		logRequests: cfg.LogRequests,
		logger:      logger,
		tracer:      telemetry.Tracer("http"),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "requests_total",
			Help:      "HTTP requests served, by route and status code.",
		}, []string{"route", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15, 30},
		}, []string{"route", "method"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}, []string{"route"}),
	}
	if reg != nil {
		reg.MustRegister(o.requests, o.latency, o.inFlight)
	}
	return o
}

// Middleware instruments every request passing through it under route.
func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gauge := o.inFlight.WithLabelValues(route)
			gauge.Inc()
			defer gauge.Dec()

			ctx, span := o.tracer.Start(r.Context(), "http."+route, trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.route", route),
				))
			defer span.End()

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))
			elapsed := time.Since(start)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
			o.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
			o.latency.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())

			if o.logRequests {
				o.logger.Info("http request",
					"route", route,
					"method", r.Method,
					"path", r.URL.Path,
					"status", status,
					"bytes", ww.BytesWritten(),
					"duration", elapsed,
					"requestId", chimw.GetReqID(r.Context()))
			}
		})
	}
}
