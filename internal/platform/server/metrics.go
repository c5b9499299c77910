package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/audit"
)

const metricsNamespace = "open_lab_audit"

// Metrics is the Prometheus view of the chain and its transports. It
// implements audit.Observer; every method is safe on a nil receiver.
type Metrics struct {
	appendsTotal          *prometheus.CounterVec
	appendDuration        *prometheus.HistogramVec
	appendRetriesTotal    *prometheus.CounterVec
	clockSkewTotal        prometheus.Counter
	verificationTotal     *prometheus.CounterVec
	recordFailuresTotal   *prometheus.CounterVec
	chainEntries          prometheus.Gauge
	chainVerified         prometheus.Gauge
	chainInvalidEntries   prometheus.Gauge
	healthLastCheckUnix   prometheus.Gauge
	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	grpcRequestsTotal     *prometheus.CounterVec
	remoteAccessDecisions *prometheus.CounterVec
	remoteAccessEntries   prometheus.Gauge
	remoteAccessCap       prometheus.Gauge
}

var _ audit.Observer = (*Metrics)(nil)

func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		appendsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "chain",
				Name:      "appends_total",
				Help:      "Total chain appends partitioned by result.",
			},
			[]string{"result"},
		),
		appendDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "chain",
				Name:      "append_duration_seconds",
				Help:      "Wall time of an append including retries.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		appendRetriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "chain",
				Name:      "append_retries_total",
				Help:      "Total append retries partitioned by reason.",
			},
			[]string{"reason"},
		),
		clockSkewTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "chain",
				Name:      "clock_skew_total",
				Help:      "Entries whose timestamp trails the previous entry beyond tolerance.",
			},
		),
		verificationTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "chain",
				Name:      "verification_results_total",
				Help:      "Verified entries partitioned by status.",
			},
			[]string{"status"},
		),
		recordFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "record_failures_total",
				Help:      "Audit events that could not be recorded.",
			},
			[]string{"action", "reason"},
		),
		chainEntries: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "chain",
				Name:      "entries",
				Help:      "Entry count at the last health check.",
			},
		),
		chainVerified: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "chain",
				Name:      "verified",
				Help:      "1 when the last health check was VERIFIED, else 0.",
			},
		),
		chainInvalidEntries: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "chain",
				Name:      "invalid_entries",
				Help:      "Invalid entries found by the last health check.",
			},
		),
		healthLastCheckUnix: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "chain",
				Name:      "health_last_check_unix",
				Help:      "Unix time of the most recent health check.",
			},
		),
		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method and resulting grpc code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		grpcRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "grpc",
				Name:      "requests_total",
				Help:      "gRPC requests by full method and code.",
			},
			[]string{"method", "code"},
		),
		remoteAccessDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "remote_access",
				Name:      "decisions_total",
				Help:      "Remote access guard decisions by outcome.",
			},
			[]string{"outcome"},
		),
		remoteAccessEntries: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "remote_access",
				Name:      "activity_entries",
				Help:      "Entries held in the remote access activity buffer.",
			},
		),
		remoteAccessCap: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "remote_access",
				Name:      "activity_cap",
				Help:      "Capacity of the remote access activity buffer.",
			},
		),
	}
}

func (m *Metrics) ObserveAppend(result string, _ int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.appendsTotal.WithLabelValues(result).Inc()
	m.appendDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveAppendRetry(reason string) {
	if m == nil {
		return
	}
	m.appendRetriesTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveClockSkew() {
	if m == nil {
		return
	}
	m.clockSkewTotal.Inc()
}

func (m *Metrics) ObserveVerification(results map[audit.Status]int) {
	if m == nil {
		return
	}
	for s, n := range results {
		m.verificationTotal.WithLabelValues(string(s)).Add(float64(n))
	}
}

func (m *Metrics) ObserveHealth(sum audit.HealthSummary) {
	if m == nil {
		return
	}
	m.chainEntries.Set(float64(sum.TotalLogs))
	m.chainInvalidEntries.Set(float64(len(sum.InvalidEntries)))
	m.healthLastCheckUnix.Set(float64(sum.CheckedAt.Unix()))
	if sum.Verified() {
		m.chainVerified.Set(1)
	} else {
		m.chainVerified.Set(0)
	}
}

func (m *Metrics) ObserveRecordFailure(action audit.Action, reason string) {
	if m == nil {
		return
	}
	m.recordFailuresTotal.WithLabelValues(string(action), reason).Inc()
}

func (m *Metrics) ObserveRemoteAccessDecision(outcome string) {
	if m == nil {
		return
	}
	m.remoteAccessDecisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRemoteAccessLogState(entries, capacity int) {
	if m == nil {
		return
	}
	m.remoteAccessEntries.Set(float64(entries))
	m.remoteAccessCap.Set(float64(capacity))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func HTTPMetricsMiddleware(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if m == nil {
			return
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, grpcCodeFromHTTPStatus(rec.status).String()).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method).Observe(time.Since(started).Seconds())
	})
}

func UnaryMetricsInterceptor(m *Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if m != nil {
			m.grpcRequestsTotal.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
		}
		return resp, err
	}
}

func grpcCodeFromHTTPStatus(code int) codes.Code {
	switch {
	case code >= 200 && code < 300:
		return codes.OK
	case code == http.StatusBadRequest:
		return codes.InvalidArgument
	case code == http.StatusUnauthorized:
		return codes.Unauthenticated
	case code == http.StatusForbidden:
		return codes.PermissionDenied
	case code == http.StatusNotFound:
		return codes.NotFound
	case code == http.StatusConflict:
		return codes.Aborted
	case code == http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case code == http.StatusUnprocessableEntity:
		return codes.FailedPrecondition
	case code == http.StatusServiceUnavailable:
		return codes.Unavailable
	case code == http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	case code >= 500:
		return codes.Internal
	default:
		return codes.Unknown
	}
}
