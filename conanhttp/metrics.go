package conanhttp

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the prometheus collectors the router reports through:
// request duration and byte counts labeled by coordinate, method,
// operation, and status, plus a rebuild outcome counter for the indexer.
type Metrics struct {
	requestDurations *prometheus.SummaryVec
	requestBytes     *prometheus.CounterVec
	responseBytes    *prometheus.CounterVec
	rebuilds         *prometheus.CounterVec
}

var metricLabels = []string{"coordinate", "method", "operation", "status"}

// NewMetrics constructs the collector set without registering it.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		requestDurations: prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Namespace: namespace,
				Name:      "requests_duration_nanoseconds",
				Help:      "Amount of time the repository has spent answering requests, in nanoseconds.",
			},
			metricLabels,
		),
		requestBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_bytes_total",
				Help:      "Total volume of request payloads received, in bytes.",
			},
			metricLabels,
		),
		responseBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "response_bytes_total",
				Help:      "Total volume of response payloads emitted, in bytes.",
			},
			metricLabels,
		),
		rebuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "revision_index_rebuilds_total",
				Help:      "Revision index rebuilds, labeled by coordinate and outcome (ok/fault).",
			},
			[]string{"coordinate", "outcome"},
		),
	}
}

// MustRegister registers every collector against reg, panicking on failure.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.requestDurations, m.requestBytes, m.responseBytes, m.rebuilds)
}

// ObserveRebuild records a revision-index rebuild outcome for coordinate.
func (m *Metrics) ObserveRebuild(coordinate string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "fault"
	}
	m.rebuilds.WithLabelValues(coordinate, outcome).Inc()
}

// wrap instruments next: duration, request bytes read, response bytes
// written, all labeled by coordinate/method/operation/status.
func (m *Metrics) wrap(operation string, next httpHandler) httpHandler {
	if m == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			start = time.Now()
			rd    = &readerDelegator{ReadCloser: r.Body}
			rc    = &responseRecorder{ResponseWriter: w}
		)
		r.Body = rd

		next(rc, r)

		labels := prometheus.Labels{
			"coordinate": coordinateLabel(r.URL.Path),
			"method":     strings.ToLower(r.Method),
			"operation":  operation,
			"status":     strconv.Itoa(rc.status()),
		}

		m.requestBytes.With(labels).Add(float64(rd.BytesRead))
		m.requestDurations.With(labels).Observe(float64(time.Since(start)))
		m.responseBytes.With(labels).Add(float64(rc.size))
	}
}

// coordinateLabel extracts a coarse coordinate label for metrics from a
// request path, trimming the /v1/conans or /v2/conans prefix so unrelated
// coordinates don't collide on a single "conans" label.
func coordinateLabel(urlPath string) string {
	for _, prefix := range []string{"/v1/conans/", "/v2/conans/"} {
		if strings.HasPrefix(urlPath, prefix) {
			rest := strings.TrimPrefix(urlPath, prefix)
			if idx := strings.Index(rest, "/0/"); idx > 0 {
				return rest[:idx]
			}
			return rest
		}
	}
	return "_"
}

type readerDelegator struct {
	io.ReadCloser
	BytesRead int
}

func (r *readerDelegator) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.BytesRead += n
	return n, err
}

type responseRecorder struct {
	http.ResponseWriter
	code int
	size int
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

func (r *responseRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) status() int {
	if r.code == 0 {
		return http.StatusOK
	}
	return r.code
}
