// Package metrics defines the Prometheus collectors for the service. All
// methods are safe on a nil *Metrics, so tests and tools can run without a
// registry.
package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sakif/roomspace/internal/apperror"
)

type Metrics struct {
	httpDuration     *prometheus.HistogramVec
	operations       *prometheus.CounterVec
	codeAttempts     prometheus.Histogram
	reconcileRepairs *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// production and prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roomspace_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roomspace_membership_operations_total",
			Help: "Room and membership operations by outcome.",
		}, []string{"op", "outcome"}),
		codeAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "roomspace_room_code_attempts",
			Help:    "Candidates drawn before a free room code was found.",
			Buckets: []float64{1, 2, 3, 5, 10, 25, 100},
		}),
		reconcileRepairs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roomspace_reconcile_repairs_total",
			Help: "Inconsistencies repaired by the reconcile pass.",
		}, []string{"kind"}),
	}
}

// ObserveHTTP records one request. route is the chi route pattern, not the
// raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// ObserveOp counts one service operation. The outcome label is "ok", the
// apperror kind ("not_found", "permission_denied", ...) or "error".
func (m *Metrics) ObserveOp(op string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, Outcome(err)).Inc()
}

func (m *Metrics) ObserveCodeAttempts(n int) {
	if m == nil {
		return
	}
	m.codeAttempts.Observe(float64(n))
}

func (m *Metrics) CountRepairs(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reconcileRepairs.WithLabelValues(kind).Add(float64(n))
}

// Outcome maps an operation error to a metric label.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := apperror.Kind(err); kind != nil {
		return strings.ReplaceAll(kind.Error(), " ", "_")
	}
	return "error"
}
