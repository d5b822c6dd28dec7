package rv

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records ledger activity. A nil *Metrics records nothing.
type Metrics struct {
	// versionsCreated counts committed versions.
	// Labels: action
	versionsCreated *prometheus.CounterVec

	// versionsAborted counts version creations that rolled back.
	// Labels: reason (caller, duplicate, invalid_interval, already_ended,
	// conflict, storage, cancelled, unknown_repository, other)
	versionsAborted *prometheus.CounterVec

	// createLatency measures lock wait plus write time of committed versions.
	createLatency prometheus.Histogram

	// resolveLatency measures read paths.
	// Labels: operation (content_at, diff)
	resolveLatency *prometheus.HistogramVec

	// cacheRequests counts resolver cache lookups.
	// Labels: result (hit, miss)
	cacheRequests *prometheus.CounterVec
}

// NewMetrics registers the ledger collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		versionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rv",
			Subsystem: "ledger",
			Name:      "versions_created_total",
			Help:      "Total repository versions committed",
		}, []string{"action"}),
		versionsAborted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rv",
			Subsystem: "ledger",
			Name:      "versions_aborted_total",
			Help:      "Total repository version creations rolled back",
		}, []string{"reason"}),
		createLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rv",
			Subsystem: "ledger",
			Name:      "create_version_seconds",
			Help:      "Time from lock request to commit of a repository version",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		resolveLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rv",
			Subsystem: "resolver",
			Name:      "latency_seconds",
			Help:      "Membership resolution latency in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
		cacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rv",
			Subsystem: "resolver",
			Name:      "cache_requests_total",
			Help:      "Resolver cache lookups by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) versionCommitted(action string, started time.Time) {
	if m == nil {
		return
	}
	m.versionsCreated.WithLabelValues(action).Inc()
	m.createLatency.Observe(time.Since(started).Seconds())
}

func (m *Metrics) versionAborted(err error) {
	if m == nil {
		return
	}
	m.versionsAborted.WithLabelValues(abortReason(err)).Inc()
}

func (m *Metrics) resolved(operation string, started time.Time) {
	if m == nil {
		return
	}
	m.resolveLatency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheRequests.WithLabelValues("hit").Inc()
		return
	}
	m.cacheRequests.WithLabelValues("miss").Inc()
}

// abortReason maps a write failure to a low-cardinality label.
func abortReason(err error) string {
	switch {
	case err == nil:
		return "caller"
	case errors.Is(err, ErrDuplicateAssociation):
		return "duplicate"
	case errors.Is(err, ErrInvalidInterval):
		return "invalid_interval"
	case errors.Is(err, ErrAlreadyEnded):
		return "already_ended"
	case errors.Is(err, ErrVersionConflict):
		return "conflict"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage"
	case errors.Is(err, ErrUnknownRepository):
		return "unknown_repository"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "other"
}
