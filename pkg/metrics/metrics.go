package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the storage-layer metrics
type Registry struct {
	registry *prometheus.Registry

	LockAcquisitionsTotal *prometheus.CounterVec
	HashDoublingsTotal    *prometheus.CounterVec
	DispositionsTotal     *prometheus.CounterVec
	SortDurationSeconds   *prometheus.HistogramVec
	LexBytesWritten       prometheus.Counter
}

// NewRegistry creates a registry with all storage metrics registered
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.LockAcquisitionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "triplestore_lock_acquisitions_total",
			Help: "Advisory lock acquisitions by mode",
		},
		[]string{"mode"},
	)

	r.HashDoublingsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "triplestore_hash_doublings_total",
			Help: "In-place hash table doublings by table kind",
		},
		[]string{"kind"},
	)

	r.DispositionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "triplestore_dispositions_total",
			Help: "Resource records stored by disposition code",
		},
		[]string{"disp"},
	)

	r.SortDurationSeconds = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triplestore_sort_duration_seconds",
			Help:    "Duration of list sort operations",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"kind"},
	)

	r.LexBytesWritten = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "triplestore_lex_bytes_written_total",
			Help: "Bytes appended to auxiliary lexical files",
		},
	)

	return r
}

// Gatherer exposes the underlying prometheus registry for scraping
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// Default returns the process-wide metrics registry
func Default() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Package-level helpers used by the storage packages

// LockAcquired records an advisory lock acquisition
func LockAcquired(mode string) {
	Default().LockAcquisitionsTotal.WithLabelValues(mode).Inc()
}

// HashDoubled records an in-place table doubling
func HashDoubled(kind string) {
	Default().HashDoublingsTotal.WithLabelValues(kind).Inc()
}

// DispositionStored records the disposition chosen for a stored resource
func DispositionStored(disp byte) {
	Default().DispositionsTotal.WithLabelValues(string(disp)).Inc()
}

// SortObserved records the duration of a sort operation
func SortObserved(kind string, d time.Duration) {
	Default().SortDurationSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// LexWritten records bytes appended to a lexical file
func LexWritten(n int) {
	Default().LexBytesWritten.Add(float64(n))
}
