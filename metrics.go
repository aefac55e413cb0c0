package zarr

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of a File and its transports.
type Metrics struct {
	Fetches        *prometheus.CounterVec
	FetchedBytes   *prometheus.CounterVec
	NotFound       prometheus.Counter
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	SharedReads    prometheus.Counter
	RemoteHits     prometheus.Counter
	DecodeFailures prometheus.Counter
	Calls          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zarr_fetches_total",
			Help: "Remote fetches issued, by transport",
		}, []string{"transport"}),
		FetchedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zarr_fetched_bytes_total",
			Help: "Bytes received from remote fetches, by transport",
		}, []string{"transport"}),
		NotFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zarr_not_found_total",
			Help: "Reads that resolved to an absent key",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zarr_cache_hits_total",
			Help: "Reads answered from the in-process cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zarr_cache_misses_total",
			Help: "Reads that had to go to the store",
		}),
		SharedReads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zarr_shared_reads_total",
			Help: "Reads that joined an identical in-flight read",
		}),
		RemoteHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zarr_remote_cache_hits_total",
			Help: "Reads answered from the shared remote cache",
		}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zarr_decode_failures_total",
			Help: "Chunks whose codec chain failed",
		}),
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zarr_calls_total",
			Help: "Facade calls, by operation",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Fetches, m.FetchedBytes, m.NotFound,
			m.CacheHits, m.CacheMisses, m.SharedReads, m.RemoteHits,
			m.DecodeFailures, m.Calls,
		)
	}
	return m
}

const (
	opGroup       = "group"
	opDataset     = "dataset"
	opDatasetData = "dataset_data"
)
