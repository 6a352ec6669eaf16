// Package metrics registers the Prometheus metrics owned by the retrieval and
// generation pipeline. A single *Pipeline is created at startup and handed to
// the index, the retrieval orchestrator, the ingestion pipeline, and the chat
// coordinator. All methods are safe on a nil receiver so components built
// without metrics (tests, one-shot CLI commands) need no special casing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ragstream"

// Pipeline holds every pipeline-level metric.
type Pipeline struct {
	// indexEntries is the number of live entries in the embedding index.
	indexEntries prometheus.Gauge

	// indexRebuilds counts completed cluster rebuilds of the index.
	indexRebuilds prometheus.Counter

	// indexRebuildSeconds records how long each cluster rebuild took.
	indexRebuildSeconds prometheus.Histogram

	// retrievalCache counts cache lookups partitioned by result: "hit" or "miss".
	retrievalCache *prometheus.CounterVec

	// retrievalSeconds records end-to-end retrieval latency on cache misses.
	retrievalSeconds prometheus.Histogram

	// ingestDocuments counts ingested documents by outcome:
	// "ingested", "skipped", "rejected", or "failed".
	ingestDocuments *prometheus.CounterVec

	// ingestChunks counts chunks written to the index.
	ingestChunks prometheus.Counter

	// streams counts finished generation requests by final state.
	streams *prometheus.CounterVec

	// degraded counts requests that fell back to contextless generation.
	degraded prometheus.Counter
}

// New registers all pipeline metrics against reg. promauto.With(reg) keeps
// tests hermetic when they pass a fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Pipeline {
	factory := promauto.With(reg)

	return &Pipeline{
		indexEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "entries",
			Help:      "Number of live entries in the embedding index.",
		}),
		indexRebuilds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "rebuilds_total",
			Help:      "Total number of completed cluster rebuilds.",
		}),
		indexRebuildSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "rebuild_duration_seconds",
			Help:      "Duration of cluster rebuilds.",
			Buckets:   prometheus.DefBuckets,
		}),
		retrievalCache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "cache_lookups_total",
			Help:      "Retrieval cache lookups partitioned by result.",
		}, []string{"result"}),
		retrievalSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "duration_seconds",
			Help:      "Latency of uncached retrievals (embedding plus search).",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		ingestDocuments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Documents processed by the ingestion pipeline, partitioned by outcome.",
		}, []string{"outcome"}),
		ingestChunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "chunks_total",
			Help:      "Chunks embedded and written to the index.",
		}),
		streams: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "requests_total",
			Help:      "Generation requests partitioned by final state.",
		}, []string{"state"}),
		degraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "degraded_total",
			Help:      "Generation requests served without retrieved context after a retrieval failure.",
		}),
	}
}

// SetIndexEntries records the current entry count of the index.
func (p *Pipeline) SetIndexEntries(n int) {
	if p == nil {
		return
	}
	p.indexEntries.Set(float64(n))
}

// ObserveRebuild records a completed cluster rebuild.
func (p *Pipeline) ObserveRebuild(d time.Duration) {
	if p == nil {
		return
	}
	p.indexRebuilds.Inc()
	p.indexRebuildSeconds.Observe(d.Seconds())
}

// CacheLookup records a retrieval cache hit or miss.
func (p *Pipeline) CacheLookup(hit bool) {
	if p == nil {
		return
	}
	if hit {
		p.retrievalCache.WithLabelValues("hit").Inc()
		return
	}
	p.retrievalCache.WithLabelValues("miss").Inc()
}

// ObserveRetrieval records the latency of an uncached retrieval.
func (p *Pipeline) ObserveRetrieval(d time.Duration) {
	if p == nil {
		return
	}
	p.retrievalSeconds.Observe(d.Seconds())
}

// IngestOutcome records one document processed by the ingestion pipeline.
func (p *Pipeline) IngestOutcome(outcome string, chunks int) {
	if p == nil {
		return
	}
	p.ingestDocuments.WithLabelValues(outcome).Inc()
	if chunks > 0 {
		p.ingestChunks.Add(float64(chunks))
	}
}

// StreamFinished records the final state of a generation request.
func (p *Pipeline) StreamFinished(state string, degraded bool) {
	if p == nil {
		return
	}
	p.streams.WithLabelValues(state).Inc()
	if degraded {
		p.degraded.Inc()
	}
}
