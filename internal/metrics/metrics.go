// Package metrics Prometheus 指标
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 抓取
	IngestRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poplens_ingest_records_total",
			Help: "Total number of records inserted by ingestion runs",
		},
		[]string{"source"},
	)

	IngestPageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poplens_ingest_page_failures_total",
			Help: "Total number of source pages that failed after retries",
		},
		[]string{"source"},
	)

	// 向量回填
	BackfillEmbeddings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poplens_backfill_embeddings_total",
			Help: "Embeddings computed by backfill runs, by result",
		},
		[]string{"result"}, // "ok", "failed"
	)

	EmbeddingCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "poplens_embedding_cache_hits_total",
			Help: "Total number of embedding cache hits",
		},
	)

	// 相似度查询
	SimilarityQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poplens_similarity_query_seconds",
			Help:    "Duration of nearest-neighbour queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// ObserveSimilarityQuery 记录一次相似度查询耗时
func ObserveSimilarityQuery(start time.Time) {
	SimilarityQueryDuration.Observe(time.Since(start).Seconds())
}
