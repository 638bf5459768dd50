package service

import (
	"slices"
	"sync"
	"time"
)

// MetricsCollector collects retrieval metrics per index
type MetricsCollector struct {
	mu sync.RWMutex

	retrievalCount   int64
	retrievalErrors  int64
	validationErrors int64
	retrievalLatency []time.Duration

	seedCount   int64
	seedErrors  int64
	seedLatency []time.Duration

	indexStats map[string]IndexStats
}

// IndexStats tracks metrics for individual indexes
type IndexStats struct {
	QueryCount   int64         `json:"query_count"`
	TotalLatency time.Duration `json:"total_latency"`
	ErrorCount   int64         `json:"error_count"`
	Documents    int64         `json:"documents"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		retrievalLatency: make([]time.Duration, 0, 1000),
		seedLatency:      make([]time.Duration, 0, 64),
		indexStats:       make(map[string]IndexStats),
	}
}

// RecordRetrieval records a query against an index. A nil collector is a no-op.
func (mc *MetricsCollector) RecordRetrieval(indexName string, duration time.Duration, err error) {
	if mc == nil {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.retrievalCount++
	mc.retrievalLatency = append(mc.retrievalLatency, duration)

	stats := mc.indexStats[indexName]
	stats.QueryCount++
	stats.TotalLatency += duration
	if err != nil {
		stats.ErrorCount++
		mc.retrievalErrors++
	}
	mc.indexStats[indexName] = stats
}

// RecordValidationFailure counts a request rejected before any backend call.
func (mc *MetricsCollector) RecordValidationFailure() {
	if mc == nil {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.validationErrors++
}

// RecordSeed records documents added to a local index.
func (mc *MetricsCollector) RecordSeed(indexName string, docs int, duration time.Duration, err error) {
	if mc == nil {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.seedCount++
	mc.seedLatency = append(mc.seedLatency, duration)
	if err != nil {
		mc.seedErrors++
		return
	}
	stats := mc.indexStats[indexName]
	stats.Documents += int64(docs)
	mc.indexStats[indexName] = stats
}

// GetSummary returns a summary of collected metrics
func (mc *MetricsCollector) GetSummary() MetricsSummary {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	stats := make(map[string]IndexStats, len(mc.indexStats))
	for k, v := range mc.indexStats {
		stats[k] = v
	}

	return MetricsSummary{
		RetrievalCount:   mc.retrievalCount,
		RetrievalErrors:  mc.retrievalErrors,
		ValidationErrors: mc.validationErrors,
		SeedCount:        mc.seedCount,
		SeedErrors:       mc.seedErrors,
		IndexStats:       stats,
		RetrievalLatency: percentiles(mc.retrievalLatency),
		SeedLatency:      percentiles(mc.seedLatency),
	}
}

// percentiles calculates p50, p95, p99 latencies
func percentiles(latencies []time.Duration) LatencyPercentiles {
	if len(latencies) == 0 {
		return LatencyPercentiles{}
	}

	sorted := slices.Clone(latencies)
	slices.Sort(sorted)

	return LatencyPercentiles{
		P50: sorted[len(sorted)*50/100],
		P95: sorted[len(sorted)*95/100],
		P99: sorted[len(sorted)*99/100],
	}
}

// MetricsSummary represents a summary of collected metrics
type MetricsSummary struct {
	RetrievalCount   int64                 `json:"retrieval_count"`
	RetrievalErrors  int64                 `json:"retrieval_errors"`
	ValidationErrors int64                 `json:"validation_errors"`
	SeedCount        int64                 `json:"seed_count"`
	SeedErrors       int64                 `json:"seed_errors"`
	IndexStats       map[string]IndexStats `json:"index_stats"`
	RetrievalLatency LatencyPercentiles    `json:"retrieval_latency"`
	SeedLatency      LatencyPercentiles    `json:"seed_latency"`
}

// LatencyPercentiles represents latency percentiles
type LatencyPercentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

// Reset clears all collected metrics
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.retrievalCount = 0
	mc.retrievalErrors = 0
	mc.validationErrors = 0
	mc.seedCount = 0
	mc.seedErrors = 0
	mc.retrievalLatency = mc.retrievalLatency[:0]
	mc.seedLatency = mc.seedLatency[:0]
	mc.indexStats = make(map[string]IndexStats)
}
