package indexerd

import "claimindexer/observability"

// Metrics exposes Prometheus collectors for indexerd instrumentation.
type Metrics = observability.IndexerMetrics

// NewMetrics returns the lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.Indexer() }
