package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	indexerMetricsOnce sync.Once
	indexerRegistry    *IndexerMetrics
)

// IndexerMetrics wraps the collectors exported by indexerd.
type IndexerMetrics struct {
	events        *prometheus.CounterVec
	drops         *prometheus.CounterVec
	resubscribes  *prometheus.CounterVec
	validations   *prometheus.CounterVec
	custodyFaults *prometheus.CounterVec
	aggregates    *prometheus.CounterVec
}

// Indexer exposes the lazily registered metrics for indexerd.
func Indexer() *IndexerMetrics {
	indexerMetricsOnce.Do(func() {
		indexerRegistry = &IndexerMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claimindexer",
				Subsystem: "listener",
				Name:      "events_total",
				Help:      "Decoded chain events handed to the ledger segmented by stream and outcome.",
			}, []string{"stream", "outcome"}),
			drops: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claimindexer",
				Subsystem: "listener",
				Name:      "dropped_total",
				Help:      "Chain logs dropped before reaching the ledger segmented by stream and reason.",
			}, []string{"stream", "reason"}),
			resubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claimindexer",
				Subsystem: "listener",
				Name:      "resubscribes_total",
				Help:      "Resubscription attempts after a dropped log subscription.",
			}, []string{"stream"}),
			validations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claimindexer",
				Subsystem: "auth",
				Name:      "signature_validations_total",
				Help:      "Signature validations segmented by verification path and result.",
			}, []string{"path", "result"}),
			custodyFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claimindexer",
				Subsystem: "custody",
				Name:      "access_failures_total",
				Help:      "Failed custodied key accesses segmented by reason.",
			}, []string{"reason"}),
			aggregates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claimindexer",
				Subsystem: "ledger",
				Name:      "aggregate_failures_total",
				Help:      "Derived aggregate updates that failed after the raw event was stored.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			indexerRegistry.events,
			indexerRegistry.drops,
			indexerRegistry.resubscribes,
			indexerRegistry.validations,
			indexerRegistry.custodyFaults,
			indexerRegistry.aggregates,
		)
	})
	return indexerRegistry
}

// RecordEvent counts an event handed to the ledger.
func (m *IndexerMetrics) RecordEvent(stream, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(label(stream), label(outcome)).Inc()
}

// RecordDrop counts a log that never reached the ledger.
func (m *IndexerMetrics) RecordDrop(stream, reason string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(label(stream), label(reason)).Inc()
}

// RecordResubscribe counts a resubscription attempt.
func (m *IndexerMetrics) RecordResubscribe(stream string) {
	if m == nil {
		return
	}
	m.resubscribes.WithLabelValues(label(stream)).Inc()
}

// RecordValidation counts a signature validation.
func (m *IndexerMetrics) RecordValidation(path, result string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(label(path), label(result)).Inc()
}

// RecordCustodyFailure counts a failed key access.
func (m *IndexerMetrics) RecordCustodyFailure(reason string) {
	if m == nil {
		return
	}
	m.custodyFaults.WithLabelValues(label(reason)).Inc()
}

// RecordAggregateFailure counts a derived aggregate that could not be applied.
func (m *IndexerMetrics) RecordAggregateFailure(kind string) {
	if m == nil {
		return
	}
	m.aggregates.WithLabelValues(label(kind)).Inc()
}

func label(value string) string {
	if value = strings.ToLower(strings.TrimSpace(value)); value == "" {
		return "unspecified"
	}
	return value
}
