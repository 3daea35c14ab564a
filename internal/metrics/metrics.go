// Package metrics exports pipeline and freshness activity to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"catalog-sync/internal/domain"
	"catalog-sync/internal/pipeline"
)

const namespace = "catalog_sync"

// Metrics holds the collectors. It is safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	itemsUpdated   *prometheus.CounterVec
	requests       *prometheus.CounterVec
	batches        *prometheus.CounterVec
	runs           *prometheus.CounterVec
	cycleComplete  *prometheus.GaugeVec
	freshnessStale *prometheus.GaugeVec
}

var _ pipeline.Observer = (*Metrics)(nil)

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		itemsUpdated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_updated_total",
			Help:      "Items recorded as updated in a cycle.",
		}, []string{"dataset"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_requests_total",
			Help:      "Requests issued to the source by the update pipeline.",
		}, []string{"dataset"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches processed, by outcome.",
		}, []string{"dataset", "outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs, by stop reason.",
		}, []string{"dataset", "reason"}),
		cycleComplete: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_complete",
			Help:      "1 when the dataset's current cycle is complete after the last run.",
		}, []string{"dataset"}),
		freshnessStale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "freshness_new_data",
			Help:      "Last freshness verdict: 1 new data, 0 none, -1 unknown.",
		}, []string{"dataset"}),
	}
	m.registry.MustRegister(m.itemsUpdated, m.requests, m.batches, m.runs, m.cycleComplete, m.freshnessStale)
	return m
}

// BatchCommitted implements pipeline.Observer.
func (m *Metrics) BatchCommitted(datasetID string, items, requests int) {
	m.batches.WithLabelValues(datasetID, "committed").Inc()
	m.itemsUpdated.WithLabelValues(datasetID).Add(float64(items))
	m.requests.WithLabelValues(datasetID).Add(float64(requests))
}

// BatchSkipped implements pipeline.Observer.
func (m *Metrics) BatchSkipped(datasetID string, requests int) {
	m.batches.WithLabelValues(datasetID, "skipped").Inc()
	m.requests.WithLabelValues(datasetID).Add(float64(requests))
}

// RunFinished implements pipeline.Observer.
func (m *Metrics) RunFinished(result domain.RunResult) {
	m.runs.WithLabelValues(result.DatasetID, string(result.StoppedReason)).Inc()
	complete := 0.0
	if result.CycleComplete {
		complete = 1
	}
	m.cycleComplete.WithLabelValues(result.DatasetID).Set(complete)
}

// FreshnessChecked records the verdict of a freshness sample.
func (m *Metrics) FreshnessChecked(s domain.FreshnessSample) {
	v := -1.0
	if s.HasNewData != nil {
		v = 0
		if *s.HasNewData {
			v = 1
		}
	}
	m.freshnessStale.WithLabelValues(s.DatasetID).Set(v)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
