// Package metrics holds the Prometheus collectors for the streaming
// pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pipeline holds all pipeline-level Prometheus metrics.
type Pipeline struct {
	EventsProcessed   *prometheus.CounterVec
	SnapshotRows      *prometheus.CounterVec
	ActiveSubscribers *prometheus.GaugeVec
	ActiveHubs        prometheus.Gauge
	PipelineFailures  *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
}

// New creates and registers the pipeline metrics.
func New() *Pipeline {
	p := &Pipeline{
		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tycostream_events_processed_total",
				Help: "Row update events folded into the cache, by source and kind",
			},
			[]string{"source", "kind"},
		),
		SnapshotRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tycostream_snapshot_rows_total",
				Help: "Snapshot INSERT events delivered to late joiners",
			},
			[]string{"source"},
		),
		ActiveSubscribers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tycostream_subscribers_active",
				Help: "Attached subscribers per source",
			},
			[]string{"source"},
		),
		ActiveHubs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tycostream_hubs_active",
				Help: "Live source pipelines",
			},
		),
		PipelineFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tycostream_pipeline_failures_total",
				Help: "Unrecoverable pipeline failures per source",
			},
			[]string{"source"},
		),
		WebhookDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tycostream_webhook_deliveries_total",
				Help: "Webhook delivery outcomes per trigger",
			},
			[]string{"trigger", "status"},
		),
	}

	prometheus.MustRegister(
		p.EventsProcessed,
		p.SnapshotRows,
		p.ActiveSubscribers,
		p.ActiveHubs,
		p.PipelineFailures,
		p.WebhookDeliveries,
	)
	return p
}
