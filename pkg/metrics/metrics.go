// Copyright 2024-2026 Aiku AI

// Package metrics holds the Prometheus collectors of the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ingestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ingested_events_total",
			Help: "Native platform events processed by the ingestion pipeline, by outcome.",
		},
		[]string{"platform", "kind", "outcome"},
	)
	relayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatched_events_total",
			Help: "Lifecycle events handled by the relay dispatcher, by outcome.",
		},
		[]string{"destination", "kind", "outcome"},
	)
	platformCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_platform_call_duration_seconds",
			Help:    "Latency of outbound platform API calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"platform", "call"},
	)
	echoSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_echo_skipped_total",
			Help: "Native events dropped by echo prevention.",
		},
		[]string{"platform", "reason"},
	)
	feedPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_feed_published_total",
			Help: "Outbox changes published to the change feed.",
		},
	)
	feedPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_feed_publish_errors_total",
			Help: "Failed change feed publish attempts.",
		},
	)
	feedRedeliveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_feed_redeliveries_total",
			Help: "Change feed deliveries that were handed back for redelivery.",
		},
	)
	outboxPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_outbox_pruned_total",
			Help: "Published outbox changes removed by retention.",
		},
	)
	inFlightTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_inflight_tasks",
			Help: "Event tasks currently running in the worker pool.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ingestedTotal,
		relayedTotal,
		platformCallDuration,
		echoSkippedTotal,
		feedPublishedTotal,
		feedPublishErrorsTotal,
		feedRedeliveriesTotal,
		outboxPrunedTotal,
		inFlightTasks,
	)
}

func ObserveIngest(platform, kind, outcome string) {
	ingestedTotal.WithLabelValues(platform, kind, outcome).Inc()
}

func ObserveRelay(destination, kind, outcome string) {
	relayedTotal.WithLabelValues(destination, kind, outcome).Inc()
}

// ObservePlatformCall records the duration of one outbound API call in seconds.
func ObservePlatformCall(platform, call string, seconds float64) {
	platformCallDuration.WithLabelValues(platform, call).Observe(seconds)
}

func ObserveEchoSkipped(platform, reason string) {
	echoSkippedTotal.WithLabelValues(platform, reason).Inc()
}

func IncFeedPublished() { feedPublishedTotal.Inc() }
func IncFeedPublishError() { feedPublishErrorsTotal.Inc() }
func IncFeedRedelivery() { feedRedeliveriesTotal.Inc() }
func AddOutboxPruned(n int64) { outboxPrunedTotal.Add(float64(n)) }

func TaskStarted() { inFlightTasks.Inc() }
func TaskFinished() { inFlightTasks.Dec() }
