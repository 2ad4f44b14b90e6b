// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus instrumentation shared across
// the daemon. All collectors are registered on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsStartedTotal counts pipeline runs started, labelled by job kind.
	JobsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vibecaster_jobs_started_total",
		Help: "Number of generation jobs started.",
	}, []string{"kind"})

	// JobsFinishedTotal counts terminal job outcomes.
	JobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vibecaster_jobs_finished_total",
		Help: "Number of generation jobs reaching a terminal status.",
	}, []string{"status"})

	// JobsActive tracks pipeline goroutines currently running.
	JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vibecaster_jobs_active",
		Help: "Number of generation jobs currently executing.",
	})

	// ScenesFailedTotal counts scenes that ended in error.
	ScenesFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vibecaster_scenes_failed_total",
		Help: "Number of scenes that terminated in error.",
	})

	// QuotaRetriesTotal counts backoff retries caused by quota signals.
	QuotaRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vibecaster_quota_retries_total",
		Help: "Number of generation calls retried after a quota signal.",
	})

	// KeepalivesTotal counts synthetic keepalive events emitted.
	KeepalivesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vibecaster_keepalives_total",
		Help: "Number of synthetic keepalive events emitted on live tails.",
	})

	// BusDroppedTotal counts progress events dropped by the event bus.
	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vibecaster_bus_dropped_total",
		Help: "Number of progress events dropped, by reason.",
	}, []string{"reason"})

	// UploadBytesTotal counts chunk payload bytes accepted.
	UploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vibecaster_upload_bytes_total",
		Help: "Number of upload chunk bytes accepted.",
	})

	// UploadsSweptTotal counts expired upload sessions purged.
	UploadsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vibecaster_uploads_swept_total",
		Help: "Number of expired upload sessions purged by the sweeper.",
	})
)
