// Copyright (C) 2023 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watchaggregator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "locwatch",
		Subsystem: "watchaggregator",
		Name:      "batch_size",
		Help:      "Number of events in applied batches",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"root"})
	metricBatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "locwatch",
		Subsystem: "watchaggregator",
		Name:      "batch_duration_seconds",
		Help:      "Time spent finalizing and applying a batch",
	}, []string{"root"})
	metricNeutralized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "locwatch",
		Subsystem: "watchaggregator",
		Name:      "neutralized_events_total",
		Help:      "Total number of events cancelled by a create and remove of the same path",
	}, []string{"root"})
	metricRenamesCollapsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "locwatch",
		Subsystem: "watchaggregator",
		Name:      "renames_collapsed_total",
		Help:      "Total number of renames folded into a rename chain",
	}, []string{"root"})
	metricQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "locwatch",
		Subsystem: "watchaggregator",
		Name:      "queue_depth",
		Help:      "Number of events waiting to be batched",
	}, []string{"root"})
	metricOverflows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "locwatch",
		Subsystem: "watchaggregator",
		Name:      "queue_overflows_total",
		Help:      "Total number of backlogs discarded in favour of a reindex",
	}, []string{"root"})
	metricApplyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "locwatch",
		Subsystem: "watchaggregator",
		Name:      "apply_failures_total",
		Help:      "Total number of batches the apply step failed on",
	}, []string{"root"})
)

func deleteMetrics(rootID string) {
	metricBatchSize.DeleteLabelValues(rootID)
	metricBatchDuration.DeleteLabelValues(rootID)
	metricNeutralized.DeleteLabelValues(rootID)
	metricRenamesCollapsed.DeleteLabelValues(rootID)
	metricQueueDepth.DeleteLabelValues(rootID)
	metricOverflows.DeleteLabelValues(rootID)
	metricApplyFailures.DeleteLabelValues(rootID)
}
