// Copyright (C) 2023 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package normalize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/locwatch/locwatch/lib/fs"
)

var (
	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "locwatch",
		Subsystem: "normalize",
		Name:      "events_total",
		Help:      "Total number of logical events produced, per type",
	}, []string{"type"})
	metricRenamesMatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "locwatch",
		Subsystem: "normalize",
		Name:      "renames_matched_total",
		Help:      "Total number of renames reconstructed from a remove and a create of the same inode",
	})
	metricNeutralized = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "locwatch",
		Subsystem: "normalize",
		Name:      "neutralized_total",
		Help:      "Total number of create and remove pairs that cancelled out",
	})
	metricSuppressedDirs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "locwatch",
		Subsystem: "normalize",
		Name:      "duplicate_dir_creates_total",
		Help:      "Total number of duplicate directory creations suppressed",
	})
)

func countEvents(evs []fs.FsEvent) []fs.FsEvent {
	for _, ev := range evs {
		metricEvents.WithLabelValues(ev.Type.String()).Inc()
	}
	return evs
}
