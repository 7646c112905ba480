// Copyright (C) 2023 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fswatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "locwatch",
		Subsystem: "fswatcher",
		Name:      "events_received_total",
		Help:      "Total number of raw events received from the watch source",
	})
	metricEventsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "locwatch",
		Subsystem: "fswatcher",
		Name:      "events_emitted_total",
		Help:      "Total number of normalized events broadcast",
	})
	metricEventsLagged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "locwatch",
		Subsystem: "fswatcher",
		Name:      "events_lagged_total",
		Help:      "Total number of events lost by subscribers not keeping up",
	})
	metricWatchedRoots = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "locwatch",
		Subsystem: "fswatcher",
		Name:      "watched_roots",
		Help:      "Number of roots currently watched",
	})
	metricRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "locwatch",
		Subsystem: "fswatcher",
		Name:      "restarts_total",
		Help:      "Total number of watch source restarts",
	})
)
