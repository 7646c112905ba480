// Copyright (C) 2023 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRawEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "locwatch",
		Subsystem: "fs",
		Name:      "raw_events_total",
		Help:      "Total number of raw kernel events delivered by the watch backends",
	}, []string{"backend", "kind"})
	metricOverflows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "locwatch",
		Subsystem: "fs",
		Name:      "backend_overflows_total",
		Help:      "Total number of times a watch backend lost events",
	}, []string{"backend"})
	metricKernelWatches = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "locwatch",
		Subsystem: "fs",
		Name:      "kernel_watches",
		Help:      "Number of paths currently registered with the kernel",
	}, []string{"backend"})
)
