// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transfer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTransfers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lcp",
			Subsystem: "transfer",
			Name:      "transfers_total",
			Help:      "Number of finished file transfers by direction and outcome.",
		}, []string{"direction", "result"})

	metricQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lcp",
			Subsystem: "transfer",
			Name:      "queued_total",
			Help:      "Number of files queued for sending.",
		})

	metricActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lcp",
			Subsystem: "transfer",
			Name:      "active_sends",
			Help:      "Number of file sends currently in flight.",
		})
)
