// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricDatagrams = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "lcp",
		Subsystem: "dispatch",
		Name:      "datagrams_total",
		Help:      "Number of received UDP datagrams by kind and outcome.",
	}, []string{"type", "result"})
