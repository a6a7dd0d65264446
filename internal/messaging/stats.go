// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lcp",
			Subsystem: "messaging",
			Name:      "sent_total",
			Help:      "Number of message send attempts by outcome.",
		}, []string{"result"})

	metricReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lcp",
			Subsystem: "messaging",
			Name:      "received_total",
			Help:      "Number of message receive exchanges by outcome.",
		}, []string{"result"})
)
