// Copyright (c) 2026 Confidential Containers Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package virtiommu

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNS = "pviommu"

// prometheus metrics the pvIOMMU core exposes.
var (
	hypercallsMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNS,
		Name:      "hypercalls_total",
		Help:      "Guest hypercalls dispatched, by function.",
	},
		[]string{"function"},
	)

	failuresMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNS,
		Name:      "hypercall_failures_total",
		Help:      "Hypercalls that returned a non-success wire code.",
	},
		[]string{"code"},
	)

	topupExitsMetric = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNS,
		Name:      "memory_topup_exits_total",
		Help:      "Exits to the host for memory top-up, including re-exits for unserviced requests.",
	})

	guestDomainsMetric = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNS,
		Name:      "guest_domains",
		Help:      "Guest-half translation domains currently allocated.",
	})
)

// RegisterMetrics registers all pvIOMMU metrics with prometheus.
func RegisterMetrics() {
	prometheus.MustRegister(hypercallsMetric)
	prometheus.MustRegister(failuresMetric)
	prometheus.MustRegister(topupExitsMetric)
	prometheus.MustRegister(guestDomainsMetric)
}
