// Package metrics exposes the resolver's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HopsTotal tracks every hop the walker takes, labeled by how it ended.
	HopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dnsafe_hops_total",
		Help: "Total number of referral hops attempted during recursive resolution",
	}, []string{"outcome"})

	// QueryDuration tracks how long a single hop or a full lookup takes.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dnsafe_query_duration_seconds",
		Help:    "Histogram of query durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// ReferralDepth records how many hops a completed lookup took.
	ReferralDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dnsafe_referral_depth",
		Help:    "Number of referral hops a completed lookup took",
		Buckets: prometheus.LinearBuckets(1, 1, 16),
	})

	// NestedLookupsTotal counts the sub-resolutions performed to glue an
	// unglued NS referral.
	NestedLookupsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dnsafe_nested_lookups_total",
		Help: "Total nested A lookups performed to resolve an unglued NS referral",
	})

	// ActiveHops tracks in-flight hops across all concurrent resolutions.
	ActiveHops = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dnsafe_active_hops",
		Help: "Number of hop queries currently in flight",
	})
)
