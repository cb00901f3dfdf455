// SPDX-License-Identifier: MIT

// Package metrics registers the Prometheus collectors shared across the
// daemon. Collectors are package-level promauto vars so call sites never
// deal with registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnsTotal counts finished turns by terminal result.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawd",
			Name:      "turns_total",
			Help:      "Total completed turns by result",
		},
		[]string{"result"},
	)

	// GPIODispatchTotal counts hardware dispatches by outcome.
	GPIODispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawd",
			Name:      "gpio_dispatch_total",
			Help:      "Total GPIO worker dispatches by outcome",
		},
		[]string{"outcome"}, // ok | timeout | error | rejected
	)

	// GPIOWorkerReplacements counts abandoned-and-replaced hardware workers.
	GPIOWorkerReplacements = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clawd",
			Name:      "gpio_worker_replacements_total",
			Help:      "Total GPIO worker replacements after stuck dispatches",
		},
	)

	// RateLimitExceeded counts admission rejections by layer.
	RateLimitExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawd",
			Name:      "ratelimit_exceeded_total",
			Help:      "Total rate limit rejections",
		},
		[]string{"layer", "kind"}, // layer: memory|store, kind: ip|email
	)

	// BroadcastsTotal counts status fan-out broadcasts.
	BroadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clawd",
			Name:      "status_broadcasts_total",
			Help:      "Total status broadcasts dispatched",
		},
	)

	// BroadcastEvictions counts viewers dropped for stalled or failed sends.
	BroadcastEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clawd",
			Name:      "status_broadcast_evictions_total",
			Help:      "Total viewers evicted after send timeout or error",
		},
	)

	// Viewers tracks currently connected status viewers.
	Viewers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clawd",
			Name:      "status_viewers",
			Help:      "Currently connected status viewers",
		},
	)

	// PlayerConnections tracks currently registered control channels.
	PlayerConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clawd",
			Name:      "control_connections",
			Help:      "Currently registered player control channels",
		},
	)

	// ControlMessages counts inbound control-channel messages by type.
	ControlMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clawd",
			Name:      "control_messages_total",
			Help:      "Total inbound control messages by type",
		},
		[]string{"type"},
	)

	// QueueWaiting tracks the current number of waiting entries.
	QueueWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clawd",
			Name:      "queue_waiting",
			Help:      "Current waiting queue length",
		},
	)
)
