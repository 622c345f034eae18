// Package metrics defines and registers all custom Prometheus metrics for
// the dispatch console. It is the single source of truth for metric names,
// labels, and help strings.
//
// Metrics register with the default registry at import time via promauto;
// the /metrics route exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dispatch"

// ── Session metrics ───────────────────────────────────────────────────────────

// SessionsActive tracks the number of live authenticated sessions.
var SessionsActive = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of live authenticated realtime sessions.",
	},
)

// AuthFailuresTotal counts connections refused at the handshake.
// Label:
//   - reason: "missing_token", "invalid_token"
var AuthFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_failures_total",
		Help:      "Total number of realtime handshakes refused.",
	},
	[]string{"reason"},
)

// ── Command metrics ───────────────────────────────────────────────────────────

// CommandsTotal counts inbound commands by wire name.
var CommandsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Total number of realtime commands received, by command.",
	},
	[]string{"command"},
)

// CommandsDeniedTotal counts commands silently dropped by the gate.
var CommandsDeniedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_denied_total",
		Help:      "Total number of realtime commands dropped by the authorization gate.",
	},
	[]string{"command"},
)

// CommandErrorsTotal counts commands aborted by a store error.
var CommandErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "command_errors_total",
		Help:      "Total number of realtime commands aborted by a repository error.",
	},
	[]string{"command"},
)

// ── Broadcast metrics ─────────────────────────────────────────────────────────

// BroadcastsTotal counts fan-outs by event name.
var BroadcastsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcasts_total",
		Help:      "Total number of broadcasts emitted, by event.",
	},
	[]string{"event"},
)

// BroadcastsDropped counts frames lost to full session buffers.
var BroadcastsDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcasts_dropped_total",
		Help:      "Total number of broadcast frames dropped on full session buffers.",
	},
	[]string{"event"},
)
