package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aawallet"

var (
	// ── Chain reader ──────────────────────────────────────────────────────────

	ChainReadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chain_read_failures_total",
		Help:      "Reveal-status reads that failed per strategy",
	}, []string{"strategy"})

	RevealChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reveal_checks_total",
		Help:      "Reveal-status reads by outcome (revealable, pending, failed_closed)",
	}, []string{"outcome"})

	// ── Watcher ───────────────────────────────────────────────────────────────

	WatcherTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "watcher_tasks",
		Help:      "Monitoring tasks currently in the registry",
	})

	WatcherPorts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "watcher_ports",
		Help:      "Foreground ports currently attached",
	})

	WatcherMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "watcher_messages_total",
		Help:      "Messages dispatched by the watcher, by type",
	}, []string{"type"})

	WatcherDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "watcher_messages_dropped_total",
		Help:      "Messages dropped because a port buffer was full",
	})

	// ── Relay pipeline ────────────────────────────────────────────────────────

	RelayAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_attempts_total",
		Help:      "Relay calls by method and result",
	}, []string{"method", "result"})

	RelayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "relay_request_duration_seconds",
		Help:      "Relay JSON-RPC latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	AllRelaysUnavailable = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "all_relays_unavailable_total",
		Help:      "Submission attempts where no relay produced a usable estimate",
	})

	FallbackExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fallback_executions_total",
		Help:      "Direct entry-point submissions by result",
	}, []string{"result"})
)
