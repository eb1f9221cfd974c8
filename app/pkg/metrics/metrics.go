// Package metrics exposes process-level Prometheus collectors for the
// orchestration loops and the agent runner.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesInbound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jorbd_messages_inbound_total",
		Help: "Inbound events accepted for processing.",
	})

	MessagesOutbound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jorbd_messages_outbound_total",
		Help: "Outbound messages handed to a channel sender.",
	})

	EchoesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jorbd_echoes_suppressed_total",
		Help: "Inbound events discarded as echoes of our own outbound messages.",
	})

	OracleCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jorbd_oracle_calls_total",
		Help: "Decision oracle invocations by purpose.",
	}, []string{"purpose"})

	OracleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jorbd_oracle_failures_total",
		Help: "Decision oracle invocations that returned an error.",
	}, []string{"purpose"})

	LoopTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jorbd_loop_ticks_total",
		Help: "Completed scheduler loop ticks by loop name.",
	}, []string{"loop"})

	LoopErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jorbd_loop_errors_total",
		Help: "Scheduler loop ticks that ended in error.",
	}, []string{"loop"})

	ContextResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jorbd_context_resets_total",
		Help: "Completed context reset cycles.",
	})

	OpenJorbs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jorbd_open_jorbs",
		Help: "Jorbs currently in an open status.",
	})
)
