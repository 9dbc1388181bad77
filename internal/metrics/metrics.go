// Package metrics defines the process-wide Prometheus collectors shared by
// the receiver, queue, and delivery pipeline, exposed on the monitoring
// HTTP server's /metrics endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// QueueWrites counts Manager.Put calls, labeled by destination queue.
var QueueWrites = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mtad_queue_writes_total",
		Help: "Number of messages written into a queue directory.",
	},
	[]string{"queue"},
)

// QueueMoves counts Manager.Move calls, labeled by source and destination
// queue.
var QueueMoves = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mtad_queue_moves_total",
		Help: "Number of messages moved between queue directories.",
	},
	[]string{"from", "to"},
)

// DeliveryAttempts counts delivery attempts per transport and outcome
// (sent, deferred, failed).
var DeliveryAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mtad_delivery_attempts_total",
		Help: "Number of delivery attempts, by transport and outcome.",
	},
	[]string{"transport", "outcome"},
)

// ReceiverCommands counts SMTP commands processed, by verb and response
// class (2xx/4xx/5xx).
var ReceiverCommands = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mtad_receiver_commands_total",
		Help: "Number of SMTP commands processed, by verb and response class.",
	},
	[]string{"verb", "class"},
)

// PolicyVerdicts counts policy engine verdicts, by checkpoint and verdict
// kind.
var PolicyVerdicts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mtad_policy_verdicts_total",
		Help: "Number of policy verdicts returned, by checkpoint and verdict kind.",
	},
	[]string{"checkpoint", "verdict"},
)

func init() {
	prometheus.MustRegister(
		QueueWrites,
		QueueMoves,
		DeliveryAttempts,
		ReceiverCommands,
		PolicyVerdicts,
		AliasHookResults,
	)
}

// AliasHookResults counts alias resolve/exists hook invocations, by hook
// and outcome.
var AliasHookResults = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mtad_alias_hook_results_total",
		Help: "Number of alias hook invocations, by hook and result.",
	},
	[]string{"hook", "result"},
)
