// Package metrics defines the server's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for CommandResults.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

// Label values for AuthAttempts.
const (
	KindAgent = "agent"
	KindAdmin = "admin"

	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultThrottled = "throttled"
)

// Metrics holds the server instruments.
type Metrics struct {
	// Saturation: agents with a live connection.
	AgentsConnected prometheus.Gauge

	// Traffic: commands forwarded to agents, by shell.
	CommandsDispatched *prometheus.CounterVec

	// Errors: command results reported back, by outcome.
	CommandResults *prometheus.CounterVec

	// Authentication attempts by kind (agent, admin) and result.
	AuthAttempts *prometheus.CounterVec
}

// New registers the instruments with reg. A nil reg uses a private
// registry that is never exported.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		AgentsConnected: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "stark_agents_connected",
			Help: "Number of agents with a live connection.",
		}),

		CommandsDispatched: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "stark_commands_dispatched_total",
			Help: "Total number of commands forwarded to agents.",
		}, []string{"shell"}),

		CommandResults: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "stark_command_results_total",
			Help: "Total number of command results received, by outcome.",
		}, []string{"outcome"}),

		AuthAttempts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "stark_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"kind", "result"}),
	}
}

// Outcome classifies a result for the CommandResults counter.
func Outcome(success bool, errMsg, timeoutMsg string) string {
	switch {
	case success:
		return OutcomeSuccess
	case errMsg == timeoutMsg:
		return OutcomeTimeout
	default:
		return OutcomeFailure
	}
}
