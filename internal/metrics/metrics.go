// Package metrics defines the prometheus instruments for the control
// plane. Label values are drawn from bounded sets so cardinality stays
// fixed no matter what brokers or tasks report.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
const (
	// Task run outcomes (bounded set)
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeTimeout   = "timeout"
	OutcomePanic     = "panic"
	OutcomeCancelled = "cancelled"
	OutcomeSkipped   = "skipped"

	// Broker API error categories (bounded set)
	BrokerErrorTimeout    = "timeout"
	BrokerErrorRateLimit  = "rate_limit"
	BrokerErrorAuth       = "authentication"
	BrokerErrorNetwork    = "network"
	BrokerErrorInvalidReq = "invalid_request"
	BrokerErrorServer     = "server_error"
	BrokerErrorOther      = "other"
)

// NormalizeBrokerError maps arbitrary broker errors to the bounded
// category set.
func NormalizeBrokerError(err error) string {
	if err == nil {
		return ""
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline"):
		return BrokerErrorTimeout
	case strings.Contains(s, "rate") || strings.Contains(s, "429"):
		return BrokerErrorRateLimit
	case strings.Contains(s, "auth") || strings.Contains(s, "credential") || strings.Contains(s, "401") || strings.Contains(s, "403"):
		return BrokerErrorAuth
	case strings.Contains(s, "connection") || strings.Contains(s, "network") || strings.Contains(s, "refused"):
		return BrokerErrorNetwork
	case strings.Contains(s, "invalid") || strings.Contains(s, "400"):
		return BrokerErrorInvalidReq
	case strings.Contains(s, "500") || strings.Contains(s, "502") || strings.Contains(s, "503"):
		return BrokerErrorServer
	default:
		return BrokerErrorOther
	}
}

// Scheduler metrics
var (
	// Task executions by outcome
	TaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarterdeck_task_runs_total",
		Help: "Scheduled task executions by outcome",
	}, []string{"scope", "task", "outcome"})

	// Task wall time
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quarterdeck_task_duration_seconds",
		Help:    "Scheduled task wall time in seconds",
		Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 90, 180},
	}, []string{"scope", "task"})

	// Unix time of the last successful run per task
	TaskLastSuccess = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quarterdeck_task_last_success_timestamp_seconds",
		Help: "Unix time of the task's last successful run",
	}, []string{"scope", "task"})

	// Staleness flag per task
	TaskStale = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quarterdeck_task_stale",
		Help: "1 when the task's last success is older than its max age",
	}, []string{"scope", "task"})
)

// Execution metrics
var (
	// Gate decisions by outcome
	ExecutionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarterdeck_execution_decisions_total",
		Help: "Execution gate decisions by outcome",
	}, []string{"scope", "outcome"})

	// Broker adapter errors by category
	BrokerAPIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarterdeck_broker_api_errors_total",
		Help: "Broker adapter errors by bounded category",
	}, []string{"broker", "category"})
)

// Reconciliation metrics
var (
	// Fills folded into the ledger
	FillsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarterdeck_fills_applied_total",
		Help: "Broker fills folded into the position ledger",
	}, []string{"scope"})

	// Open positions in the canonical ledger
	OpenPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quarterdeck_open_positions",
		Help: "Number of open positions in the canonical ledger",
	}, []string{"scope"})
)

// Regime metrics
var (
	// Validation runs by verdict
	RegimeRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarterdeck_regime_runs_total",
		Help: "Regime validation runs by verdict",
	}, []string{"scope", "verdict"})
)

// Universe metrics
var (
	// Active universe size
	UniverseSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quarterdeck_universe_size",
		Help: "Active universe size per scope",
	}, []string{"scope"})

	// Change sets by disposition (applied or discarded)
	UniverseChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarterdeck_universe_changes_total",
		Help: "Universe change sets by disposition",
	}, []string{"scope", "disposition"})
)

// Governance metrics
var (
	// Proposals by final recommendation
	GovernanceProposals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarterdeck_governance_proposals_total",
		Help: "Constitutional proposals by final recommendation",
	}, []string{"scope", "recommendation"})
)

// Ops API metrics
var (
	// API requests by route and status
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quarterdeck_http_requests_total",
		Help: "Ops API requests by method, route, and status",
	}, []string{"method", "route", "status"})

	// API request latency
	APIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quarterdeck_http_request_duration_seconds",
		Help:    "Ops API request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// Connected decision-stream clients
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quarterdeck_websocket_clients",
		Help: "Connected decision-stream websocket clients",
	})
)
