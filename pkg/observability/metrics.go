package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RPC metrics
	rpcRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_rpc_requests_total",
			Help: "Total number of RPC requests routed to agents",
		},
		[]string{"agent_type", "status"},
	)

	rpcTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentbus_rpc_timeouts_total",
			Help: "Total number of RPC requests that exceeded the wait bound",
		},
	)

	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentbus_pending_requests",
			Help: "Number of RPC requests awaiting a response",
		},
	)

	handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbus_handler_duration_seconds",
			Help:    "Agent message handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent_type"},
	)

	// Publish metrics
	publishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_publish_total",
			Help: "Total number of publish calls",
		},
		[]string{"topic"},
	)

	publishDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_publish_deliveries_total",
			Help: "Total number of per-subscriber publish deliveries",
		},
		[]string{"topic", "status"},
	)

	// Dispatch loop metrics
	envelopesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_envelopes_total",
			Help: "Total number of envelopes drained from the mailbox",
		},
		[]string{"kind"},
	)

	unmatchedResponsesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentbus_unmatched_responses_total",
			Help: "Total number of responses dropped for lack of a pending request",
		},
	)

	mailboxDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentbus_mailbox_depth",
			Help: "Number of envelopes waiting in the mailbox",
		},
	)

	// Subscription metrics
	subscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentbus_subscriptions_active",
			Help: "Number of live subscriptions in the index",
		},
	)

	agentsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentbus_agents_active",
			Help: "Number of activated agent instances",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			rpcRequestsTotal,
			rpcTimeoutsTotal,
			pendingRequests,
			handlerDuration,
			publishTotal,
			publishDeliveriesTotal,
			envelopesTotal,
			unmatchedResponsesTotal,
			mailboxDepth,
			subscriptionsActive,
			agentsActive,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordRPCRequest records the outcome of one routed RPC request
func RecordRPCRequest(agentType, status string, duration time.Duration) {
	rpcRequestsTotal.WithLabelValues(agentType, status).Inc()
	handlerDuration.WithLabelValues(agentType).Observe(duration.Seconds())
}

// RecordRPCTimeout records an RPC request exceeding its wait bound
func RecordRPCTimeout() {
	rpcTimeoutsTotal.Inc()
}

// SetPendingRequests sets the pending-request gauge
func SetPendingRequests(count int) {
	pendingRequests.Set(float64(count))
}

// RecordPublish records a publish call on a topic
func RecordPublish(topic string) {
	publishTotal.WithLabelValues(topic).Inc()
}

// RecordPublishDelivery records one per-subscriber delivery outcome
func RecordPublishDelivery(topic, status string) {
	publishDeliveriesTotal.WithLabelValues(topic, status).Inc()
}

// RecordEnvelope records one envelope drained from the mailbox
func RecordEnvelope(kind string) {
	envelopesTotal.WithLabelValues(kind).Inc()
}

// RecordUnmatchedResponse records a dropped response with no pending request
func RecordUnmatchedResponse() {
	unmatchedResponsesTotal.Inc()
}

// SetMailboxDepth sets the mailbox depth gauge
func SetMailboxDepth(depth int) {
	mailboxDepth.Set(float64(depth))
}

// SetActiveSubscriptions sets the live-subscription gauge
func SetActiveSubscriptions(count int) {
	subscriptionsActive.Set(float64(count))
}

// SetActiveAgents sets the activated-agent gauge
func SetActiveAgents(count int) {
	agentsActive.Set(float64(count))
}
