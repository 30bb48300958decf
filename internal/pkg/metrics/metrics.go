package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WithdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyvault_withdrawals_total",
		Help: "Withdrawal request transitions by resulting status",
	}, []string{"status"})

	PolicyDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyvault_policy_denials_total",
		Help: "Access policy denials by reason",
	}, []string{"reason"})

	RiskScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polyvault_risk_score",
		Help:    "Distribution of computed withdrawal risk scores",
		Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
	})

	ApprovalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyvault_approvals_total",
		Help: "Recorded approval decisions",
	}, []string{"decision"})

	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyvault_executions_total",
		Help: "Multi-signature execution attempts by outcome",
	}, []string{"outcome"})

	ExecutionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polyvault_execution_latency_seconds",
		Help:    "Time spent collecting signatures and broadcasting",
		Buckets: prometheus.DefBuckets,
	})

	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyvault_sweep_runs_total",
		Help: "Monitoring sweep runs",
	}, []string{"sweep"})

	SweepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyvault_sweep_failures_total",
		Help: "Per-wallet monitoring sweep failures",
	}, []string{"sweep"})

	WalletHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "polyvault_wallet_health",
		Help: "Wallet health: 0 healthy, 1 warning, 2 critical",
	}, []string{"wallet_id"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polyvault_http_latency_seconds",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyvault_http_requests_total",
		Help: "HTTP requests by route template, method and status class",
	}, []string{"endpoint", "method", "class"})
)
