// Package metrics provides the Prometheus collectors for build execution.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors for one registry. All methods are safe on a
// nil *Metrics, so callers may leave metrics unconfigured.
type Metrics struct {
	AttemptsTotal    *prometheus.CounterVec
	AttemptDuration  *prometheus.HistogramVec
	TasksTotal       *prometheus.CounterVec
	TokensTotal      *prometheus.CounterVec
	CostTotal        *prometheus.CounterVec
	CommitsTotal     *prometheus.CounterVec
	GatesTotal       *prometheus.CounterVec
	BudgetWarnings   prometheus.Counter
	WebSocketClients prometheus.Gauge
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer in
// production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elisa_executor_attempts_total",
				Help: "Agent attempts by agent and result",
			},
			[]string{"agent", "result"},
		),
		AttemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "elisa_executor_attempt_duration_seconds",
				Help:    "Wall time of a single agent attempt",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"agent"},
		),
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elisa_executor_tasks_total",
				Help: "Tasks reaching a terminal outcome",
			},
			[]string{"outcome"},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elisa_tokens_total",
				Help: "Tokens consumed by agent and direction",
			},
			[]string{"agent", "direction"},
		),
		CostTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elisa_cost_usd_total",
				Help: "Cost in USD by agent",
			},
			[]string{"agent"},
		),
		CommitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elisa_git_commits_total",
				Help: "Git commit attempts by result (created, empty, failed)",
			},
			[]string{"result"},
		),
		GatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elisa_gates_total",
				Help: "Human gates by kind and decision",
			},
			[]string{"kind", "decision"},
		),
		BudgetWarnings: factory.NewCounter(prometheus.CounterOpts{
			Name: "elisa_budget_warnings_total",
			Help: "Budget warnings emitted",
		}),
		WebSocketClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "elisa_websocket_clients",
			Help: "Connected event stream clients",
		}),
	}
}

// ObserveAttempt records one agent attempt.
func (m *Metrics) ObserveAttempt(agent string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.AttemptsTotal.WithLabelValues(agent, result).Inc()
	m.AttemptDuration.WithLabelValues(agent).Observe(elapsed.Seconds())
}

// ObserveTask records a terminal task outcome ("done", "failed", "budget_exceeded").
func (m *Metrics) ObserveTask(outcome string) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(outcome).Inc()
}

// ObserveTokens records token and cost usage for agent.
func (m *Metrics) ObserveTokens(agent string, input, output int, costUSD float64) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues(agent, "input").Add(float64(max(input, 0)))
	m.TokensTotal.WithLabelValues(agent, "output").Add(float64(max(output, 0)))
	m.CostTotal.WithLabelValues(agent).Add(max(costUSD, 0))
}

// ObserveCommit records a commit attempt result.
func (m *Metrics) ObserveCommit(result string) {
	if m == nil {
		return
	}
	m.CommitsTotal.WithLabelValues(result).Inc()
}

// ObserveGate records a resolved human gate.
func (m *Metrics) ObserveGate(kind string, approved bool) {
	if m == nil {
		return
	}
	decision := "rejected"
	if approved {
		decision = "approved"
	}
	m.GatesTotal.WithLabelValues(kind, decision).Inc()
}

// ObserveBudgetWarning counts a budget warning.
func (m *Metrics) ObserveBudgetWarning() {
	if m == nil {
		return
	}
	m.BudgetWarnings.Inc()
}

// ClientConnected adjusts the connected event stream client gauge by delta.
func (m *Metrics) ClientConnected(delta int) {
	if m == nil {
		return
	}
	m.WebSocketClients.Add(float64(delta))
}
