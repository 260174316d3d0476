// Package observability carries the runtime's structured logging and
// Prometheus metrics, generalizing the teacher's core/system_health_logging.go
// HealthLogger from chain-height/peer-count gauges to the governance
// runtime's own invocation, DAG, ledger, and federation counters.
package observability

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics registers and exposes the Prometheus gauges/counters this runtime
// emits during engine invocations, DAG writes, ledger updates, and
// federation bundle processing.
type Metrics struct {
	registry *prometheus.Registry

	invocationsTotal   *prometheus.CounterVec
	fuelConsumedTotal  prometheus.Counter
	dagNodesTotal      prometheus.Counter
	dagTipsGauge       prometheus.Gauge
	proposalsGauge     *prometheus.GaugeVec
	ledgerBalanceGauge *prometheus.GaugeVec
	bundlesAccepted    prometheus.Counter
	replicationGap     prometheus.Gauge
	eventGapsTotal     prometheus.Counter
}

// NewMetrics constructs a Metrics registry with every gauge/counter the
// runtime's subsystems report into.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.invocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "governance_invocations_total",
		Help: "Total wasm invocations processed, labeled by outcome",
	}, []string{"outcome"})
	m.fuelConsumedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "governance_fuel_consumed_total",
		Help: "Cumulative fuel consumed across all invocations",
	})
	m.dagNodesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "governance_dag_nodes_total",
		Help: "Total DAG nodes appended",
	})
	m.dagTipsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "governance_dag_tips",
		Help: "Current number of DAG tips",
	})
	m.proposalsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "governance_proposals",
		Help: "Current proposal count, labeled by lifecycle state",
	}, []string{"state"})
	m.ledgerBalanceGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "governance_ledger_balance",
		Help: "Current resource ledger balance, labeled by token type and scope",
	}, []string{"token_type", "scope"})
	m.bundlesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "governance_trust_bundles_accepted_total",
		Help: "Total trust bundles accepted by this node",
	})
	m.replicationGap = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "governance_replication_shortfall",
		Help: "Most recently observed blob replication shortfall",
	})
	m.eventGapsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "governance_event_gaps_total",
		Help: "Total gap markers inserted into subscriber backlogs",
	})

	reg.MustRegister(
		m.invocationsTotal,
		m.fuelConsumedTotal,
		m.dagNodesTotal,
		m.dagTipsGauge,
		m.proposalsGauge,
		m.ledgerBalanceGauge,
		m.bundlesAccepted,
		m.replicationGap,
		m.eventGapsTotal,
	)
	return m
}

func (m *Metrics) ObserveInvocation(outcome string, consumedFuel uint64) {
	m.invocationsTotal.WithLabelValues(outcome).Inc()
	m.fuelConsumedTotal.Add(float64(consumedFuel))
}

func (m *Metrics) ObserveDAGNode(tips int) {
	m.dagNodesTotal.Inc()
	m.dagTipsGauge.Set(float64(tips))
}

func (m *Metrics) SetProposalCount(state string, n int) {
	m.proposalsGauge.WithLabelValues(state).Set(float64(n))
}

func (m *Metrics) SetLedgerBalance(tokenType, scope string, balance int64) {
	m.ledgerBalanceGauge.WithLabelValues(tokenType, scope).Set(float64(balance))
}

func (m *Metrics) ObserveBundleAccepted() { m.bundlesAccepted.Inc() }

func (m *Metrics) SetReplicationShortfall(shortfall int) {
	m.replicationGap.Set(float64(shortfall))
}

func (m *Metrics) ObserveEventGap() { m.eventGapsTotal.Inc() }

// StartServer exposes /metrics on addr, returning the underlying server so
// callers can manage its shutdown.
func (m *Metrics) StartServer(addr string, log *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	return srv
}

// Shutdown gracefully stops the metrics HTTP server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
