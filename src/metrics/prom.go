package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var opLabels = []string{"op", "result"}

var operationCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "escrow_operations",
	Help: "Number of ledger operations by outcome, result is the error kind or `ok`",
}, opLabels)

var eventCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "escrow_events_committed",
	Help: "Number of audit events committed to the journal",
}, []string{"type"})

var poolBalanceGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "escrow_pool_balance",
	Help: "Committed pool balance in settlement units",
}, []string{"sponsor"})

var paidCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "escrow_bounty_paid_units",
	Help: "Settlement units debited from pools for bounty payouts",
}, []string{"sponsor"})

var settlementCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "escrow_settlements",
	Help: "Number of settlement executions",
}, []string{"from", "to", "result"})

var slippageHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "escrow_settlement_slippage_bps",
	Help:    "Shortfall of measured output against the quote, in basis points",
	Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
}, []string{"from", "to"})

var poolDriftGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "escrow_pool_drift",
	Help: "Vault balance minus recorded pool balance, non-zero means an out of band transfer",
}, []string{"sponsor"})

var replayCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "escrow_replayed_actions",
	Help: "Number of requests rejected for reusing an action id",
})

func RecordOperation(op string, kind string) {
	if kind == "" {
		kind = "ok"
	}
	operationCounter.With(prometheus.Labels{"op": op, "result": kind}).Inc()
}

func RecordEvent(eventType string) {
	eventCounter.With(prometheus.Labels{"type": eventType}).Inc()
}

func RecordPoolBalance(sponsor string, balance uint64) {
	poolBalanceGauge.With(prometheus.Labels{"sponsor": sponsor}).Set(float64(balance))
}

func RecordBountyPaid(sponsor string, amount uint64) {
	paidCounter.With(prometheus.Labels{"sponsor": sponsor}).Add(float64(amount))
}

func RecordSettlement(from, to string, quoted, measured uint64) {
	settlementCounter.With(prometheus.Labels{"from": from, "to": to, "result": "ok"}).Inc()
	shortfall := 0.0
	if quoted > 0 && measured < quoted {
		shortfall = float64(quoted-measured) / float64(quoted) * 10000
	}
	slippageHistogram.With(prometheus.Labels{"from": from, "to": to}).Observe(shortfall)
}

func RecordSettlementFailure(from, to, kind string) {
	settlementCounter.With(prometheus.Labels{"from": from, "to": to, "result": kind}).Inc()
}

func RecordPoolDrift(sponsor string, recorded, held uint64) {
	poolDriftGauge.With(prometheus.Labels{"sponsor": sponsor}).Set(float64(held) - float64(recorded))
}

func RecordReplay() {
	replayCounter.Inc()
}

func StartPromServer(log *zap.Logger, port string) {
	go func() { // prom http handler, separate from the main server
		http.Handle("/metrics", promhttp.Handler())
		log.Info("hosting prom stats on " + port + "/metrics")
		if err := http.ListenAndServe(port, nil); err != nil {
			log.Error("prom server stopped", zap.Error(err))
		}
	}()
}
