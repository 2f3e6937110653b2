package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "salaryflow"

var (
	txMetricsOnce sync.Once
	txRegistry    *TxMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	streamMetricsOnce sync.Once
	streamRegistry    *StreamMetrics
)

// TxMetrics wraps collectors tracking mutating transaction lifecycles.
type TxMetrics struct {
	submissions  *prometheus.CounterVec
	failures     *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	confirmation *prometheus.HistogramVec
	inFlight     *prometheus.GaugeVec
}

// Tx exposes the metrics registry for the transaction orchestrators.
func Tx() *TxMetrics {
	txMetricsOnce.Do(func() {
		txRegistry = &TxMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tx",
				Name:      "submissions_total",
				Help:      "Mutating transactions that reached a terminal state, by kind and outcome.",
			}, []string{"kind", "outcome"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tx",
				Name:      "failures_total",
				Help:      "Failed transactions segmented by kind and error category.",
			}, []string{"kind", "category"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tx",
				Name:      "in_flight_rejections_total",
				Help:      "Submissions refused because another transaction of the same kind was in flight.",
			}, []string{"kind"}),
			confirmation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "tx",
				Name:      "confirmation_seconds",
				Help:      "Time from submission to terminal state.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
			}, []string{"kind"}),
			inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "tx",
				Name:      "in_flight",
				Help:      "Transactions currently submitting or awaiting confirmation.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			txRegistry.submissions,
			txRegistry.failures,
			txRegistry.rejections,
			txRegistry.confirmation,
			txRegistry.inFlight,
		)
	})
	return txRegistry
}

// Started marks a transaction as in flight.
func (m *TxMetrics) Started(kind string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(label(kind)).Inc()
}

// Finished records the terminal outcome of a transaction. An empty category
// means success.
func (m *TxMetrics) Finished(kind, category string, d time.Duration) {
	if m == nil {
		return
	}
	kind = label(kind)
	m.inFlight.WithLabelValues(kind).Dec()
	m.confirmation.WithLabelValues(kind).Observe(d.Seconds())
	if category == "" {
		m.submissions.WithLabelValues(kind, "confirmed").Inc()
		return
	}
	m.submissions.WithLabelValues(kind, "failed").Inc()
	m.failures.WithLabelValues(kind, label(category)).Inc()
}

// RecordRejection counts a submission refused by the single in-flight rule.
func (m *TxMetrics) RecordRejection(kind string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(label(kind)).Inc()
}

// LedgerMetrics captures ledger RPC latency and errors.
type LedgerMetrics struct {
	latency *prometheus.HistogramVec
	errors  *prometheus.CounterVec
}

// Ledger exposes the metrics registry for ledger calls.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "call_duration_seconds",
				Help:      "Latency of ledger RPC calls by method.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "errors_total",
				Help:      "Ledger RPC failures by method.",
			}, []string{"method"}),
		}
		prometheus.MustRegister(ledgerRegistry.latency, ledgerRegistry.errors)
	})
	return ledgerRegistry
}

// Observe records one ledger call.
func (m *LedgerMetrics) Observe(method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	method = label(method)
	m.latency.WithLabelValues(method).Observe(d.Seconds())
	if err != nil {
		m.errors.WithLabelValues(method).Inc()
	}
}

// StreamMetrics exports the last refreshed view of tracked streams.
type StreamMetrics struct {
	balance      *prometheus.GaugeVec
	withdrawable *prometheus.GaugeVec
	refundable   *prometheus.GaugeVec
	secondsLeft  *prometheus.GaugeVec
	refreshes    *prometheus.CounterVec
}

// Streams exposes the metrics registry for tracked stream views.
func Streams() *StreamMetrics {
	streamMetricsOnce.Do(func() {
		labels := []string{"stream", "token"}
		streamRegistry = &StreamMetrics{
			balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "balance",
				Help:      "Stream balance in whole tokens (display precision).",
			}, labels),
			withdrawable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "withdrawable",
				Help:      "Withdrawable amount in whole tokens (display precision).",
			}, labels),
			refundable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "refundable",
				Help:      "Refundable amount in whole tokens (display precision).",
			}, labels),
			secondsLeft: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "seconds_until_depletion",
				Help:      "Seconds until the stream balance is exhausted; -1 when it never depletes.",
			}, labels),
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "refreshes_total",
				Help:      "Stream view refreshes by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			streamRegistry.balance,
			streamRegistry.withdrawable,
			streamRegistry.refundable,
			streamRegistry.secondsLeft,
			streamRegistry.refreshes,
		)
	})
	return streamRegistry
}

// RecordView updates the gauges for one stream. Amounts are minor units that
// are scaled by decimals for the gauge.
func (m *StreamMetrics) RecordView(stream, token string, decimals int, balance, withdrawable, refundable *big.Int, secondsLeft float64) {
	if m == nil {
		return
	}
	token = labelAsset(token)
	m.balance.WithLabelValues(stream, token).Set(scaledFloat(balance, decimals))
	m.withdrawable.WithLabelValues(stream, token).Set(scaledFloat(withdrawable, decimals))
	m.refundable.WithLabelValues(stream, token).Set(scaledFloat(refundable, decimals))
	m.secondsLeft.WithLabelValues(stream, token).Set(secondsLeft)
}

// RecordRefresh counts one refresh attempt.
func (m *StreamMetrics) RecordRefresh(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func label(value string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return "unknown"
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func scaledFloat(value *big.Int, decimals int) float64 {
	if value == nil {
		return 0
	}
	f := new(big.Float).SetInt(value)
	if decimals > 0 {
		f.Quo(f, new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)))
	}
	floatVal, _ := f.Float64()
	if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
		return 0
	}
	return floatVal
}
