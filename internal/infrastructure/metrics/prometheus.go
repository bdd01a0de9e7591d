package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vitos/orderflow_bot/internal/domain"
)

const namespace = "orderflow"

// Prometheus records bot events as prometheus collectors registered on reg.
type Prometheus struct {
	ticks          *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	ticksSkipped   prometheus.Counter
	signals        *prometheus.CounterVec
	lastScore      prometheus.Gauge
	positionsOpen  *prometheus.CounterVec
	positionsClose *prometheus.CounterVec
	realizedPnL    prometheus.Gauge
	trades         *prometheus.CounterVec
	exchangeErrors *prometheus.CounterVec
}

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	m := &Prometheus{
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "ticks_total", Help: "Evaluation ticks by outcome"},
			[]string{"outcome"},
		),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Evaluation tick latency",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		ticksSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "ticks_skipped_total", Help: "Ticks skipped while the previous one was running"},
		),
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "signals_total", Help: "Composite signals by direction"},
			[]string{"direction"},
		),
		lastScore: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "signal_score", Help: "Score of the latest composite signal"},
		),
		positionsOpen: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "positions_opened_total", Help: "Positions opened by side"},
			[]string{"side"},
		),
		positionsClose: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "positions_closed_total", Help: "Positions closed by reason"},
			[]string{"reason"},
		),
		realizedPnL: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "realized_pnl", Help: "Realized PnL in quote currency since start"},
		),
		trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "trades_ingested_total", Help: "Feed trades by ingestion result"},
			[]string{"result"},
		),
		exchangeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "exchange_errors_total", Help: "Failed exchange calls by operation"},
			[]string{"op"},
		),
	}
	reg.MustRegister(
		m.ticks, m.tickDuration, m.ticksSkipped, m.signals, m.lastScore,
		m.positionsOpen, m.positionsClose, m.realizedPnL, m.trades, m.exchangeErrors,
	)
	return m
}

func (m *Prometheus) TickCompleted(outcome string, took time.Duration) {
	m.ticks.WithLabelValues(outcome).Inc()
	m.tickDuration.Observe(took.Seconds())
}

func (m *Prometheus) TickSkipped() {
	m.ticksSkipped.Inc()
}

func (m *Prometheus) SignalEmitted(direction domain.Direction, score int) {
	m.signals.WithLabelValues(string(direction)).Inc()
	m.lastScore.Set(float64(score))
}

func (m *Prometheus) PositionOpened(side domain.Side) {
	m.positionsOpen.WithLabelValues(string(side)).Inc()
}

func (m *Prometheus) PositionClosed(reason domain.CloseReason, pnl float64) {
	m.positionsClose.WithLabelValues(string(reason)).Inc()
	m.realizedPnL.Add(pnl)
}

func (m *Prometheus) TradesIngested(accepted, rejected int) {
	m.trades.WithLabelValues("accepted").Add(float64(accepted))
	m.trades.WithLabelValues("rejected").Add(float64(rejected))
}

func (m *Prometheus) ExchangeError(op string) {
	m.exchangeErrors.WithLabelValues(op).Inc()
}
