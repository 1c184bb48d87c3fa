package engine

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the match server. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ticks            prometheus.Counter
	matchesCreated   prometheus.Counter
	matchesFinished  *prometheus.CounterVec
	commandsRejected *prometheus.CounterVec
	payouts          *prometheus.CounterVec
	activeMatches    prometheus.Gauge
	tickBatch        prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snake_ticks_total",
			Help: "Match ticks executed.",
		}),
		matchesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snake_matches_created_total",
			Help: "Matches created by the registry.",
		}),
		matchesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snake_matches_finished_total",
			Help: "Matches that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		commandsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snake_commands_rejected_total",
			Help: "Direction commands rejected, by reason.",
		}, []string{"reason"}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snake_payouts_total",
			Help: "Payout transfers attempted, by result.",
		}, []string{"result"}),
		activeMatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snake_active_matches",
			Help: "Matches currently held by the registry.",
		}),
		tickBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "snake_tick_batch_seconds",
			Help:    "Time spent advancing every active match once.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
	reg.MustRegister(
		m.ticks,
		m.matchesCreated,
		m.matchesFinished,
		m.commandsRejected,
		m.payouts,
		m.activeMatches,
		m.tickBatch,
	)
	return m
}

func (m *Metrics) tick() {
	if m != nil {
		m.ticks.Inc()
	}
}

func (m *Metrics) matchCreated(active int) {
	if m != nil {
		m.matchesCreated.Inc()
		m.activeMatches.Set(float64(active))
	}
}

func (m *Metrics) matchRemoved(active int) {
	if m != nil {
		m.activeMatches.Set(float64(active))
	}
}

func (m *Metrics) matchFinished(draw bool) {
	if m == nil {
		return
	}
	outcome := "win"
	if draw {
		outcome = "draw"
	}
	m.matchesFinished.WithLabelValues(outcome).Inc()
}

func (m *Metrics) commandRejected(err error) {
	if m == nil {
		return
	}
	m.commandsRejected.WithLabelValues(rejectReason(err)).Inc()
}

func (m *Metrics) payout(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.payouts.WithLabelValues(result).Inc()
}

func (m *Metrics) observeBatch(d time.Duration) {
	if m != nil {
		m.tickBatch.Observe(d.Seconds())
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrStaleCommand):
		return "stale"
	case errors.Is(err, ErrUnknownPlayer):
		return "unknown_player"
	case errors.Is(err, ErrInvalidDirection):
		return "invalid_direction"
	case errors.Is(err, ErrNoMatch):
		return "no_match"
	case errors.Is(err, ErrMatchFinished):
		return "finished"
	default:
		return "other"
	}
}
