// Package metrics exports Prometheus instruments for the governance engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "povledger"

type Metrics struct {
	votesCast        *prometheus.CounterVec
	blocksApproved   prometheus.Counter
	blocksDiscarded  *prometheus.CounterVec
	chainHeight      prometheus.Gauge
	requestsOpened   prometheus.Counter
	requestsResolved *prometheus.CounterVec
	remindersSent    prometheus.Counter
	notifyFailures   prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		votesCast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_cast_total",
			Help:      "Votes accepted, by subject kind and decision.",
		}, []string{"subject", "decision"}),
		blocksApproved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_approved_total",
			Help:      "Blocks that reached approve quorum and were appended.",
		}),
		blocksDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_discarded_total",
			Help:      "Proposed blocks discarded, by reason.",
		}, []string{"reason"}),
		chainHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_height",
			Help:      "Index of the last appended block.",
		}),
		requestsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_requests_total",
			Help:      "Membership requests submitted.",
		}),
		requestsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_requests_resolved_total",
			Help:      "Membership requests reaching a terminal status, by status and reason.",
		}, []string{"status", "reason"}),
		remindersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_reminders_total",
			Help:      "Reminder notifications issued for pending requests.",
		}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Notifications the sink failed to deliver.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.votesCast,
			m.blocksApproved,
			m.blocksDiscarded,
			m.chainHeight,
			m.requestsOpened,
			m.requestsResolved,
			m.remindersSent,
			m.notifyFailures,
		)
	}

	return m
}

func (m *Metrics) VoteCast(subject, decision string) {
	if m == nil {
		return
	}
	m.votesCast.WithLabelValues(subject, decision).Inc()
}

func (m *Metrics) BlockApproved(index uint64) {
	if m == nil {
		return
	}
	m.blocksApproved.Inc()
	m.chainHeight.Set(float64(index))
}

func (m *Metrics) BlockDiscarded(reason string) {
	if m == nil {
		return
	}
	m.blocksDiscarded.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetChainHeight(index uint64) {
	if m == nil {
		return
	}
	m.chainHeight.Set(float64(index))
}

func (m *Metrics) RequestSubmitted() {
	if m == nil {
		return
	}
	m.requestsOpened.Inc()
}

func (m *Metrics) RequestResolved(status, reason string) {
	if m == nil {
		return
	}
	m.requestsResolved.WithLabelValues(status, reason).Inc()
}

func (m *Metrics) ReminderSent() {
	if m == nil {
		return
	}
	m.remindersSent.Inc()
}

func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}
