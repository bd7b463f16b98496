package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.VoteCast("block", "approve")
	m.BlockApproved(3)
	m.BlockDiscarded("timeout")
	m.RequestSubmitted()
	m.RequestResolved("rejected", "timeout")
	m.ReminderSent()
	m.NotificationFailed()
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.VoteCast("block", "approve")
	m.VoteCast("block", "approve")
	m.VoteCast("membership", "reject")
	m.BlockApproved(4)
	m.RequestResolved("rejected", "timeout")
	m.ReminderSent()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.votesCast.WithLabelValues("block", "approve")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.votesCast.WithLabelValues("membership", "reject")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.blocksApproved))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.chainHeight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsResolved.WithLabelValues("rejected", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.remindersSent))
}
