package quorum

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreshold(t *testing.T) {
	tests := []struct {
		voters int
		want   int
	}{
		{voters: 0, want: 1},
		{voters: 1, want: 1},
		{voters: 2, want: 2},
		{voters: 3, want: 2},
		{voters: 4, want: 3},
		{voters: 5, want: 3},
		{voters: 10, want: 6},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Threshold(tt.voters), "Threshold(%d)", tt.voters)
	}
}

func TestTallyRejectsDuplicateVoter(t *testing.T) {
	tally := NewTally()
	now := time.Now()

	require.NoError(t, tally.Add(Vote{Voter: "alice", Decision: Approve, CastAt: now}))

	err := tally.Add(Vote{Voter: "alice", Decision: Reject, CastAt: now})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateVote))
	assert.Equal(t, 1, tally.Len())
	assert.Equal(t, 1, tally.Approvals())
	assert.Equal(t, 0, tally.Rejections())
}

func TestTallyEvaluate(t *testing.T) {
	tally := NewTally()
	required := Threshold(3)

	require.NoError(t, tally.Add(Vote{Voter: "a", Decision: Approve}))
	assert.Equal(t, Undecided, tally.Evaluate(required))

	require.NoError(t, tally.Add(Vote{Voter: "b", Decision: Reject}))
	assert.Equal(t, Undecided, tally.Evaluate(required))

	require.NoError(t, tally.Add(Vote{Voter: "c", Decision: Reject}))
	assert.Equal(t, Rejected, tally.Evaluate(required))

	assert.Equal(t, Undecided, tally.Evaluate(0), "zero requirement never decides")
}

func TestTallyRemove(t *testing.T) {
	tally := NewTally()
	require.NoError(t, tally.Add(Vote{Voter: "a", Decision: Approve}))
	require.NoError(t, tally.Add(Vote{Voter: "b", Decision: Approve}))

	tally.Remove("a")
	tally.Remove("missing")

	assert.False(t, tally.Has("a"))
	assert.Equal(t, 1, tally.Approvals())
	assert.Equal(t, []string{"b"}, voters(tally.Votes()))

	require.NoError(t, tally.Add(Vote{Voter: "a", Decision: Reject}))
	assert.Equal(t, 1, tally.Rejections())
}

func TestTallySortedOrder(t *testing.T) {
	tally := NewTally()
	for _, id := range []string{"carol", "alice", "bob"} {
		require.NoError(t, tally.Add(Vote{Voter: id, Decision: Approve}))
	}

	assert.Equal(t, []string{"carol", "alice", "bob"}, voters(tally.Votes()))
	assert.Equal(t, []string{"alice", "bob", "carol"}, voters(tally.Sorted()))
}

func TestRestoreTally(t *testing.T) {
	restored, err := RestoreTally([]Vote{
		{Voter: "a", Decision: Approve},
		{Voter: "b", Decision: Reject},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, restored.Len())

	_, err = RestoreTally([]Vote{
		{Voter: "a", Decision: Approve},
		{Voter: "a", Decision: Approve},
	})
	assert.ErrorIs(t, err, ErrDuplicateVote)
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision("approve")
	require.NoError(t, err)
	assert.Equal(t, Approve, d)

	_, err = ParseDecision("abstain")
	assert.Error(t, err)
}

func voters(votes []Vote) []string {
	out := make([]string, 0, len(votes))
	for _, v := range votes {
		out = append(out, v.Voter)
	}
	return out
}
