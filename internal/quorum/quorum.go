// Package quorum holds the vote-counting primitive shared by block consensus
// and membership admission.
package quorum

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrDuplicateVote is returned when a voter votes twice on the same subject.
var ErrDuplicateVote = errors.New("duplicate vote")

type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

func (d Decision) Valid() bool {
	return d == Approve || d == Reject
}

// ParseDecision accepts the two decision names, case-sensitive.
func ParseDecision(s string) (Decision, error) {
	d := Decision(s)
	if !d.Valid() {
		return "", fmt.Errorf("invalid decision %q (valid options: approve, reject)", s)
	}
	return d, nil
}

type Vote struct {
	Voter    string    `json:"voter"`
	Decision Decision  `json:"decision"`
	CastAt   time.Time `json:"cast_at"`
}

// Threshold is the simple-majority quorum for n eligible voters.
func Threshold(n int) int {
	if n < 0 {
		n = 0
	}
	return n/2 + 1
}

type Outcome int

const (
	Undecided Outcome = iota
	Approved
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	default:
		return "undecided"
	}
}

// Tally records at most one vote per voter. It is not safe for concurrent
// use; callers hold the lock of the subject the tally belongs to.
type Tally struct {
	votes     map[string]Vote
	order     []string
	approvals int
	rejects   int
}

func NewTally() *Tally {
	return &Tally{votes: make(map[string]Vote)}
}

// RestoreTally rebuilds a tally from persisted votes.
func RestoreTally(votes []Vote) (*Tally, error) {
	t := NewTally()
	for _, v := range votes {
		if err := t.Add(v); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tally) Add(v Vote) error {
	if !v.Decision.Valid() {
		return fmt.Errorf("invalid decision %q", v.Decision)
	}
	if _, ok := t.votes[v.Voter]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateVote, v.Voter)
	}

	t.votes[v.Voter] = v
	t.order = append(t.order, v.Voter)
	if v.Decision == Approve {
		t.approvals++
	} else {
		t.rejects++
	}
	return nil
}

// Remove undoes a vote. Used to roll back a vote whose follow-up failed.
func (t *Tally) Remove(voter string) {
	v, ok := t.votes[voter]
	if !ok {
		return
	}
	delete(t.votes, voter)
	for i, id := range t.order {
		if id == voter {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	if v.Decision == Approve {
		t.approvals--
	} else {
		t.rejects--
	}
}

func (t *Tally) Has(voter string) bool {
	_, ok := t.votes[voter]
	return ok
}

func (t *Tally) Approvals() int {
	return t.approvals
}

func (t *Tally) Rejections() int {
	return t.rejects
}

func (t *Tally) Len() int {
	return len(t.votes)
}

// Evaluate reports which side, if any, has reached required votes.
// Approval is checked first.
func (t *Tally) Evaluate(required int) Outcome {
	if required <= 0 {
		return Undecided
	}
	if t.approvals >= required {
		return Approved
	}
	if t.rejects >= required {
		return Rejected
	}
	return Undecided
}

// Votes returns the votes in cast order.
func (t *Tally) Votes() []Vote {
	out := make([]Vote, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.votes[id])
	}
	return out
}

// Sorted returns the votes ordered by voter id, the canonical order for hashing.
func (t *Tally) Sorted() []Vote {
	out := t.Votes()
	sort.Slice(out, func(i, j int) bool { return out[i].Voter < out[j].Voter })
	return out
}
