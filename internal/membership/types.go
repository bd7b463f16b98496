package membership

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/povledger/povledger/internal/quorum"
)

type Role string

const (
	RoleVoter    Role = "voter"
	RoleNonVoter Role = "non_voter"
)

// ParseRole also accepts the lending-consortium names used by early
// deployments: lenders vote, borrowers do not.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "voter", "lender":
		return RoleVoter, nil
	case "non_voter", "nonvoter", "borrower":
		return RoleNonVoter, nil
	default:
		return "", fmt.Errorf("invalid role %q (valid options: voter, non_voter)", s)
	}
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusRejected Status = "rejected"
)

func (s Status) Terminal() bool {
	return s == StatusActive || s == StatusRejected
}

type Reason string

const (
	ReasonNone      Reason = ""
	ReasonVoted     Reason = "voted"
	ReasonTimeout   Reason = "timeout"
	ReasonWithdrawn Reason = "withdrawn"
)

type Member struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Role     Role      `json:"role"`
	Status   Status    `json:"status"`
	JoinedAt time.Time `json:"joined_at,omitempty"`
}

// Request is a read-only snapshot of a membership request.
type Request struct {
	ID            string        `json:"id"`
	Candidate     string        `json:"candidate"`
	Name          string        `json:"name,omitempty"`
	Role          Role          `json:"role"`
	SubmittedAt   time.Time     `json:"submitted_at"`
	Votes         []quorum.Vote `json:"votes"`
	Required      int           `json:"required"`
	VoterSnapshot int           `json:"voter_snapshot"`
	ReminderSent  bool          `json:"reminder_sent"`
	Status        Status        `json:"status"`
	Reason        Reason        `json:"reason,omitempty"`
	ResolvedAt    time.Time     `json:"resolved_at,omitempty"`
}

func (r Request) Approvals() int {
	n := 0
	for _, v := range r.Votes {
		if v.Decision == quorum.Approve {
			n++
		}
	}
	return n
}

func (r Request) Rejections() int {
	return len(r.Votes) - r.Approvals()
}

// Timing holds the admission deadlines. A zero Timeout disables
// auto-rejection; a zero ReminderLead disables reminders.
type Timing struct {
	Timeout      time.Duration
	ReminderLead time.Duration
}

func (t Timing) Deadline(r Request) (time.Time, bool) {
	if t.Timeout <= 0 {
		return time.Time{}, false
	}
	return r.SubmittedAt.Add(t.Timeout), true
}

func (t Timing) ReminderAt(r Request) (time.Time, bool) {
	deadline, ok := t.Deadline(r)
	if !ok || t.ReminderLead <= 0 {
		return time.Time{}, false
	}
	return deadline.Add(-t.ReminderLead), true
}

// IdentityValidator is supplied by the key-management collaborator.
type IdentityValidator func(id string) bool

func AcceptNonEmpty(id string) bool {
	return strings.TrimSpace(id) != ""
}

var hexAddress = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// HexAddress accepts 20-byte hex account addresses.
func HexAddress(id string) bool {
	return hexAddress.MatchString(id)
}
