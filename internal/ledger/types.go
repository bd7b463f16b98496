package ledger

import (
	"encoding/json"
	"time"

	"github.com/povledger/povledger/internal/quorum"
)

const (
	// GenesisPreviousHash is the sentinel previous hash of block 0.
	GenesisPreviousHash = "0"
	GenesisProposer     = "genesis"
)

type Status string

const (
	StatusProposed  Status = "proposed"
	StatusApproved  Status = "approved"
	StatusDiscarded Status = "discarded"
)

// Transaction kinds written by the engine itself. Collaborators define their own.
const (
	KindMembershipApproved = "membership_approved"
	KindMembershipRejected = "membership_rejected"
	KindMembershipReminder = "membership_reminder"
)

// Transaction is a typed envelope around an opaque payload. The core never
// interprets Payload.
type Transaction struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Sender    string          `json:"sender,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type Block struct {
	Index        uint64        `json:"index"`
	Timestamp    time.Time     `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
	PreviousHash string        `json:"previous_hash"`
	Proposer     string        `json:"proposer"`
	Votes        []quorum.Vote `json:"votes"`
	Status       Status        `json:"status"`
	Hash         string        `json:"hash,omitempty"`
}

func (t Transaction) Clone() Transaction {
	if t.Payload != nil {
		t.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	return t
}

func CloneTransactions(txs []Transaction) []Transaction {
	out := make([]Transaction, len(txs))
	for i, tx := range txs {
		out[i] = tx.Clone()
	}
	return out
}

// Clone returns a deep copy so callers can never mutate chain state.
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	c := *b
	c.Transactions = CloneTransactions(b.Transactions)
	c.Votes = append([]quorum.Vote(nil), b.Votes...)
	return &c
}

// HasVoter reports whether voter appears among the recorded votes.
func (b *Block) HasVoter(voter string) bool {
	for _, v := range b.Votes {
		if v.Voter == voter {
			return true
		}
	}
	return false
}
