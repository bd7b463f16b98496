package ledger

import (
	"encoding/json"
	"sort"

	"github.com/povledger/povledger/internal/hash"
	"github.com/povledger/povledger/internal/quorum"
)

// The canonical encoding fixes field order and renders times as UTC Unix
// nanoseconds. Changing any of these structs changes every block hash.

type canonicalTransaction struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type canonicalVote struct {
	Voter    string          `json:"voter"`
	Decision quorum.Decision `json:"decision"`
	CastAt   int64           `json:"cast_at"`
}

type canonicalBlock struct {
	Index        uint64                 `json:"index"`
	Timestamp    int64                  `json:"timestamp"`
	Transactions []canonicalTransaction `json:"transactions"`
	PreviousHash string                 `json:"previous_hash"`
	Proposer     string                 `json:"proposer"`
	Votes        []canonicalVote        `json:"votes"`
}

func canonicalize(b *Block) canonicalBlock {
	c := canonicalBlock{
		Index:        b.Index,
		Timestamp:    b.Timestamp.UTC().UnixNano(),
		Transactions: make([]canonicalTransaction, 0, len(b.Transactions)),
		PreviousHash: b.PreviousHash,
		Proposer:     b.Proposer,
		Votes:        make([]canonicalVote, 0, len(b.Votes)),
	}

	for _, tx := range b.Transactions {
		ct := canonicalTransaction{
			ID:        tx.ID,
			Kind:      tx.Kind,
			Sender:    tx.Sender,
			Recipient: tx.Recipient,
			Timestamp: tx.Timestamp.UTC().UnixNano(),
		}
		if len(tx.Payload) > 0 {
			ct.Payload = tx.Payload
		}
		c.Transactions = append(c.Transactions, ct)
	}

	votes := append([]quorum.Vote(nil), b.Votes...)
	sort.Slice(votes, func(i, j int) bool { return votes[i].Voter < votes[j].Voter })
	for _, v := range votes {
		c.Votes = append(c.Votes, canonicalVote{
			Voter:    v.Voter,
			Decision: v.Decision,
			CastAt:   v.CastAt.UTC().UnixNano(),
		})
	}

	return c
}

// HashBlock digests the canonical encoding of b with hasher, or the default
// hasher when nil.
func HashBlock(hasher hash.Hasher, b *Block) (string, error) {
	if hasher == nil {
		hasher = hash.Default()
	}
	return hasher.Hash(canonicalize(b))
}
