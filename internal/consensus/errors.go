package consensus

import (
	"errors"

	"github.com/povledger/povledger/internal/quorum"
)

var (
	ErrProposalInProgress   = errors.New("a block is already proposed")
	ErrUnauthorizedProposer = errors.New("proposer is not an active member")
	ErrUnauthorizedVoter    = errors.New("voter is not an active voter-role member")
	ErrDuplicateVote        = quorum.ErrDuplicateVote
	ErrInvalidState         = errors.New("block is not proposed")
	ErrEmptyPool            = errors.New("no pending transactions to propose")
	ErrDuplicateTransaction = errors.New("transaction already pending")
	ErrInvalidPayload       = errors.New("transaction payload is not valid JSON")
)
