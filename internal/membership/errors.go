package membership

import (
	"errors"
	"fmt"

	"github.com/povledger/povledger/internal/quorum"
)

var (
	ErrUnauthorizedVoter          = errors.New("voter is not an active voter-role member")
	ErrDuplicateVote              = quorum.ErrDuplicateVote
	ErrInvalidState               = errors.New("invalid state")
	ErrRequestNotPending          = fmt.Errorf("%w: membership request is not pending", ErrInvalidState)
	ErrDuplicateMembershipRequest = errors.New("candidate already has a pending or active membership")
	ErrRequestNotFound            = errors.New("membership request not found")
	ErrInvalidIdentity            = errors.New("identity rejected by validator")
	ErrAlreadyBootstrapped        = errors.New("registry already has active members")
)
