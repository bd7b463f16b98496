package ledger

import (
	"errors"
	"fmt"
)

var ErrEmptyChain = errors.New("chain has no genesis block")

// ChainIntegrityError reports a block that does not link to its predecessor.
type ChainIntegrityError struct {
	Index    uint64
	Reason   string
	Expected string
	Actual   string
}

func (e *ChainIntegrityError) Error() string {
	if e.Expected == "" && e.Actual == "" {
		return fmt.Sprintf("chain integrity violation at block %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("chain integrity violation at block %d: %s (expected %s, got %s)",
		e.Index, e.Reason, e.Expected, e.Actual)
}

func newIntegrityError(index uint64, reason, expected, actual string) *ChainIntegrityError {
	return &ChainIntegrityError{
		Index:    index,
		Reason:   reason,
		Expected: expected,
		Actual:   actual,
	}
}

func IsChainIntegrityError(err error) bool {
	var ce *ChainIntegrityError
	return errors.As(err, &ce)
}
