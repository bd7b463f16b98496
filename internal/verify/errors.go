package verify

import (
	"errors"
	"fmt"
)

// InconsistencyError reports a replicated block that disagrees with the
// local copy of the chain.
type InconsistencyError struct {
	Index    uint64
	Reason   string
	Local    string
	Incoming string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("replica inconsistency at block %d: %s (local %s, incoming %s)",
		e.Index, e.Reason, e.Local, e.Incoming)
}

func newInconsistencyError(index uint64, reason, local, incoming string) *InconsistencyError {
	return &InconsistencyError{
		Index:    index,
		Reason:   reason,
		Local:    local,
		Incoming: incoming,
	}
}

func IsInconsistencyError(err error) bool {
	var ie *InconsistencyError
	return errors.As(err, &ie)
}
