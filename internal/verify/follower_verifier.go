package verify

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/povledger/povledger/internal/hash"
	"github.com/povledger/povledger/internal/ledger"
	"github.com/povledger/povledger/internal/storage"
)

const terminationFlag = "follower_terminated_due_to_inconsistency"

type SystemAlerter interface {
	SendSystemAlert(title, message, severity string) error
}

// FollowerVerifier checks each block arriving through replication against
// the local chain before it is stored.
type FollowerVerifier struct {
	storage      *storage.Storage
	hasher       hash.Hasher
	alerter      SystemAlerter
	shutdownFunc func() error
	logger       *slog.Logger
	autoShutdown bool
}

func NewFollowerVerifier(
	store *storage.Storage,
	hasher hash.Hasher,
	alerter SystemAlerter,
	shutdownFunc func() error,
	autoShutdown bool,
	logger *slog.Logger,
) *FollowerVerifier {
	if hasher == nil {
		hasher = hash.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &FollowerVerifier{
		storage:      store,
		hasher:       hasher,
		alerter:      alerter,
		shutdownFunc: shutdownFunc,
		autoShutdown: autoShutdown,
		logger:       logger,
	}
}

// VerifyBlock accepts a block that is already stored with the same hash, or
// a new block whose hash is correct and which links to the local block
// before it.
func (v *FollowerVerifier) VerifyBlock(block *ledger.Block) error {
	local, err := v.storage.GetBlock(block.Index)
	switch {
	case err == nil:
		if local.Hash != block.Hash {
			return v.inconsistent(newInconsistencyError(block.Index, "stored block differs", local.Hash, block.Hash))
		}
		v.logger.Debug("Replicated block already stored", "index", block.Index)
		return nil
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("failed to get local block: %w", err)
	}

	computed, err := ledger.HashBlock(v.hasher, block)
	if err != nil {
		return fmt.Errorf("failed to hash block %d: %w", block.Index, err)
	}
	if computed != block.Hash {
		return v.inconsistent(newInconsistencyError(block.Index, "block hash mismatch", computed, block.Hash))
	}

	expectedPrev := ledger.GenesisPreviousHash
	if block.Index > 0 {
		prev, err := v.storage.GetBlock(block.Index - 1)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return v.inconsistent(newInconsistencyError(block.Index, "missing predecessor",
					"", strconv.FormatUint(block.Index-1, 10)))
			}
			return fmt.Errorf("failed to get previous block: %w", err)
		}
		expectedPrev = prev.Hash
	}
	if block.PreviousHash != expectedPrev {
		return v.inconsistent(newInconsistencyError(block.Index, "previous hash mismatch", expectedPrev, block.PreviousHash))
	}

	v.logger.Debug("Replicated block verified", "index", block.Index)
	return nil
}

func (v *FollowerVerifier) inconsistent(ie *InconsistencyError) error {
	v.logger.Error("Inconsistency detected between local chain and replicated block",
		"index", ie.Index,
		"reason", ie.Reason,
		"local", ie.Local,
		"incoming", ie.Incoming,
	)

	if v.alerter != nil {
		err := v.alerter.SendSystemAlert(
			"Replica Inconsistency Detected",
			fmt.Sprintf("Replica rejected block %d: %s.\nLocal: %s\nIncoming: %s",
				ie.Index, ie.Reason, ie.Local, ie.Incoming),
			"danger",
		)
		if err != nil {
			v.logger.Warn("Failed to send inconsistency alert", "error", err)
		}
	}

	if v.autoShutdown && v.shutdownFunc != nil {
		v.logger.Warn("Auto-shutdown enabled, initiating shutdown")

		if err := v.storage.SetMetadata(terminationFlag, "true"); err != nil {
			v.logger.Error("Failed to set termination flag", "error", err)
		}

		if err := v.shutdownFunc(); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
	}

	return ie
}

// CheckTerminationFlag reports whether this replica shut itself down after
// an inconsistency.
func (v *FollowerVerifier) CheckTerminationFlag() (bool, error) {
	flag, err := v.storage.GetMetadata(terminationFlag)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check termination flag: %w", err)
	}

	return flag == "true", nil
}

// ClearTerminationFlag lets an operator restart a replica after repair.
func (v *FollowerVerifier) ClearTerminationFlag() error {
	return v.storage.SetMetadata(terminationFlag, "false")
}
