package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/povledger/povledger/internal/hash"
	"github.com/povledger/povledger/internal/ledger"
)

// BlockSource reads the chain as it is persisted on disk, bypassing any
// in-memory copy.
type BlockSource interface {
	LoadBlocks() ([]*ledger.Block, error)
}

type ChainAlerter interface {
	SendChainBrokenAlert(index uint64, reason, expectedHash, actualHash string) error
}

// ChainVerifier re-checks every hash link of the persisted chain at startup
// and then periodically.
type ChainVerifier struct {
	source  BlockSource
	hasher  hash.Hasher
	alerter ChainAlerter
	logger  *slog.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func NewChainVerifier(source BlockSource, hasher hash.Hasher, alerter ChainAlerter, logger *slog.Logger) *ChainVerifier {
	if hasher == nil {
		hasher = hash.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ChainVerifier{
		source:  source,
		hasher:  hasher,
		alerter: alerter,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Verify loads the stored chain and checks it end to end. A broken link is
// reported as *ledger.ChainIntegrityError and alerted.
func (v *ChainVerifier) Verify(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	blocks, err := v.source.LoadBlocks()
	if err != nil {
		return 0, fmt.Errorf("failed to load chain: %w", err)
	}
	// A standby replica has nothing to check until the first records arrive.
	if len(blocks) == 0 {
		return 0, nil
	}

	if err := ledger.VerifyChain(v.hasher, blocks); err != nil {
		var ce *ledger.ChainIntegrityError
		if errors.As(err, &ce) {
			v.logger.Error("Chain integrity violation",
				"index", ce.Index,
				"reason", ce.Reason,
				"expected", ce.Expected,
				"actual", ce.Actual,
			)
			if v.alerter != nil {
				if aerr := v.alerter.SendChainBrokenAlert(ce.Index, ce.Reason, ce.Expected, ce.Actual); aerr != nil {
					v.logger.Warn("Failed to send chain alert", "error", aerr)
				}
			}
		}
		return len(blocks), err
	}

	return len(blocks), nil
}

// Start runs one verification immediately and, when interval is positive,
// keeps verifying in the background until Stop or ctx is done.
func (v *ChainVerifier) Start(ctx context.Context, interval time.Duration) error {
	n, err := v.Verify(ctx)
	if err != nil {
		return err
	}
	v.logger.Info("Chain verified", "blocks", n)

	if interval > 0 {
		v.wg.Add(1)
		go v.runPeriodicVerification(ctx, interval)
	}
	return nil
}

func (v *ChainVerifier) Stop() {
	v.once.Do(func() { close(v.stopCh) })
	v.wg.Wait()
}

func (v *ChainVerifier) runPeriodicVerification(ctx context.Context, interval time.Duration) {
	defer v.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := v.Verify(ctx)
			if err != nil {
				v.logger.Error("Periodic chain verification failed", "error", err)
				continue
			}
			v.logger.Debug("Chain verified", "blocks", n)
		}
	}
}
