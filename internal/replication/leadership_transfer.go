package replication

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/raft"
)

// BusyChecker reports whether a block is awaiting votes. Leadership is not
// handed off while one is in flight.
type BusyChecker interface {
	Busy() bool
}

type LeadershipRotator struct {
	node     *Node
	busy     BusyChecker
	interval time.Duration
	stopCh   chan struct{}
	logger   *slog.Logger
}

func NewLeadershipRotator(node *Node, busy BusyChecker, interval time.Duration, logger *slog.Logger) *LeadershipRotator {
	if logger == nil {
		logger = slog.Default()
	}

	return &LeadershipRotator{
		node:     node,
		busy:     busy,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (r *LeadershipRotator) Start(ctx context.Context) error {
	if r.interval <= 0 {
		return fmt.Errorf("invalid interval: %v", r.interval)
	}

	r.logger.Info("Leadership rotator started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.transferLeadership(); err != nil {
				r.logger.Error("Leadership transfer failed", "error", err)
			}
		case <-r.stopCh:
			r.logger.Info("Leadership rotator stopped")
			return nil
		case <-ctx.Done():
			r.logger.Info("Leadership rotator stopped due to context cancellation")
			return ctx.Err()
		}
	}
}

func (r *LeadershipRotator) transferLeadership() error {
	if r.node.raft == nil {
		r.logger.Debug("Raft not initialized, skipping leadership transfer")
		return nil
	}

	if r.node.raft.State() != raft.Leader {
		r.logger.Debug("Not the leader, skipping leadership transfer")
		return nil
	}

	if r.busy != nil && r.busy.Busy() {
		r.logger.Debug("Block proposal in flight, skipping leadership transfer")
		return nil
	}

	current := r.node.config.NodeID
	r.logger.Info("Initiating leadership transfer", "current_leader", current)

	if err := r.node.TransferLeadership(); err != nil {
		return err
	}

	r.logger.Info("Leadership transferred",
		"old_leader", current,
		"new_leader", r.node.Leader(),
	)

	return nil
}

func (r *LeadershipRotator) Stop() {
	close(r.stopCh)
}
