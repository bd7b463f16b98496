package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/povledger/povledger/internal/hash"
	"github.com/povledger/povledger/internal/storage"
)

var (
	ErrNotLeader      = errors.New("not the leader")
	ErrNotInitialized = errors.New("raft not initialized")
)

const applyTimeout = 10 * time.Second

type NodeConfig struct {
	NodeID        string
	BindAddr      string
	DataDir       string
	Bootstrap     bool
	PeerAddrs     map[string]string
	JoinRetries   int
	JoinRetryWait time.Duration
}

// Node replicates every persisted record of the governance service to the
// standby replicas listed in PeerAddrs.
type Node struct {
	config   *NodeConfig
	raft     *raft.Raft
	fsm      *FSM
	storage  *storage.Storage
	hasher   hash.Hasher
	verifier BlockVerifier
	logger   *slog.Logger
	closers  []func() error
}

func NewNode(cfg *NodeConfig, store *storage.Storage, logger *slog.Logger) (*Node, error) {
	if cfg == nil || cfg.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Node{
		config:  cfg,
		storage: store,
		hasher:  hash.Default(),
		logger:  logger,
	}, nil
}

// SetHasher selects the hasher used to validate restored snapshots.
func (n *Node) SetHasher(h hash.Hasher) {
	if h != nil {
		n.hasher = h
	}
}

// SetVerifier installs the hook run on every replicated block. It must be
// called before Start.
func (n *Node) SetVerifier(v BlockVerifier) {
	n.verifier = v
}

func (n *Node) Start(ctx context.Context) error {
	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(n.config.NodeID)

	raftDir := filepath.Join(n.config.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0755); err != nil {
		return fmt.Errorf("failed to create raft directory: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}
	n.closers = append(n.closers, logStore.Close)

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-stable.db"))
	if err != nil {
		n.close()
		return fmt.Errorf("failed to create stable store: %w", err)
	}
	n.closers = append(n.closers, stableStore.Close)

	snapshotStore, err := raft.NewFileSnapshotStore(raftDir, 2, os.Stderr)
	if err != nil {
		n.close()
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", n.config.BindAddr)
	if err != nil {
		n.close()
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	transport, err := raft.NewTCPTransport(n.config.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		n.close()
		return fmt.Errorf("failed to create transport: %w", err)
	}
	n.closers = append(n.closers, transport.Close)

	n.fsm = NewFSM(n.storage, n.hasher, n.verifier, n.logger)

	ra, err := raft.NewRaft(raftConfig, n.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		n.close()
		return fmt.Errorf("failed to create raft: %w", err)
	}
	n.raft = ra

	if n.config.Bootstrap {
		hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
		if err != nil {
			return fmt.Errorf("failed to check existing state: %w", err)
		}

		if !hasState {
			servers := []raft.Server{{
				ID:      raftConfig.LocalID,
				Address: transport.LocalAddr(),
			}}
			for peerID, peerAddr := range n.config.PeerAddrs {
				servers = append(servers, raft.Server{
					ID:      raft.ServerID(peerID),
					Address: raft.ServerAddress(peerAddr),
				})
			}

			future := ra.BootstrapCluster(raft.Configuration{Servers: servers})
			if err := future.Error(); err != nil {
				return fmt.Errorf("failed to bootstrap cluster: %w", err)
			}
			n.logger.Info("Raft cluster bootstrapped", "servers", len(servers))
		}
	} else if len(n.config.PeerAddrs) > 0 {
		if err := n.waitForLeader(ctx); err != nil {
			return fmt.Errorf("failed to wait for leader: %w", err)
		}
	}

	return nil
}

func (n *Node) waitForLeader(ctx context.Context) error {
	retries := n.config.JoinRetries
	if retries == 0 {
		retries = 30
	}
	retryWait := n.config.JoinRetryWait
	if retryWait == 0 {
		retryWait = 1 * time.Second
	}

	for i := 0; i < retries; i++ {
		if n.raft.Leader() != "" && n.isMember() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryWait):
		}
	}

	return fmt.Errorf("timeout waiting for leader after %d retries", retries)
}

func (n *Node) isMember() bool {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return false
	}
	for _, server := range future.Configuration().Servers {
		if server.ID == raft.ServerID(n.config.NodeID) {
			return true
		}
	}
	return false
}

// WaitForLeader blocks until some node in the cluster is leader.
func (n *Node) WaitForLeader(ctx context.Context, poll time.Duration) error {
	if n.raft == nil {
		return ErrNotInitialized
	}
	for {
		if n.Leader() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

func (n *Node) Stop() error {
	if n.raft != nil {
		future := n.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}
	n.close()
	return nil
}

func (n *Node) close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			n.logger.Warn("Failed to close raft resource", "error", err)
		}
	}
	n.closers = nil
}

// ApplyLog commits entry through raft and returns the FSM's apply error.
func (n *Node) ApplyLog(entry *LogEntry) error {
	if n.raft == nil {
		return ErrNotInitialized
	}
	if n.raft.State() != raft.Leader {
		return ErrNotLeader
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	future := n.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply log: %w", err)
	}
	if resp, ok := future.Response().(error); ok && resp != nil {
		return resp
	}

	return nil
}

func (n *Node) IsLeader() bool {
	return n.raft != nil && n.raft.State() == raft.Leader
}

func (n *Node) Leader() string {
	if n.raft == nil {
		return ""
	}
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

func (n *Node) AddPeer(id, addr string) error {
	if n.raft == nil {
		return ErrNotInitialized
	}

	future := n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 0)
	return future.Error()
}

func (n *Node) RemovePeer(id string) error {
	if n.raft == nil {
		return ErrNotInitialized
	}

	future := n.raft.RemoveServer(raft.ServerID(id), 0, 0)
	return future.Error()
}

func (n *Node) Stats() map[string]string {
	if n.raft == nil {
		return map[string]string{"state": "not initialized"}
	}
	return n.raft.Stats()
}

func (n *Node) TransferLeadership() error {
	if n.raft == nil {
		return ErrNotInitialized
	}

	if n.raft.State() != raft.Leader {
		return fmt.Errorf("cannot transfer: %w", ErrNotLeader)
	}

	future := n.raft.LeadershipTransfer()
	if err := future.Error(); err != nil {
		return fmt.Errorf("leadership transfer failed: %w", err)
	}

	return nil
}
