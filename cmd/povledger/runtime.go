package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/povledger/povledger/internal/alert"
	"github.com/povledger/povledger/internal/config"
	"github.com/povledger/povledger/internal/consensus"
	"github.com/povledger/povledger/internal/governance"
	"github.com/povledger/povledger/internal/hash"
	"github.com/povledger/povledger/internal/ledger"
	"github.com/povledger/povledger/internal/membership"
	"github.com/povledger/povledger/internal/metrics"
	"github.com/povledger/povledger/internal/replication"
	"github.com/povledger/povledger/internal/storage"
	"github.com/povledger/povledger/internal/verify"
)

const dbFile = "povledger.db"

var errReadOnly = errors.New("read-only: run this command against a writable node")

type mode int

const (
	modeRead mode = iota
	modeWrite
)

// runtime holds the collaborators shared by every command.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	hasher   hash.Hasher
	alerts   *alert.Manager
	metrics  *metrics.Metrics
	backend  storage.Backend
	local    *storage.Storage
	node     *replication.Node
	follower *verify.FollowerVerifier
}

func newLogger(c config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if c.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openRuntime opens the configured backend. Replication always runs on the
// bolt backend, so local is nil only for postgres.
func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	hasher, err := hash.New(cfg.Hash.Algorithm)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:    cfg,
		logger: logger,
		hasher: hasher,
		alerts: alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook),
	}

	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pg, err := storage.NewPostgres(ctx, cfg.Storage.Postgres.ConnectionString())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		rt.backend = pg
	default:
		if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := storage.New(filepath.Join(cfg.Node.DataDir, dbFile))
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		rt.backend, rt.local = store, store
	}

	return rt, nil
}

// startReplication joins the raft cluster. halt is called when a replicated
// block does not match the local chain and auto-shutdown is enabled; it runs
// on the raft apply goroutine and must not block.
func (rt *runtime) startReplication(ctx context.Context, halt func()) error {
	if !rt.cfg.Raft.Enabled {
		return nil
	}

	rt.follower = verify.NewFollowerVerifier(rt.local, rt.hasher, rt.alerts, func() error {
		if halt != nil {
			halt()
		}
		return nil
	}, rt.cfg.Raft.FollowerAutoShutdown, rt.logger)

	halted, err := rt.follower.CheckTerminationFlag()
	if err != nil {
		return fmt.Errorf("failed to check termination flag: %w", err)
	}
	if halted {
		return fmt.Errorf("node was halted after a replication inconsistency; inspect the chain and run `povledger verify --clear-halt`")
	}

	node, err := replication.NewNode(&replication.NodeConfig{
		NodeID:    rt.cfg.Node.ID,
		BindAddr:  rt.cfg.Raft.BindAddr,
		DataDir:   rt.cfg.Node.DataDir,
		Bootstrap: rt.cfg.Raft.Bootstrap,
		PeerAddrs: rt.cfg.Raft.PeerAddrs,
	}, rt.local, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to create raft node: %w", err)
	}
	node.SetHasher(rt.hasher)
	node.SetVerifier(rt.follower)

	if err := node.Start(ctx); err != nil {
		node.Stop()
		return fmt.Errorf("failed to start raft node: %w", err)
	}
	rt.node = node

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := node.WaitForLeader(waitCtx, 100*time.Millisecond); err != nil {
		return fmt.Errorf("no raft leader elected: %w", err)
	}
	rt.logger.Info("Raft node started", "leader", node.Leader(), "is_leader", node.IsLeader())
	return nil
}

// awaitLeadership gives a freshly started single-node cluster time to elect
// itself before a one-shot write.
func (rt *runtime) awaitLeadership(ctx context.Context) error {
	if rt.node == nil {
		return nil
	}
	deadline := time.Now().Add(5 * time.Second)
	for !rt.node.IsLeader() {
		if time.Now().After(deadline) {
			return fmt.Errorf("this node is a standby replica, leader is %s: %w", rt.node.Leader(), replication.ErrNotLeader)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}

func (rt *runtime) persister(m mode) governance.Persister {
	if m == modeRead {
		return readOnly{rt.backend}
	}
	if rt.node != nil {
		return replication.NewPersister(rt.node, rt.local)
	}
	return rt.backend
}

func (rt *runtime) validator() membership.IdentityValidator {
	if rt.cfg.Governance.IdentityFormat == config.IdentityHexAddress {
		return membership.HexAddress
	}
	return membership.AcceptNonEmpty
}

func (rt *runtime) openService(m mode) (*governance.Service, error) {
	g := rt.cfg.Governance
	svc, err := governance.Open(rt.persister(m), governance.Options{
		Timing: membership.Timing{
			Timeout:      g.RequestTimeout,
			ReminderLead: g.ReminderLead,
		},
		ProposalTimeout: g.ProposalTimeout,
		Validator:       rt.validator(),
		Hasher:          rt.hasher,
		Notifier:        rt.alerts,
		SweepInterval:   g.SweepInterval,
		Logger:          rt.logger,
		Metrics:         rt.metrics,
	})
	if errors.Is(err, errReadOnly) {
		return nil, fmt.Errorf("node is not initialized, run `povledger init` first")
	}
	return svc, err
}

func (rt *runtime) founders() ([]membership.Member, error) {
	founders := make([]membership.Member, 0, len(rt.cfg.Governance.Founders))
	for _, f := range rt.cfg.Governance.Founders {
		role := membership.RoleVoter
		if strings.TrimSpace(f.Role) != "" {
			r, err := membership.ParseRole(f.Role)
			if err != nil {
				return nil, fmt.Errorf("founder %s: %w", f.ID, err)
			}
			role = r
		}
		founders = append(founders, membership.Member{ID: f.ID, Name: f.Name, Role: role})
	}
	return founders, nil
}

func (rt *runtime) Close() {
	if rt.node != nil {
		if err := rt.node.Stop(); err != nil {
			rt.logger.Warn("Failed to stop raft node", "error", err)
		}
	}
	if rt.backend != nil {
		rt.backend.Close()
	}
}

// readOnly lets inspection commands restore the service without writing.
type readOnly struct {
	storage.Backend
}

func (readOnly) SaveBlock(*ledger.Block) error {
	return errReadOnly
}

func (readOnly) SaveMember(*membership.Member) error {
	return errReadOnly
}

func (readOnly) SaveRequest(*membership.Request) error {
	return errReadOnly
}

func (readOnly) SaveAdmission(*membership.Member, *membership.Request) error {
	return errReadOnly
}

func (readOnly) SaveEngineState(*consensus.State) error {
	return errReadOnly
}
