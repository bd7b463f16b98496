package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/povledger/povledger/internal/governance"
	"github.com/povledger/povledger/internal/ledger"
	"github.com/povledger/povledger/internal/metrics"
	"github.com/povledger/povledger/internal/replication"
	"github.com/povledger/povledger/internal/storage"
	"github.com/povledger/povledger/internal/verify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const version = "v0.1.0-alpha"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "povledger",
	Short:         "povledger - Proof-of-Vote permissioned ledger",
	Long:          `A permissioned ledger whose blocks and members are admitted by majority vote`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "povledger.yaml", "config file path")
	verifyCmd.Flags().Bool("clear-halt", false, "clear the halt flag set after a replication inconsistency")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)
	addGovernanceCommands(rootCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("povledger %s\n", version)
		fmt.Println("Proof-of-Vote permissioned ledger")
	},
}

const sampleConfig = `node:
  id: node1
  data_dir: ./data

storage:
  backend: bolt

hash:
  algorithm: sha256

governance:
  request_timeout: 72h
  reminder_lead: 24h
  proposal_timeout: 1h
  sweep_interval: 1m
  identity_format: any
  founders:
    - id: alice
      name: Alice
      role: voter

raft:
  enabled: false

verify:
  interval: 10m

alerts:
  enabled: false
  slack_webhook: ${SLACK_WEBHOOK_URL}

metrics:
  addr: 127.0.0.1:9464

log:
  level: info
  format: text
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize povledger node",
	Long:  `Writes a sample config if none exists, then creates the data directory and the genesis block`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) {
			if err := os.WriteFile(cfgFile, []byte(sampleConfig), 0644); err != nil {
				return fmt.Errorf("failed to write sample config: %w", err)
			}
			fmt.Printf("Wrote sample config: %s\n", cfgFile)
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		rt, err := openRuntime(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.startReplication(ctx, nil); err != nil {
			return err
		}
		if err := rt.awaitLeadership(ctx); err != nil {
			fmt.Println("Standby replica: the chain arrives through replication")
			return nil
		}

		svc, err := rt.openService(modeWrite)
		if err != nil {
			return err
		}

		genesis, _ := svc.Block(0)
		fmt.Printf("Initialized povledger node: %s\n", cfg.Node.ID)
		fmt.Printf("Data directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("Storage backend: %s\n", cfg.Storage.Backend)
		fmt.Printf("Genesis hash: %s\n", genesis.Hash)
		return nil
	},
}

// leaderService tracks the governance service while this node leads. Only
// the leader runs the engine; standby replicas hold the replicated records.
type leaderService struct {
	mu  sync.Mutex
	svc *governance.Service
}

func (l *leaderService) set(svc *governance.Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.svc = svc
}

func (l *leaderService) Busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.svc != nil && l.svc.Busy()
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start povledger node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Starting povledger node: %s\n", cfg.Node.ID)

		rt, err := openRuntime(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rt.metrics = metrics.New(reg)

		halt := func() {
			logger.Error("Halting node after replication inconsistency")
			stop()
		}
		if err := rt.startReplication(ctx, halt); err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(ctx)
		current := &leaderService{}

		if rt.node == nil {
			fmt.Println("Running in single-node mode (no Raft)")
			svc, err := rt.openService(modeWrite)
			if err != nil {
				return err
			}
			current.set(svc)
			g.Go(func() error { return svc.Run(ctx) })
		} else {
			fmt.Printf("Raft node started, leader: %s\n", rt.node.Leader())
			g.Go(func() error { return serveWhileLeader(ctx, rt, current) })

			if every := cfg.Raft.LeadershipTransferEvery(); every > 0 {
				rotator := replication.NewLeadershipRotator(rt.node, current, every, logger)
				g.Go(func() error { return rotator.Start(ctx) })
			}
		}

		verifier := verify.NewChainVerifier(rt.backend, rt.hasher, rt.alerts, logger)
		if err := verifier.Start(ctx, cfg.Verify.Interval); err != nil {
			rt.alerts.SendSystemAlert("Chain verification failed", err.Error(), "critical")
			stop()
			g.Wait()
			return fmt.Errorf("chain verification failed: %w", err)
		}
		defer verifier.Stop()

		if cfg.Metrics.Addr != "" {
			server := &http.Server{
				Addr:              cfg.Metrics.Addr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			g.Go(func() error {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
			logger.Info("Serving metrics", "addr", cfg.Metrics.Addr)
		}

		fmt.Println("povledger node is running. Press Ctrl+C to stop.")

		err = g.Wait()
		fmt.Println("\nShutting down...")
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		fmt.Println("povledger node stopped")
		return nil
	},
}

// serveWhileLeader opens the governance service whenever this node gains
// raft leadership and closes it down when leadership moves away. State is
// restored from the replicated store each time.
func serveWhileLeader(ctx context.Context, rt *runtime, current *leaderService) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var (
		cancel context.CancelFunc
		done   chan error
	)
	resign := func() {
		if cancel == nil {
			return
		}
		cancel()
		<-done
		cancel, done = nil, nil
		current.set(nil)
		rt.logger.Info("Governance service stopped, no longer leader")
	}
	defer resign()

	for {
		leading := rt.node.IsLeader()
		switch {
		case leading && cancel == nil:
			svc, err := rt.openService(modeWrite)
			if err != nil {
				rt.logger.Error("Failed to open governance service", "error", err)
				break
			}
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(ctx)
			done = make(chan error, 1)
			current.set(svc)
			go func(done chan<- error) { done <- svc.Run(runCtx) }(done)
			rt.logger.Info("Governance service started, this node is leader")
		case !leading && cancel != nil:
			resign()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display node status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		rt, err := openRuntime(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		svc, err := rt.openService(modeRead)
		if err != nil {
			return err
		}
		st := svc.Status()

		fmt.Printf("Node ID: %s\n", cfg.Node.ID)
		fmt.Printf("Data Directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("Storage Backend: %s\n", cfg.Storage.Backend)
		fmt.Printf("Hash Algorithm: %s\n", rt.hasher.Algorithm())
		fmt.Printf("\nChain:\n")
		fmt.Printf("  Height: %d\n", st.Height)
		fmt.Printf("  Head: %s\n", shortHash(st.Head))
		fmt.Printf("  Pending transactions: %d\n", st.PendingTxs)
		if p := st.Proposal; p != nil {
			fmt.Printf("  Proposed block: %d (round %d, proposer %s, %d/%d approvals)\n",
				p.Index, p.Round, p.Proposer, p.Approvals(), p.Required)
		} else {
			fmt.Printf("  Proposed block: none\n")
		}
		fmt.Printf("\nMembership:\n")
		fmt.Printf("  Active members: %d (%d voters)\n", st.Members, st.Voters)
		fmt.Printf("  Pending requests: %d\n", st.PendingRequests)
		if !st.NextDeadline.IsZero() {
			fmt.Printf("  Next deadline: %s\n", st.NextDeadline.Format(time.RFC3339))
		}
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		rt, err := openRuntime(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		if clearHalt, _ := cmd.Flags().GetBool("clear-halt"); clearHalt {
			if rt.local == nil {
				return fmt.Errorf("the halt flag only exists on the bolt backend")
			}
			follower := verify.NewFollowerVerifier(rt.local, rt.hasher, nil, nil, false, logger)
			if err := follower.ClearTerminationFlag(); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("failed to clear halt flag: %w", err)
			}
			fmt.Println("Halt flag cleared")
		}

		verifier := verify.NewChainVerifier(rt.backend, rt.hasher, rt.alerts, logger)
		n, err := verifier.Verify(cmd.Context())
		if err != nil {
			var ce *ledger.ChainIntegrityError
			if errors.As(err, &ce) {
				fmt.Printf("  FAILED at block %d: %s\n", ce.Index, ce.Reason)
			}
			return fmt.Errorf("chain verification failed: %w", err)
		}
		fmt.Printf("  OK: %d blocks, hash chain is intact\n", n)
		return nil
	},
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
