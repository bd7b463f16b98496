// Package governance assembles the ledger, the member registry, the
// admission workflow, the block engine and the deadline scheduler into one
// service. It is the surface the CLI and any future transport call into.
package governance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/povledger/povledger/internal/clock"
	"github.com/povledger/povledger/internal/consensus"
	"github.com/povledger/povledger/internal/hash"
	"github.com/povledger/povledger/internal/ledger"
	"github.com/povledger/povledger/internal/membership"
	"github.com/povledger/povledger/internal/metrics"
	"github.com/povledger/povledger/internal/quorum"
	"github.com/povledger/povledger/internal/scheduler"
)

// Persister is everything the service writes durably.
type Persister interface {
	ledger.Persister
	membership.Persister
	consensus.StatePersister
}

type Options struct {
	Timing          membership.Timing
	ProposalTimeout time.Duration
	Validator       membership.IdentityValidator
	Hasher          hash.Hasher
	Notifier        scheduler.Notifier
	SweepInterval   time.Duration
	Clock           clock.Clock
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

type Service struct {
	chain     *ledger.Store
	registry  *membership.Registry
	workflow  *membership.Workflow
	engine    *consensus.Engine
	scheduler *scheduler.Scheduler
	hasher    hash.Hasher
	clock     clock.Clock
	logger    *slog.Logger
}

// Status is a point-in-time summary of the node.
type Status struct {
	Height          uint64
	Head            string
	Members         int
	Voters          int
	PendingRequests int
	PendingTxs      int
	Proposal        *consensus.Proposal
	NextDeadline    time.Time
}

// Open restores all persisted state, verifying the chain, and reschedules
// every pending deadline.
func Open(p Persister, opts Options) (*Service, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Hasher == nil {
		opts.Hasher = hash.Default()
	}

	chain, err := ledger.Open(opts.Hasher, p, opts.Clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to open chain: %w", err)
	}

	registry := membership.NewRegistry(p, opts.Clock, opts.Logger)
	if err := registry.Load(); err != nil {
		return nil, err
	}

	workflow := membership.NewWorkflow(registry, membership.WorkflowConfig{
		Timing:    opts.Timing,
		Validator: opts.Validator,
		Clock:     opts.Clock,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	})
	if err := workflow.Load(); err != nil {
		return nil, err
	}

	engine := consensus.NewEngine(chain, registry, consensus.Config{
		ProposalTimeout: opts.ProposalTimeout,
		Clock:           opts.Clock,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
		Persister:       p,
	})
	if err := engine.Load(); err != nil {
		return nil, err
	}

	sched := scheduler.New(workflow, engine, scheduler.Config{
		Clock:    opts.Clock,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
		Notifier: opts.Notifier,
		MaxWait:  opts.SweepInterval,
	})

	workflow.SetRecorder(engine)
	workflow.SetWatcher(sched)
	sched.Resume()

	if last := chain.LastBlock(); last != nil {
		opts.Metrics.SetChainHeight(last.Index)
	}

	s := &Service{
		chain:     chain,
		registry:  registry,
		workflow:  workflow,
		engine:    engine,
		scheduler: sched,
		hasher:    opts.Hasher,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}

	opts.Logger.Info("Governance service opened",
		"height", chain.LastBlock().Index,
		"members", len(registry.Members()),
		"pending_requests", len(workflow.PendingRequests()),
		"scheduled", sched.Len(),
	)
	return s, nil
}

// Bootstrap admits the founding members of an empty registry.
func (s *Service) Bootstrap(founders ...membership.Member) ([]membership.Member, error) {
	return s.registry.Bootstrap(founders...)
}

func (s *Service) SubmitTransaction(tx ledger.Transaction) (ledger.Transaction, error) {
	return s.engine.SubmitTransaction(tx)
}

// ProposeBlock snapshots the pending pool into a new proposed block and
// schedules its expiry.
func (s *Service) ProposeBlock(proposerID string) (consensus.BlockHandle, error) {
	return s.ProposeTransactions(nil, proposerID)
}

// ProposeTransactions adds txs to the pending pool and proposes it in one
// step. Nothing is added when any transaction is rejected.
func (s *Service) ProposeTransactions(txs []ledger.Transaction, proposerID string) (consensus.BlockHandle, error) {
	h, err := s.engine.ProposeTransactions(txs, proposerID)
	if err != nil {
		return consensus.BlockHandle{}, err
	}
	s.scheduler.TrackProposal(h)
	return h, nil
}

// VoteBlock returns the block as it stands after the vote: Proposed while
// collecting votes, Approved once it has been appended.
func (s *Service) VoteBlock(ref consensus.BlockRef, voterID string, decision quorum.Decision) (*ledger.Block, error) {
	return s.engine.Vote(ref, voterID, decision)
}

func (s *Service) DiscardBlock(ref consensus.BlockRef) (*ledger.Block, bool, error) {
	return s.engine.Discard(ref)
}

func (s *Service) CurrentProposal() (consensus.Proposal, bool) {
	return s.engine.Current()
}

func (s *Service) PendingTransactions() []ledger.Transaction {
	return s.engine.Pending()
}

func (s *Service) Chain() []*ledger.Block {
	return s.chain.Chain()
}

func (s *Service) Block(index uint64) (*ledger.Block, bool) {
	return s.chain.Block(index)
}

// VerifyChain re-checks the in-memory chain end to end.
func (s *Service) VerifyChain() error {
	return ledger.VerifyChain(s.hasher, s.chain.Chain())
}

func (s *Service) SubmitMembershipRequest(candidate, name string, role membership.Role) (membership.Request, error) {
	return s.workflow.Submit(candidate, name, role)
}

func (s *Service) VoteMembership(requestID, voterID string, decision quorum.Decision) (membership.Request, error) {
	return s.workflow.CastVote(requestID, voterID, decision)
}

func (s *Service) WithdrawMembershipRequest(requestID string) (membership.Request, bool, error) {
	return s.workflow.Withdraw(requestID)
}

func (s *Service) MembershipRequest(requestID string) (membership.Request, error) {
	return s.workflow.Request(requestID)
}

func (s *Service) PendingRequests() []membership.Request {
	return s.workflow.PendingRequests()
}

func (s *Service) RejectedRequests() []membership.Request {
	return s.workflow.RejectedRequests()
}

// Members returns the Active members.
func (s *Service) Members() []membership.Member {
	return s.registry.Members()
}

// Sweep fires every reminder, auto-rejection and proposal expiry that is
// due now.
func (s *Service) Sweep(ctx context.Context) int {
	return s.scheduler.Sweep(ctx, s.clock.Now())
}

// Run drives the scheduler until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	return s.scheduler.Run(ctx)
}

// Busy reports whether a block is awaiting votes.
func (s *Service) Busy() bool {
	return s.engine.Busy()
}

func (s *Service) Status() Status {
	st := Status{
		Members:         len(s.registry.Members()),
		Voters:          s.registry.ActiveVoterCount(),
		PendingRequests: len(s.workflow.PendingRequests()),
		PendingTxs:      len(s.engine.Pending()),
	}
	if last := s.chain.LastBlock(); last != nil {
		st.Height = last.Index
		st.Head = last.Hash
	}
	if p, ok := s.engine.Current(); ok {
		st.Proposal = &p
	}
	if next, ok := s.scheduler.Next(); ok {
		st.NextDeadline = next
	}
	return st
}
