// Package consensus implements Proof-of-Vote block finalization: at most one
// block is proposed at a time, and it is appended to the ledger once a
// majority of the active voters approve it.
package consensus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/povledger/povledger/internal/clock"
	"github.com/povledger/povledger/internal/ledger"
	"github.com/povledger/povledger/internal/metrics"
	"github.com/povledger/povledger/internal/quorum"
)

const (
	ReasonWithdrawn = "withdrawn"
	ReasonTimeout   = "timeout"
)

// Electorate answers who may propose and vote. *membership.Registry
// implements it.
type Electorate interface {
	IsActive(id string) bool
	IsActiveVoter(id string) bool
	ActiveVoterCount(exclude ...string) int
}

// StatePersister stores the pending pool and the in-flight proposal so a
// restarted process resumes where it stopped.
type StatePersister interface {
	SaveEngineState(state *State) error
	LoadEngineState() (*State, error)
}

// BlockHandle describes a proposed block. Round increases with every
// proposal, unlike Index which is reused after a discard.
type BlockHandle struct {
	Index         uint64               `json:"index"`
	Round         uint64               `json:"round"`
	Proposer      string               `json:"proposer"`
	PreviousHash  string               `json:"previous_hash"`
	ProposedAt    time.Time            `json:"proposed_at"`
	Required      int                  `json:"required"`
	VoterSnapshot int                  `json:"voter_snapshot"`
	Transactions  []ledger.Transaction `json:"transactions"`
}

// BlockRef names one proposal. Index alone is ambiguous because an index is
// proposed again under a new round after a discard.
type BlockRef struct {
	Index uint64 `json:"index"`
	Round uint64 `json:"round"`
}

func (h BlockHandle) Ref() BlockRef {
	return BlockRef{Index: h.Index, Round: h.Round}
}

// Proposal is the in-flight block together with the votes cast so far.
type Proposal struct {
	BlockHandle
	Votes []quorum.Vote `json:"votes"`
}

// Approvals counts approve votes.
func (p Proposal) Approvals() int {
	n := 0
	for _, v := range p.Votes {
		if v.Decision == quorum.Approve {
			n++
		}
	}
	return n
}

type State struct {
	Round    uint64               `json:"round"`
	Pool     []ledger.Transaction `json:"pool"`
	Proposal *Proposal            `json:"proposal,omitempty"`
}

type Config struct {
	// ProposalTimeout bounds how long a block may stay proposed. Zero
	// disables expiry.
	ProposalTimeout time.Duration
	Clock           clock.Clock
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	Persister       StatePersister
}

type proposal struct {
	handle BlockHandle
	tally  *quorum.Tally
	status ledger.Status
	reason string
}

func (p *proposal) is(ref BlockRef) bool {
	return p != nil && p.handle.Index == ref.Index && p.handle.Round == ref.Round
}

func (p *proposal) view() Proposal {
	h := p.handle
	h.Transactions = ledger.CloneTransactions(p.handle.Transactions)
	return Proposal{BlockHandle: h, Votes: p.tally.Votes()}
}

func (p *proposal) block() *ledger.Block {
	return &ledger.Block{
		Index:        p.handle.Index,
		Timestamp:    p.handle.ProposedAt,
		Transactions: ledger.CloneTransactions(p.handle.Transactions),
		PreviousHash: p.handle.PreviousHash,
		Proposer:     p.handle.Proposer,
		Votes:        p.tally.Votes(),
		Status:       p.status,
	}
}

// Engine serializes every proposal transition behind one mutex, so two
// concurrent votes can never both finalize the block.
type Engine struct {
	mu      sync.Mutex
	chain   *ledger.Store
	voters  Electorate
	pool    *pool
	current *proposal
	last    *proposal
	round   uint64
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	persist StatePersister
}

func NewEngine(chain *ledger.Store, voters Electorate, cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Engine{
		chain:   chain,
		voters:  voters,
		pool:    newPool(nil),
		timeout: cfg.ProposalTimeout,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		persist: cfg.Persister,
	}
}

// Load restores the persisted pool and proposal. A proposal whose index is
// already on the chain was approved just before a crash; its transactions
// are dropped from the pool.
func (e *Engine) Load() error {
	if e.persist == nil {
		return nil
	}

	state, err := e.persist.LoadEngineState()
	if err != nil {
		return fmt.Errorf("failed to load engine state: %w", err)
	}
	if state == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.round = state.Round
	e.pool = newPool(state.Pool)
	e.current = nil

	if p := state.Proposal; p != nil {
		last := e.chain.LastBlock()
		switch {
		case last != nil && p.Index <= last.Index:
			e.pool.remove(p.Transactions)
			e.logger.Warn("Dropping proposal already on chain", "index", p.Index, "round", p.Round)
		case last != nil && p.PreviousHash != last.Hash:
			e.logger.Warn("Dropping stale proposal", "index", p.Index, "round", p.Round)
		default:
			tally, err := quorum.RestoreTally(p.Votes)
			if err != nil {
				return fmt.Errorf("corrupt votes on proposal %d: %w", p.Index, err)
			}
			h := p.BlockHandle
			h.Transactions = ledger.CloneTransactions(p.Transactions)
			e.current = &proposal{handle: h, tally: tally, status: ledger.StatusProposed}
		}
	}

	e.logger.Debug("Engine state loaded", "round", e.round, "pending", e.pool.len(), "proposed", e.current != nil)
	return nil
}

// SubmitTransaction adds tx to the pending pool. Missing ids and timestamps
// are filled in.
func (e *Engine) SubmitTransaction(tx ledger.Transaction) (ledger.Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.prepare(tx)
	if err != nil {
		return ledger.Transaction{}, err
	}

	e.pool.add(tx)
	if err := e.saveLocked(); err != nil {
		e.pool.drop()
		return ledger.Transaction{}, err
	}

	e.logger.Debug("Transaction submitted", "id", tx.ID, "kind", tx.Kind, "pending", e.pool.len())
	return tx.Clone(), nil
}

// Record implements membership.Recorder.
func (e *Engine) Record(tx ledger.Transaction) error {
	_, err := e.SubmitTransaction(tx)
	return err
}

func (e *Engine) prepare(tx ledger.Transaction) (ledger.Transaction, error) {
	if strings.TrimSpace(tx.Kind) == "" {
		return tx, fmt.Errorf("transaction kind is required")
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = e.clock.Now()
	}
	if len(tx.Payload) > 0 && !json.Valid(tx.Payload) {
		return tx, fmt.Errorf("%w: transaction %s", ErrInvalidPayload, tx.ID)
	}
	if e.pool.has(tx.ID) {
		return tx, fmt.Errorf("%w: %s", ErrDuplicateTransaction, tx.ID)
	}
	return tx.Clone(), nil
}

// Propose snapshots the pending pool into a new block.
func (e *Engine) Propose(proposerID string) (BlockHandle, error) {
	return e.ProposeTransactions(nil, proposerID)
}

// ProposeTransactions adds txs to the pool and proposes the whole pool. On
// any error the pool is left as it was.
func (e *Engine) ProposeTransactions(txs []ledger.Transaction, proposerID string) (BlockHandle, error) {
	if !e.voters.IsActive(proposerID) {
		return BlockHandle{}, fmt.Errorf("%w: %s", ErrUnauthorizedProposer, proposerID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil {
		return BlockHandle{}, fmt.Errorf("%w: block %d", ErrProposalInProgress, e.current.handle.Index)
	}

	added := 0
	rollback := func() {
		for ; added > 0; added-- {
			e.pool.drop()
		}
	}
	for _, tx := range txs {
		prepared, err := e.prepare(tx)
		if err != nil {
			rollback()
			return BlockHandle{}, err
		}
		e.pool.add(prepared)
		added++
	}

	if e.pool.len() == 0 {
		return BlockHandle{}, ErrEmptyPool
	}

	last := e.chain.LastBlock()
	if last == nil {
		rollback()
		return BlockHandle{}, ledger.ErrEmptyChain
	}

	snapshot := e.voters.ActiveVoterCount()
	p := &proposal{
		handle: BlockHandle{
			Index:         last.Index + 1,
			Round:         e.round + 1,
			Proposer:      proposerID,
			PreviousHash:  last.Hash,
			ProposedAt:    e.clock.Now().UTC(),
			Required:      quorum.Threshold(snapshot),
			VoterSnapshot: snapshot,
			Transactions:  e.pool.snapshot(),
		},
		tally:  quorum.NewTally(),
		status: ledger.StatusProposed,
	}

	e.current = p
	e.round++
	if err := e.saveLocked(); err != nil {
		e.current = nil
		e.round--
		rollback()
		return BlockHandle{}, err
	}

	e.logger.Info("Block proposed",
		"index", p.handle.Index,
		"round", p.handle.Round,
		"proposer", proposerID,
		"transactions", len(p.handle.Transactions),
		"required", p.handle.Required,
	)

	return p.view().BlockHandle, nil
}

// Vote records voterID's decision on the proposal named by ref. Reject votes
// are recorded but never end the proposal; only approval, discard or expiry
// do.
func (e *Engine) Vote(ref BlockRef, voterID string, decision quorum.Decision) (*ledger.Block, error) {
	if !decision.Valid() {
		return nil, fmt.Errorf("invalid decision %q", decision)
	}
	if !e.voters.IsActiveVoter(voterID) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorizedVoter, voterID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.current
	if !p.is(ref) {
		return e.replayLocked(ref, voterID)
	}
	index := ref.Index

	if p.tally.Has(voterID) {
		return nil, fmt.Errorf("%w: %s on block %d", ErrDuplicateVote, voterID, index)
	}
	if err := p.tally.Add(quorum.Vote{Voter: voterID, Decision: decision, CastAt: e.clock.Now().UTC()}); err != nil {
		return nil, err
	}

	if p.tally.Evaluate(p.handle.Required) != quorum.Approved {
		if err := e.saveLocked(); err != nil {
			p.tally.Remove(voterID)
			return nil, err
		}
		e.metrics.VoteCast("block", string(decision))
		e.logger.Debug("Block vote recorded",
			"index", index,
			"voter", voterID,
			"decision", decision,
			"approvals", p.tally.Approvals(),
			"required", p.handle.Required,
		)
		return p.block(), nil
	}

	appended, err := e.finalizeLocked(p)
	if err != nil {
		p.tally.Remove(voterID)
		return nil, err
	}
	e.metrics.VoteCast("block", string(decision))
	return appended, nil
}

// finalizeLocked freezes the votes, hashes the block and appends it.
func (e *Engine) finalizeLocked(p *proposal) (*ledger.Block, error) {
	b := p.block()
	b.Votes = p.tally.Sorted()
	b.Status = ledger.StatusApproved

	h, err := e.chain.Hash(b)
	if err != nil {
		return nil, fmt.Errorf("failed to hash block %d: %w", b.Index, err)
	}
	b.Hash = h

	appended, err := e.chain.Append(b)
	if err != nil {
		e.logger.Error("Failed to append approved block", "index", b.Index, "error", err)
		return nil, err
	}

	p.status = ledger.StatusApproved
	e.pool.remove(p.handle.Transactions)
	e.current = nil
	e.last = p

	if err := e.saveLocked(); err != nil {
		// The block is on the chain; Load reconciles the stale proposal.
		e.logger.Error("Failed to persist engine state after approval", "index", b.Index, "error", err)
	}

	e.metrics.BlockApproved(appended.Index)
	e.logger.Info("Block approved",
		"index", appended.Index,
		"hash", appended.Hash,
		"votes", len(appended.Votes),
		"transactions", len(appended.Transactions),
	)
	return appended, nil
}

// replayLocked answers a vote that does not target the proposed block. A
// voter already recorded on that terminal proposal gets its state back.
// Votes for superseded rounds and anything else are invalid.
func (e *Engine) replayLocked(ref BlockRef, voterID string) (*ledger.Block, error) {
	if b, ok := e.terminalLocked(ref); ok && b.HasVoter(voterID) {
		return b, nil
	}
	return nil, fmt.Errorf("%w: no proposed block at index %d round %d", ErrInvalidState, ref.Index, ref.Round)
}

// terminalLocked returns the resolved proposal named by ref. Only the most
// recent resolution keeps its round; older approved blocks are matched on
// index alone.
func (e *Engine) terminalLocked(ref BlockRef) (*ledger.Block, bool) {
	if l := e.last; l != nil && l.handle.Index == ref.Index {
		if l.handle.Round != ref.Round {
			return nil, false
		}
		if l.status == ledger.StatusApproved {
			return e.chain.Block(ref.Index)
		}
		return l.block(), true
	}
	if e.current != nil && e.current.handle.Index == ref.Index {
		return nil, false
	}
	if b, ok := e.chain.Block(ref.Index); ok && b.Index > 0 {
		return b, true
	}
	return nil, false
}

// Discard withdraws the proposal named by ref. The pool is kept for the next
// proposal. Discarding a proposal that is already terminal is a no-op; a
// stale round never touches a newer proposal at the same index.
func (e *Engine) Discard(ref BlockRef) (*ledger.Block, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p := e.current; p.is(ref) {
		b, err := e.discardLocked(p, ReasonWithdrawn)
		return b, err == nil, err
	}

	if b, ok := e.terminalLocked(ref); ok {
		return b, false, nil
	}
	return nil, false, fmt.Errorf("%w: no proposed block at index %d round %d", ErrInvalidState, ref.Index, ref.Round)
}

// Expire discards the proposal of the given round once it has been proposed
// for longer than the proposal timeout. It reports whether this call made
// the transition; a proposal that was already resolved is left alone.
func (e *Engine) Expire(round uint64, now time.Time) (*ledger.Block, bool, error) {
	if e.timeout <= 0 {
		return nil, false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.current
	if p == nil || p.handle.Round != round {
		return nil, false, nil
	}
	if now.Before(p.handle.ProposedAt.Add(e.timeout)) {
		return p.block(), false, nil
	}

	b, err := e.discardLocked(p, ReasonTimeout)
	return b, err == nil, err
}

func (e *Engine) discardLocked(p *proposal, reason string) (*ledger.Block, error) {
	e.current = nil
	if err := e.saveLocked(); err != nil {
		e.current = p
		return nil, err
	}

	p.status = ledger.StatusDiscarded
	p.reason = reason
	e.last = p

	e.metrics.BlockDiscarded(reason)
	e.logger.Info("Block discarded",
		"index", p.handle.Index,
		"round", p.handle.Round,
		"reason", reason,
		"pending", e.pool.len(),
	)
	return p.block(), nil
}

// ProposalTimeout returns the configured proposal lifetime.
func (e *Engine) ProposalTimeout() time.Duration {
	return e.timeout
}

// Current returns the in-flight proposal, if any.
func (e *Engine) Current() (Proposal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil {
		return Proposal{}, false
	}
	return e.current.view(), true
}

// Pending returns the transactions waiting to be proposed.
func (e *Engine) Pending() []ledger.Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.snapshot()
}

// Busy reports whether a block is currently proposed.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

func (e *Engine) saveLocked() error {
	if e.persist == nil {
		return nil
	}

	state := &State{Round: e.round, Pool: e.pool.snapshot()}
	if e.current != nil {
		v := e.current.view()
		state.Proposal = &v
	}
	if err := e.persist.SaveEngineState(state); err != nil {
		return fmt.Errorf("failed to persist engine state: %w", err)
	}
	return nil
}
