package replication

import (
	"github.com/povledger/povledger/internal/consensus"
	"github.com/povledger/povledger/internal/ledger"
	"github.com/povledger/povledger/internal/membership"
	"github.com/povledger/povledger/internal/storage"
)

// Applier commits a log entry to the replicated state.
type Applier interface {
	ApplyLog(entry *LogEntry) error
}

// Persister routes writes through raft so they reach local storage via the
// FSM on every replica. Reads come from local storage.
type Persister struct {
	node  Applier
	local *storage.Storage
}

var (
	_ ledger.Persister         = (*Persister)(nil)
	_ membership.Persister     = (*Persister)(nil)
	_ consensus.StatePersister = (*Persister)(nil)
)

func NewPersister(node Applier, local *storage.Storage) *Persister {
	return &Persister{node: node, local: local}
}

func (p *Persister) apply(t LogEntryType, v interface{}) error {
	entry, err := newLogEntry(t, v)
	if err != nil {
		return err
	}
	return p.node.ApplyLog(entry)
}

func (p *Persister) SaveBlock(block *ledger.Block) error {
	return p.apply(LogEntryBlock, block)
}

func (p *Persister) LoadBlocks() ([]*ledger.Block, error) {
	return p.local.LoadBlocks()
}

func (p *Persister) SaveMember(m *membership.Member) error {
	return p.apply(LogEntryMember, m)
}

func (p *Persister) SaveRequest(r *membership.Request) error {
	return p.apply(LogEntryRequest, r)
}

func (p *Persister) SaveAdmission(m *membership.Member, r *membership.Request) error {
	return p.apply(LogEntryAdmission, admission{Member: m, Request: r})
}

func (p *Persister) LoadMembers() ([]*membership.Member, error) {
	return p.local.LoadMembers()
}

func (p *Persister) LoadRequests() ([]*membership.Request, error) {
	return p.local.LoadRequests()
}

func (p *Persister) SaveEngineState(state *consensus.State) error {
	return p.apply(LogEntryEngineState, state)
}

func (p *Persister) LoadEngineState() (*consensus.State, error) {
	return p.local.LoadEngineState()
}
