package consensus

import (
	"github.com/povledger/povledger/internal/ledger"
)

// pool keeps pending transactions in submission order. Guarded by Engine.mu.
type pool struct {
	txs []ledger.Transaction
	ids map[string]struct{}
}

func newPool(txs []ledger.Transaction) *pool {
	p := &pool{ids: make(map[string]struct{}, len(txs))}
	for _, tx := range txs {
		p.add(tx)
	}
	return p
}

func (p *pool) has(id string) bool {
	_, ok := p.ids[id]
	return ok
}

func (p *pool) add(tx ledger.Transaction) {
	p.txs = append(p.txs, tx.Clone())
	p.ids[tx.ID] = struct{}{}
}

// drop removes the most recently added transaction.
func (p *pool) drop() {
	if len(p.txs) == 0 {
		return
	}
	last := p.txs[len(p.txs)-1]
	p.txs = p.txs[:len(p.txs)-1]
	delete(p.ids, last.ID)
}

// remove deletes the given transactions, keeping anything submitted since.
func (p *pool) remove(txs []ledger.Transaction) {
	gone := make(map[string]struct{}, len(txs))
	for _, tx := range txs {
		gone[tx.ID] = struct{}{}
		delete(p.ids, tx.ID)
	}

	kept := p.txs[:0]
	for _, tx := range p.txs {
		if _, ok := gone[tx.ID]; !ok {
			kept = append(kept, tx)
		}
	}
	p.txs = kept
}

func (p *pool) len() int {
	return len(p.txs)
}

func (p *pool) snapshot() []ledger.Transaction {
	return ledger.CloneTransactions(p.txs)
}
