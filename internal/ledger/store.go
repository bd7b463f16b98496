package ledger

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/povledger/povledger/internal/hash"
)

// Persister durably records approved blocks. Blocks are returned in index order.
type Persister interface {
	SaveBlock(block *Block) error
	LoadBlocks() ([]*Block, error)
}

// Store is the append-only, hash-linked chain of approved blocks.
type Store struct {
	mu        sync.RWMutex
	blocks    []*Block
	hasher    hash.Hasher
	persister Persister
}

func NewStore(hasher hash.Hasher, persister Persister) *Store {
	if hasher == nil {
		hasher = hash.Default()
	}
	return &Store{
		blocks:    make([]*Block, 0),
		hasher:    hasher,
		persister: persister,
	}
}

// Open restores the persisted chain, verifying every link, or writes a fresh
// genesis block when nothing has been persisted yet.
func Open(hasher hash.Hasher, persister Persister, now time.Time) (*Store, error) {
	s := NewStore(hasher, persister)

	if persister != nil {
		blocks, err := persister.LoadBlocks()
		if err != nil {
			return nil, fmt.Errorf("failed to load chain: %w", err)
		}
		if len(blocks) > 0 {
			if err := VerifyChain(s.hasher, blocks); err != nil {
				return nil, err
			}
			s.blocks = blocks
			return s, nil
		}
	}

	if _, err := s.Genesis(now); err != nil {
		return nil, err
	}
	return s, nil
}

// Hash digests the canonical encoding of b. Status and Hash are not covered.
func (s *Store) Hash(b *Block) (string, error) {
	return s.hasher.Hash(canonicalize(b))
}

// Genesis creates block 0 if the chain is empty and returns it.
func (s *Store) Genesis(ts time.Time) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.blocks) > 0 {
		return s.blocks[0].Clone(), nil
	}

	genesis := &Block{
		Index:        0,
		Timestamp:    ts.UTC(),
		Transactions: []Transaction{},
		PreviousHash: GenesisPreviousHash,
		Proposer:     GenesisProposer,
		Status:       StatusApproved,
	}

	h, err := s.Hash(genesis)
	if err != nil {
		return nil, fmt.Errorf("failed to hash genesis block: %w", err)
	}
	genesis.Hash = h

	if s.persister != nil {
		if err := s.persister.SaveBlock(genesis); err != nil {
			return nil, fmt.Errorf("failed to persist genesis block: %w", err)
		}
	}

	s.blocks = append(s.blocks, genesis)
	return genesis.Clone(), nil
}

// Append links an approved block onto the chain. The block must reference
// the hash of the current last block, carry the next index, and carry its
// own correct hash.
func (s *Store) Append(b *Block) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.blocks) == 0 {
		return nil, ErrEmptyChain
	}
	last := s.blocks[len(s.blocks)-1]

	if b.Index != last.Index+1 {
		return nil, newIntegrityError(b.Index, "index mismatch",
			strconv.FormatUint(last.Index+1, 10), strconv.FormatUint(b.Index, 10))
	}
	if b.PreviousHash != last.Hash {
		return nil, newIntegrityError(b.Index, "previous hash mismatch", last.Hash, b.PreviousHash)
	}
	if b.Status != StatusApproved {
		return nil, newIntegrityError(b.Index, "block is not approved", string(StatusApproved), string(b.Status))
	}

	h, err := s.Hash(b)
	if err != nil {
		return nil, fmt.Errorf("failed to hash block %d: %w", b.Index, err)
	}
	if b.Hash != h {
		return nil, newIntegrityError(b.Index, "block hash mismatch", h, b.Hash)
	}

	stored := b.Clone()
	if s.persister != nil {
		if err := s.persister.SaveBlock(stored); err != nil {
			return nil, fmt.Errorf("failed to persist block %d: %w", b.Index, err)
		}
	}

	s.blocks = append(s.blocks, stored)
	return stored.Clone(), nil
}

func (s *Store) LastBlock() *Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.blocks) == 0 {
		return nil
	}
	return s.blocks[len(s.blocks)-1].Clone()
}

func (s *Store) Block(index uint64) (*Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index >= uint64(len(s.blocks)) {
		return nil, false
	}
	return s.blocks[index].Clone(), true
}

// Chain returns copies of all blocks in index order.
func (s *Store) Chain() []*Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Block, len(s.blocks))
	for i, b := range s.blocks {
		out[i] = b.Clone()
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

func (s *Store) Hasher() hash.Hasher {
	return s.hasher
}

// VerifyChain checks genesis, index continuity, previous-hash links and
// every stored hash.
func VerifyChain(hasher hash.Hasher, blocks []*Block) error {
	if hasher == nil {
		hasher = hash.Default()
	}
	if len(blocks) == 0 {
		return ErrEmptyChain
	}

	if blocks[0].Index != 0 {
		return newIntegrityError(blocks[0].Index, "first block is not genesis", "0", strconv.FormatUint(blocks[0].Index, 10))
	}
	if blocks[0].PreviousHash != GenesisPreviousHash {
		return newIntegrityError(0, "genesis previous hash is not the sentinel", GenesisPreviousHash, blocks[0].PreviousHash)
	}

	for i, b := range blocks {
		if b.Status != StatusApproved {
			return newIntegrityError(b.Index, "block is not approved", string(StatusApproved), string(b.Status))
		}

		h, err := hasher.Hash(canonicalize(b))
		if err != nil {
			return fmt.Errorf("failed to hash block %d: %w", b.Index, err)
		}
		if h != b.Hash {
			return newIntegrityError(b.Index, "block hash mismatch", h, b.Hash)
		}

		if i == 0 {
			continue
		}
		prev := blocks[i-1]
		if b.Index != prev.Index+1 {
			return newIntegrityError(b.Index, "index gap",
				strconv.FormatUint(prev.Index+1, 10), strconv.FormatUint(b.Index, 10))
		}
		if b.PreviousHash != prev.Hash {
			return newIntegrityError(b.Index, "previous hash mismatch", prev.Hash, b.PreviousHash)
		}
	}

	return nil
}
