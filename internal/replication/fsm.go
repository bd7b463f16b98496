package replication

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/povledger/povledger/internal/consensus"
	"github.com/povledger/povledger/internal/hash"
	"github.com/povledger/povledger/internal/ledger"
	"github.com/povledger/povledger/internal/membership"
	"github.com/povledger/povledger/internal/storage"
)

// BlockVerifier checks a replicated block before it is stored locally.
type BlockVerifier interface {
	VerifyBlock(block *ledger.Block) error
}

type FSM struct {
	mu       sync.RWMutex
	storage  *storage.Storage
	hasher   hash.Hasher
	verifier BlockVerifier
	logger   *slog.Logger
}

func NewFSM(store *storage.Storage, hasher hash.Hasher, verifier BlockVerifier, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}

	return &FSM{
		storage:  store,
		hasher:   hasher,
		verifier: verifier,
		logger:   logger,
	}
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entry LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		return fmt.Errorf("failed to unmarshal log entry: %w", err)
	}

	switch entry.Type {
	case LogEntryBlock:
		return f.applyBlock(&entry)
	case LogEntryMember:
		var m membership.Member
		if err := json.Unmarshal(entry.Data, &m); err != nil {
			return fmt.Errorf("failed to unmarshal member: %w", err)
		}
		return f.storage.SaveMember(&m)
	case LogEntryRequest:
		var r membership.Request
		if err := json.Unmarshal(entry.Data, &r); err != nil {
			return fmt.Errorf("failed to unmarshal request: %w", err)
		}
		return f.storage.SaveRequest(&r)
	case LogEntryAdmission:
		var a admission
		if err := json.Unmarshal(entry.Data, &a); err != nil {
			return fmt.Errorf("failed to unmarshal admission: %w", err)
		}
		if a.Member == nil || a.Request == nil {
			return fmt.Errorf("incomplete admission entry")
		}
		return f.storage.SaveAdmission(a.Member, a.Request)
	case LogEntryEngineState:
		var s consensus.State
		if err := json.Unmarshal(entry.Data, &s); err != nil {
			return fmt.Errorf("failed to unmarshal engine state: %w", err)
		}
		return f.storage.SaveEngineState(&s)
	default:
		return fmt.Errorf("unknown log entry type: %s", entry.Type)
	}
}

func (f *FSM) applyBlock(entry *LogEntry) interface{} {
	var b ledger.Block
	if err := json.Unmarshal(entry.Data, &b); err != nil {
		return fmt.Errorf("failed to unmarshal block: %w", err)
	}

	if f.verifier != nil {
		if err := f.verifier.VerifyBlock(&b); err != nil {
			return err
		}
	}

	if err := f.storage.SaveBlock(&b); err != nil {
		return err
	}

	f.logger.Debug("Replicated block applied", "index", b.Index, "hash", b.Hash)
	return nil
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	dump, err := f.storage.Export()
	if err != nil {
		return nil, fmt.Errorf("failed to export state: %w", err)
	}

	return &fsmSnapshot{dump: dump}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer rc.Close()

	var dump storage.Dump
	if err := json.NewDecoder(rc).Decode(&dump); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	if len(dump.Blocks) > 0 {
		if err := ledger.VerifyChain(f.hasher, dump.Blocks); err != nil {
			return fmt.Errorf("snapshot chain is invalid: %w", err)
		}
	}

	if err := f.storage.Import(&dump); err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}

	f.logger.Info("Snapshot restored",
		"blocks", len(dump.Blocks),
		"members", len(dump.Members),
		"requests", len(dump.Requests),
	)
	return nil
}

type fsmSnapshot struct {
	dump *storage.Dump
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.dump); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {
}
