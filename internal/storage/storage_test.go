package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/povledger/povledger/internal/clock"
	"github.com/povledger/povledger/internal/consensus"
	"github.com/povledger/povledger/internal/ledger"
	"github.com/povledger/povledger/internal/membership"
	"github.com/povledger/povledger/internal/quorum"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "povledger-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpfile.Close()
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	s, err := New(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorage(t *testing.T) {
	storage := newTestStorage(t)

	t.Run("SaveAndLoadBlocks", func(t *testing.T) {
		chain, err := ledger.Open(nil, storage, t0)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}

		for i := 0; i < 300; i++ {
			last := chain.LastBlock()
			b := &ledger.Block{
				Index:        last.Index + 1,
				Timestamp:    t0.Add(time.Duration(i) * time.Second),
				Transactions: []ledger.Transaction{{ID: "tx", Kind: "proposal", Timestamp: t0}},
				PreviousHash: last.Hash,
				Proposer:     "alice",
				Votes:        []quorum.Vote{{Voter: "alice", Decision: quorum.Approve, CastAt: t0}},
				Status:       ledger.StatusApproved,
			}
			b.Hash, _ = chain.Hash(b)
			if _, err := chain.Append(b); err != nil {
				t.Fatalf("Append %d failed: %v", b.Index, err)
			}
		}

		// Index 256 sorts before 3 as a decimal string; keys must be binary.
		blocks, err := storage.LoadBlocks()
		if err != nil {
			t.Fatalf("LoadBlocks failed: %v", err)
		}
		if len(blocks) != 301 {
			t.Fatalf("Expected 301 blocks, got %d", len(blocks))
		}
		for i, b := range blocks {
			if b.Index != uint64(i) {
				t.Fatalf("Expected block %d at position %d, got %d", i, i, b.Index)
			}
		}

		reopened, err := ledger.Open(nil, storage, t0)
		if err != nil {
			t.Fatalf("Reopen failed: %v", err)
		}
		if reopened.LastBlock().Hash != chain.LastBlock().Hash {
			t.Errorf("Reopened chain head differs")
		}

		got, err := storage.GetBlock(42)
		if err != nil {
			t.Fatalf("GetBlock failed: %v", err)
		}
		if got.Index != 42 {
			t.Errorf("Expected block 42, got %d", got.Index)
		}
		if _, err := storage.GetBlock(9999); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("MembersKeepInsertionOrder", func(t *testing.T) {
		for _, id := range []string{"zed", "amy", "kim"} {
			if err := storage.SaveMember(&membership.Member{ID: id, Role: membership.RoleVoter, Status: membership.StatusActive}); err != nil {
				t.Fatalf("SaveMember failed: %v", err)
			}
		}
		// Updating a member keeps its position.
		if err := storage.SaveMember(&membership.Member{ID: "zed", Role: membership.RoleVoter, Status: membership.StatusRejected}); err != nil {
			t.Fatalf("SaveMember failed: %v", err)
		}

		members, err := storage.LoadMembers()
		if err != nil {
			t.Fatalf("LoadMembers failed: %v", err)
		}
		if len(members) != 3 {
			t.Fatalf("Expected 3 members, got %d", len(members))
		}
		if members[0].ID != "zed" || members[1].ID != "amy" || members[2].ID != "kim" {
			t.Errorf("Unexpected order: %s %s %s", members[0].ID, members[1].ID, members[2].ID)
		}
		if members[0].Status != membership.StatusRejected {
			t.Errorf("Expected updated status, got %s", members[0].Status)
		}
	})

	t.Run("SaveAndGetMetadata", func(t *testing.T) {
		if err := storage.SetMetadata("node_id", "node1"); err != nil {
			t.Fatalf("SetMetadata failed: %v", err)
		}

		value, err := storage.GetMetadata("node_id")
		if err != nil {
			t.Fatalf("GetMetadata failed: %v", err)
		}
		if value != "node1" {
			t.Errorf("Expected node1, got %s", value)
		}

		if _, err := storage.GetMetadata("missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})
}

func TestWorkflowSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "povledger.db")
	clk := clock.NewFake(t0)
	timing := membership.Timing{Timeout: time.Minute}

	s, err := New(path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	reg := membership.NewRegistry(s, clk, nil)
	if _, err := reg.Bootstrap(membership.Member{ID: "a"}, membership.Member{ID: "b"}, membership.Member{ID: "c"}); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	wf := membership.NewWorkflow(reg, membership.WorkflowConfig{Timing: timing, Clock: clk})

	req, err := wf.Submit("carol", "Carol", membership.RoleVoter)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := wf.CastVote(req.ID, "a", quorum.Approve); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}
	s.Close()

	s, err = New(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer s.Close()

	reg = membership.NewRegistry(s, clk, nil)
	if err := reg.Load(); err != nil {
		t.Fatalf("Registry load failed: %v", err)
	}
	wf = membership.NewWorkflow(reg, membership.WorkflowConfig{Timing: timing, Clock: clk})
	if err := wf.Load(); err != nil {
		t.Fatalf("Workflow load failed: %v", err)
	}

	pending := wf.PendingRequests()
	if len(pending) != 1 || len(pending[0].Votes) != 1 {
		t.Fatalf("Expected one pending request with one vote, got %+v", pending)
	}

	got, err := wf.CastVote(req.ID, "b", quorum.Approve)
	if err != nil {
		t.Fatalf("CastVote after restart failed: %v", err)
	}
	if got.Status != membership.StatusActive {
		t.Errorf("Expected active, got %s", got.Status)
	}

	members, err := s.LoadMembers()
	if err != nil {
		t.Fatalf("LoadMembers failed: %v", err)
	}
	if len(members) != 4 || members[3].ID != "carol" || members[3].Status != membership.StatusActive {
		t.Errorf("Unexpected members after admission: %+v", members)
	}
}

func TestEngineState(t *testing.T) {
	storage := newTestStorage(t)

	state, err := storage.LoadEngineState()
	if err != nil {
		t.Fatalf("LoadEngineState failed: %v", err)
	}
	if state != nil {
		t.Fatalf("Expected no state, got %+v", state)
	}

	want := &consensus.State{
		Round: 7,
		Pool:  []ledger.Transaction{{ID: "tx-1", Kind: "funding", Timestamp: t0}},
		Proposal: &consensus.Proposal{
			BlockHandle: consensus.BlockHandle{Index: 3, Round: 7, Proposer: "a", Required: 2, VoterSnapshot: 3, ProposedAt: t0},
			Votes:       []quorum.Vote{{Voter: "b", Decision: quorum.Reject, CastAt: t0}},
		},
	}
	if err := storage.SaveEngineState(want); err != nil {
		t.Fatalf("SaveEngineState failed: %v", err)
	}

	got, err := storage.LoadEngineState()
	if err != nil {
		t.Fatalf("LoadEngineState failed: %v", err)
	}
	if got.Round != 7 || len(got.Pool) != 1 || got.Proposal == nil || got.Proposal.Index != 3 {
		t.Fatalf("Unexpected state: %+v", got)
	}
	if len(got.Proposal.Votes) != 1 || got.Proposal.Votes[0].Decision != quorum.Reject {
		t.Errorf("Unexpected votes: %+v", got.Proposal.Votes)
	}
}

func TestExportImport(t *testing.T) {
	src := newTestStorage(t)
	dst := newTestStorage(t)

	if _, err := ledger.Open(nil, src, t0); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := src.SaveAdmission(
		&membership.Member{ID: "carol", Role: membership.RoleVoter, Status: membership.StatusPending},
		&membership.Request{ID: "req-1", Candidate: "carol", Status: membership.StatusPending, SubmittedAt: t0},
	); err != nil {
		t.Fatalf("SaveAdmission failed: %v", err)
	}
	if err := src.SaveEngineState(&consensus.State{Round: 2}); err != nil {
		t.Fatalf("SaveEngineState failed: %v", err)
	}

	// Stale data on the destination must be replaced, not merged.
	if err := dst.SaveMember(&membership.Member{ID: "stale"}); err != nil {
		t.Fatalf("SaveMember failed: %v", err)
	}

	dump, err := src.Export()
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if err := dst.Import(dump); err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	members, _ := dst.LoadMembers()
	if len(members) != 1 || members[0].ID != "carol" {
		t.Errorf("Unexpected members: %+v", members)
	}
	requests, _ := dst.LoadRequests()
	if len(requests) != 1 || requests[0].ID != "req-1" {
		t.Errorf("Unexpected requests: %+v", requests)
	}
	blocks, _ := dst.LoadBlocks()
	if len(blocks) != 1 || blocks[0].PreviousHash != ledger.GenesisPreviousHash {
		t.Errorf("Unexpected blocks: %+v", blocks)
	}
	state, _ := dst.LoadEngineState()
	if state == nil || state.Round != 2 {
		t.Errorf("Unexpected engine state: %+v", state)
	}
}
