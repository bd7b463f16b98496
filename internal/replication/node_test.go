package replication

import (
	"errors"
	"testing"
)

func TestNewNode(t *testing.T) {
	store := newTestStorage(t)

	cfg := &NodeConfig{
		NodeID:   "test-node",
		BindAddr: "127.0.0.1:7000",
		DataDir:  t.TempDir(),
	}

	node, err := NewNode(cfg, store, nil)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}

	if node.config.NodeID != "test-node" {
		t.Errorf("Expected NodeID test-node, got %s", node.config.NodeID)
	}

	if _, err := NewNode(&NodeConfig{}, store, nil); err == nil {
		t.Error("Expected error for missing node id")
	}
}

func TestNodeBeforeStart(t *testing.T) {
	node, err := NewNode(&NodeConfig{NodeID: "test-node", BindAddr: "127.0.0.1:7001", DataDir: t.TempDir()}, newTestStorage(t), nil)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}

	if stats := node.Stats(); stats["state"] != "not initialized" {
		t.Errorf("Expected state 'not initialized', got %s", stats["state"])
	}
	if node.IsLeader() {
		t.Error("Node should not be leader before start")
	}
	if leader := node.Leader(); leader != "" {
		t.Errorf("Expected empty leader, got %s", leader)
	}

	tests := []struct {
		name string
		fn   func() error
	}{
		{"AddPeer", func() error { return node.AddPeer("node2", "127.0.0.1:7002") }},
		{"RemovePeer", func() error { return node.RemovePeer("node2") }},
		{"TransferLeadership", node.TransferLeadership},
		{"ApplyLog", func() error { return node.ApplyLog(&LogEntry{Type: LogEntryBlock}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, ErrNotInitialized) {
				t.Errorf("Expected ErrNotInitialized, got %v", err)
			}
		})
	}

	if err := node.Stop(); err != nil {
		t.Errorf("Stop before start should be a no-op, got %v", err)
	}
}
