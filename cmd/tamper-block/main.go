// Command tamper-block rewrites one stored block in place without updating its
// hash, so `povledger verify` and the periodic chain verifier can be shown to
// catch the edit. It operates on a stopped node's bolt file.
package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/povledger/povledger/internal/ledger"
	"github.com/povledger/povledger/internal/storage"
	bolt "go.etcd.io/bbolt"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <povledger.db> <block-index>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "This tool rewrites the proposer of a stored block, leaving its hash unchanged\n")
		os.Exit(1)
	}

	dbPath := os.Args[1]
	index, err := strconv.ParseUint(os.Args[2], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid block index: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Opening BoltDB: %s\n", dbPath)
	fmt.Printf("Target block: %d\n", index)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open BoltDB: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)

	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(storage.BlocksBucket)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", storage.BlocksBucket)
		}

		data := bucket.Get(key)
		if data == nil {
			return fmt.Errorf("block %d not found", index)
		}

		var block ledger.Block
		if err := json.Unmarshal(data, &block); err != nil {
			return fmt.Errorf("failed to decode block: %w", err)
		}
		fmt.Printf("Found block %d\n", block.Index)
		fmt.Printf("  Proposer: %s\n", block.Proposer)
		fmt.Printf("  Hash: %s...\n", block.Hash[:min(32, len(block.Hash))])

		block.Proposer = "mallory"

		corrupted, err := json.Marshal(block)
		if err != nil {
			return fmt.Errorf("failed to marshal corrupted block: %w", err)
		}
		if err := bucket.Put(key, corrupted); err != nil {
			return fmt.Errorf("failed to save corrupted block: %w", err)
		}

		fmt.Printf("Corrupted block %d: proposer is now %s\n", block.Index, block.Proposer)
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("BoltDB tampering completed")
}
