package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/povledger/povledger/internal/consensus"
	"github.com/povledger/povledger/internal/ledger"
	"github.com/povledger/povledger/internal/membership"
	bolt "go.etcd.io/bbolt"
)

var (
	BlocksBucket   = []byte("blocks")
	MembersBucket  = []byte("members")
	RequestsBucket = []byte("requests")
	EngineBucket   = []byte("engine")
	MetadataBucket = []byte("metadata")

	engineStateKey = []byte("state")
)

// ErrNotFound is returned for missing metadata keys.
var ErrNotFound = errors.New("not found")

// Backend is everything the governance service persists.
type Backend interface {
	ledger.Persister
	membership.Persister
	consensus.StatePersister
	SetMetadata(key, value string) error
	GetMetadata(key string) (string, error)
	Close() error
}

var (
	_ Backend = (*Storage)(nil)
	_ Backend = (*PostgresStore)(nil)
)

// Storage is the default bbolt backend. It persists the chain, the member
// registry, membership requests and the consensus engine state.
type Storage struct {
	db *bolt.DB
}

// Dump is a full copy of the stored state, used for raft snapshots.
type Dump struct {
	Blocks   []*ledger.Block       `json:"blocks"`
	Members  []*membership.Member  `json:"members"`
	Requests []*membership.Request `json:"requests"`
	Engine   *consensus.State      `json:"engine,omitempty"`
}

// ordered wraps keyed records with their first-insertion sequence so loads
// come back in a stable order.
type ordered struct {
	Seq  uint64          `json:"seq"`
	Data json.RawMessage `json:"data"`
}

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{BlocksBucket, MembersBucket, RequestsBucket, EngineBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) Path() string {
	return s.db.Path()
}

func blockKey(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}

func (s *Storage) SaveBlock(block *ledger.Block) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putBlock(tx, block)
	})
}

func putBlock(tx *bolt.Tx, block *ledger.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}
	return tx.Bucket(BlocksBucket).Put(blockKey(block.Index), data)
}

// LoadBlocks returns the chain in index order.
func (s *Storage) LoadBlocks() ([]*ledger.Block, error) {
	var blocks []*ledger.Block

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(BlocksBucket).ForEach(func(k, v []byte) error {
			var b ledger.Block
			if err := json.Unmarshal(v, &b); err != nil {
				return fmt.Errorf("failed to unmarshal block %d: %w", binary.BigEndian.Uint64(k), err)
			}
			blocks = append(blocks, &b)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return blocks, nil
}

// GetBlock returns a single stored block.
func (s *Storage) GetBlock(index uint64) (*ledger.Block, error) {
	var block ledger.Block

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(BlocksBucket).Get(blockKey(index))
		if data == nil {
			return fmt.Errorf("block %d: %w", index, ErrNotFound)
		}
		return json.Unmarshal(data, &block)
	})
	if err != nil {
		return nil, err
	}

	return &block, nil
}

func (s *Storage) SaveMember(m *membership.Member) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putOrdered(tx.Bucket(MembersBucket), m.ID, m)
	})
}

func (s *Storage) SaveRequest(r *membership.Request) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putOrdered(tx.Bucket(RequestsBucket), r.ID, r)
	})
}

// SaveAdmission writes a member and its request in one transaction.
func (s *Storage) SaveAdmission(m *membership.Member, r *membership.Request) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putOrdered(tx.Bucket(MembersBucket), m.ID, m); err != nil {
			return err
		}
		return putOrdered(tx.Bucket(RequestsBucket), r.ID, r)
	})
}

func putOrdered(bucket *bolt.Bucket, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}

	rec := ordered{Data: data}
	if existing := bucket.Get([]byte(id)); existing != nil {
		var prev ordered
		if err := json.Unmarshal(existing, &prev); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", id, err)
		}
		rec.Seq = prev.Seq
	} else {
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		rec.Seq = seq
	}

	out, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(id), out)
}

func loadOrdered(bucket *bolt.Bucket) ([]json.RawMessage, error) {
	var recs []ordered
	err := bucket.ForEach(func(k, v []byte) error {
		var rec ordered
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", k, err)
		}
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })

	out := make([]json.RawMessage, len(recs))
	for i, rec := range recs {
		out[i] = rec.Data
	}
	return out, nil
}

// LoadMembers returns members in the order they were first stored.
func (s *Storage) LoadMembers() ([]*membership.Member, error) {
	var members []*membership.Member

	err := s.db.View(func(tx *bolt.Tx) error {
		raw, err := loadOrdered(tx.Bucket(MembersBucket))
		if err != nil {
			return err
		}
		for _, data := range raw {
			var m membership.Member
			if err := json.Unmarshal(data, &m); err != nil {
				return fmt.Errorf("failed to unmarshal member: %w", err)
			}
			members = append(members, &m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return members, nil
}

// LoadRequests returns requests in submission order.
func (s *Storage) LoadRequests() ([]*membership.Request, error) {
	var requests []*membership.Request

	err := s.db.View(func(tx *bolt.Tx) error {
		raw, err := loadOrdered(tx.Bucket(RequestsBucket))
		if err != nil {
			return err
		}
		for _, data := range raw {
			var r membership.Request
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("failed to unmarshal request: %w", err)
			}
			requests = append(requests, &r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return requests, nil
}

func (s *Storage) SaveEngineState(state *consensus.State) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putEngineState(tx, state)
	})
}

func putEngineState(tx *bolt.Tx, state *consensus.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal engine state: %w", err)
	}
	return tx.Bucket(EngineBucket).Put(engineStateKey, data)
}

// LoadEngineState returns nil when nothing has been saved yet.
func (s *Storage) LoadEngineState() (*consensus.State, error) {
	var state *consensus.State

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(EngineBucket).Get(engineStateKey)
		if data == nil {
			return nil
		}
		state = &consensus.State{}
		return json.Unmarshal(data, state)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load engine state: %w", err)
	}

	return state, nil
}

func (s *Storage) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (s *Storage) GetMetadata(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("metadata key %s: %w", key, ErrNotFound)
		}
		value = string(data)
		return nil
	})

	return value, err
}

// Export copies everything except metadata.
func (s *Storage) Export() (*Dump, error) {
	blocks, err := s.LoadBlocks()
	if err != nil {
		return nil, err
	}
	members, err := s.LoadMembers()
	if err != nil {
		return nil, err
	}
	requests, err := s.LoadRequests()
	if err != nil {
		return nil, err
	}
	state, err := s.LoadEngineState()
	if err != nil {
		return nil, err
	}

	return &Dump{Blocks: blocks, Members: members, Requests: requests, Engine: state}, nil
}

// Import replaces the stored chain, registry, requests and engine state
// with d in a single transaction.
func (s *Storage) Import(d *Dump) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{BlocksBucket, MembersBucket, RequestsBucket, EngineBucket} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return fmt.Errorf("failed to clear bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		for _, b := range d.Blocks {
			if err := putBlock(tx, b); err != nil {
				return err
			}
		}
		for _, m := range d.Members {
			if err := putOrdered(tx.Bucket(MembersBucket), m.ID, m); err != nil {
				return err
			}
		}
		for _, r := range d.Requests {
			if err := putOrdered(tx.Bucket(RequestsBucket), r.ID, r); err != nil {
				return err
			}
		}
		if d.Engine != nil {
			return putEngineState(tx, d.Engine)
		}
		return nil
	})
}
