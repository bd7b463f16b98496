package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/povledger/povledger/internal/consensus"
	"github.com/povledger/povledger/internal/ledger"
	"github.com/povledger/povledger/internal/membership"
)

const defaultQueryTimeout = 10 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS povledger_blocks (
	idx  BIGINT PRIMARY KEY,
	data JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS povledger_members (
	seq  BIGSERIAL,
	id   TEXT PRIMARY KEY,
	data JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS povledger_requests (
	seq  BIGSERIAL,
	id   TEXT PRIMARY KEY,
	data JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS povledger_engine (
	id   SMALLINT PRIMARY KEY,
	data JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS povledger_metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// PostgresStore is the PostgreSQL backend. It satisfies the same persister
// interfaces as Storage.
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStore{pool: pool, timeout: defaultQueryTimeout}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *PostgresStore) SaveBlock(block *ledger.Block) error {
	ctx, cancel := s.ctx()
	defer cancel()

	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO povledger_blocks (idx, data) VALUES ($1, $2)
		 ON CONFLICT (idx) DO UPDATE SET data = EXCLUDED.data`,
		int64(block.Index), data)
	if err != nil {
		return fmt.Errorf("failed to save block %d: %w", block.Index, err)
	}
	return nil
}

func (s *PostgresStore) LoadBlocks() ([]*ledger.Block, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT data FROM povledger_blocks ORDER BY idx`)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*ledger.Block
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		var b ledger.Block
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("failed to unmarshal block: %w", err)
		}
		blocks = append(blocks, &b)
	}
	return blocks, rows.Err()
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) SaveMember(m *membership.Member) error {
	ctx, cancel := s.ctx()
	defer cancel()
	return upsertRecord(ctx, s.pool, "povledger_members", m.ID, m)
}

func (s *PostgresStore) SaveRequest(r *membership.Request) error {
	ctx, cancel := s.ctx()
	defer cancel()
	return upsertRecord(ctx, s.pool, "povledger_requests", r.ID, r)
}

func (s *PostgresStore) SaveAdmission(m *membership.Member, r *membership.Request) error {
	ctx, cancel := s.ctx()
	defer cancel()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := upsertRecord(ctx, tx, "povledger_members", m.ID, m); err != nil {
			return err
		}
		return upsertRecord(ctx, tx, "povledger_requests", r.ID, r)
	})
}

// upsertRecord keeps the original seq on update so loads stay in
// first-insertion order.
func upsertRecord(ctx context.Context, q querier, table, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}

	_, err = q.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, data) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, table),
		id, data)
	if err != nil {
		return fmt.Errorf("failed to save %s into %s: %w", id, table, err)
	}
	return nil
}

func (s *PostgresStore) LoadMembers() ([]*membership.Member, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	var members []*membership.Member
	err := loadRecords(ctx, s.pool, "povledger_members", func(data []byte) error {
		var m membership.Member
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		members = append(members, &m)
		return nil
	})
	return members, err
}

func (s *PostgresStore) LoadRequests() ([]*membership.Request, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	var requests []*membership.Request
	err := loadRecords(ctx, s.pool, "povledger_requests", func(data []byte) error {
		var r membership.Request
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		requests = append(requests, &r)
		return nil
	})
	return requests, err
}

func loadRecords(ctx context.Context, q querier, table string, fn func([]byte) error) error {
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT data FROM %s ORDER BY seq`, table))
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("failed to scan %s: %w", table, err)
		}
		if err := fn(data); err != nil {
			return fmt.Errorf("failed to unmarshal %s row: %w", table, err)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) SaveEngineState(state *consensus.State) error {
	ctx, cancel := s.ctx()
	defer cancel()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal engine state: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO povledger_engine (id, data) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, data)
	if err != nil {
		return fmt.Errorf("failed to save engine state: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadEngineState() (*consensus.State, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM povledger_engine WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load engine state: %w", err)
	}

	var state consensus.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal engine state: %w", err)
	}
	return &state, nil
}

func (s *PostgresStore) SetMetadata(key, value string) error {
	ctx, cancel := s.ctx()
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO povledger_metadata (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}

func (s *PostgresStore) GetMetadata(key string) (string, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM povledger_metadata WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("metadata key %s: %w", key, ErrNotFound)
	}
	return value, err
}
