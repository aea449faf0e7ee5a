package auditledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store against a durable SQL backend, for
// deployments that want the ledger's batch history to survive both a
// Redis outage and a process restart without relying on the local
// filesystem FileStore uses. Schema (idempotently created by
// NewPostgresStore):
//
//	ledger_batches(id bigint primary key, root text, committed_at timestamptz)
//	ledger_entries(batch_id bigint, entry_id text, payload jsonb)
//	ledger_counter(name text primary key, value bigint)
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens db (via database/sql with the lib/pq driver) and
// ensures the ledger tables exist.
func NewPostgresStore(ctx context.Context, dataSourceName string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("auditledger: open postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// newPostgresStoreFromDB wraps an already-open *sql.DB, letting tests
// inject a sqlmock connection instead of dialing a real database.
func newPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ledger_batches (id BIGINT PRIMARY KEY, root TEXT NOT NULL, committed_at TIMESTAMPTZ NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (batch_id BIGINT NOT NULL, entry_id TEXT NOT NULL, payload JSONB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS ledger_counter (name TEXT PRIMARY KEY, value BIGINT NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("auditledger: migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveBatch(ctx context.Context, batch *Batch, entries []*Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("auditledger: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_batches (id, root, committed_at) VALUES ($1, $2, $3)`,
		batch.ID, batch.Root, batch.CommittedAt); err != nil {
		return fmt.Errorf("auditledger: insert batch: %w", err)
	}

	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("auditledger: marshal entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (batch_id, entry_id, payload) VALUES ($1, $2, $3)`,
			batch.ID, e.ID, payload); err != nil {
			return fmt.Errorf("auditledger: insert entry: %w", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) LoadBatch(ctx context.Context, batchID int) (*Batch, []*Entry, error) {
	batch := &Batch{ID: batchID}
	row := s.db.QueryRowContext(ctx, `SELECT root, committed_at FROM ledger_batches WHERE id = $1`, batchID)
	if err := row.Scan(&batch.Root, &batch.CommittedAt); err != nil {
		return nil, nil, fmt.Errorf("auditledger: load batch %d: %w", batchID, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT entry_id, payload FROM ledger_entries WHERE batch_id = $1`, batchID)
	if err != nil {
		return nil, nil, fmt.Errorf("auditledger: load entries for batch %d: %w", batchID, err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var entryID string
		var payload []byte
		if err := rows.Scan(&entryID, &payload); err != nil {
			return nil, nil, fmt.Errorf("auditledger: scan entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, nil, fmt.Errorf("auditledger: unmarshal entry %s: %w", entryID, err)
		}
		entries = append(entries, &e)
		batch.EntryIDs = append(batch.EntryIDs, entryID)
	}
	return batch, entries, rows.Err()
}

func (s *PostgresStore) NextBatchID(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("auditledger: begin tx: %w", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO ledger_counter (name, value) VALUES ('batch', 1)
		 ON CONFLICT (name) DO UPDATE SET value = ledger_counter.value + 1
		 RETURNING value`).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("auditledger: next batch id: %w", err)
	}
	return int(next), tx.Commit()
}

func (s *PostgresStore) ListBatches(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM ledger_batches ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("auditledger: list batches: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("auditledger: scan batch id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
