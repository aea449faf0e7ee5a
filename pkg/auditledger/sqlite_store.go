package auditledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store against an embedded, pure-Go SQLite database,
// for single-node deployments that want FileStore's no-external-dependency
// footprint with real SQL semantics (atomic batch+entry commit, indexed
// lookups) instead of a JSON blob rewritten on every write. Schema
// (idempotently created by NewSQLiteStore) mirrors PostgresStore's.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and ensures
// the ledger tables exist.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("auditledger: open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids "database is
	// locked" errors under this store's own mutex-free concurrent callers.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ledger_batches (id INTEGER PRIMARY KEY, root TEXT NOT NULL, committed_at DATETIME NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (batch_id INTEGER NOT NULL, entry_id TEXT NOT NULL, payload TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS ledger_counter (name TEXT PRIMARY KEY, value INTEGER NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("auditledger: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveBatch(ctx context.Context, batch *Batch, entries []*Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("auditledger: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_batches (id, root, committed_at) VALUES (?, ?, ?)`,
		batch.ID, batch.Root, batch.CommittedAt); err != nil {
		return fmt.Errorf("auditledger: insert batch: %w", err)
	}

	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("auditledger: marshal entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (batch_id, entry_id, payload) VALUES (?, ?, ?)`,
			batch.ID, e.ID, payload); err != nil {
			return fmt.Errorf("auditledger: insert entry: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) LoadBatch(ctx context.Context, batchID int) (*Batch, []*Entry, error) {
	batch := &Batch{ID: batchID}
	row := s.db.QueryRowContext(ctx, `SELECT root, committed_at FROM ledger_batches WHERE id = ?`, batchID)
	if err := row.Scan(&batch.Root, &batch.CommittedAt); err != nil {
		return nil, nil, fmt.Errorf("auditledger: load batch %d: %w", batchID, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT entry_id, payload FROM ledger_entries WHERE batch_id = ?`, batchID)
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

func (s *SQLiteStore) NextBatchID(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("auditledger: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_counter (name, value) VALUES ('batch', 1)
		 ON CONFLICT (name) DO UPDATE SET value = value + 1`); err != nil {
		return 0, fmt.Errorf("auditledger: next batch id: %w", err)
	}
	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM ledger_counter WHERE name = 'batch'`).Scan(&next); err != nil {
		return 0, fmt.Errorf("auditledger: next batch id: %w", err)
	}
	return int(next), tx.Commit()
}

func (s *SQLiteStore) ListBatches(ctx context.Context) ([]int, error) {
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
