package auditledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/redis/go-redis/v9"
)

// fallbackFile is the filename FileStore writes; pinned here since the name
// itself is load-bearing (operators grep for it in deployments that never
// configured Redis).
const fallbackFile = "audit_ledger_storage.json"

// Store persists committed batches and their entries. RedisStore is the
// production backend; FileStore is a single-file backend mirroring the same
// logical layout (batch root, batch entry list, a global batch list, and a
// batch counter) even though the file backend has no real "keys." The store
// is chosen at construction: nothing switches a Ledger to FileStore when
// Redis becomes unreachable.
type Store interface {
	SaveBatch(ctx context.Context, batch *Batch, entries []*Entry) error
	LoadBatch(ctx context.Context, batchID int) (*Batch, []*Entry, error)
	NextBatchID(ctx context.Context) (int, error)
	ListBatches(ctx context.Context) ([]int, error)
}

// RedisStore implements Store against Redis using the keys
// `ledger:batch:<id>:root`, `ledger:batch:<id>:entries`,
// `ledger:batches`, `ledger:batch_counter`.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) SaveBatch(ctx context.Context, batch *Batch, entries []*Entry) error {
	entriesJSON, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("auditledger: marshal entries: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf("ledger:batch:%d:root", batch.ID), batch.Root, 0)
	pipe.Set(ctx, fmt.Sprintf("ledger:batch:%d:entries", batch.ID), entriesJSON, 0)
	pipe.RPush(ctx, "ledger:batches", batch.ID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("auditledger: save batch: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadBatch(ctx context.Context, batchID int) (*Batch, []*Entry, error) {
	root, err := s.client.Get(ctx, fmt.Sprintf("ledger:batch:%d:root", batchID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("auditledger: load batch root: %w", err)
	}
	raw, err := s.client.Get(ctx, fmt.Sprintf("ledger:batch:%d:entries", batchID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("auditledger: load batch entries: %w", err)
	}
	var entries []*Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, nil, fmt.Errorf("auditledger: unmarshal batch entries: %w", err)
	}
	entryIDs := make([]string, len(entries))
	for i, e := range entries {
		entryIDs[i] = e.ID
	}
	return &Batch{ID: batchID, Root: root, EntryIDs: entryIDs}, entries, nil
}

func (s *RedisStore) NextBatchID(ctx context.Context) (int, error) {
	n, err := s.client.Incr(ctx, "ledger:batch_counter").Result()
	if err != nil {
		return 0, fmt.Errorf("auditledger: next batch id: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) ListBatches(ctx context.Context) ([]int, error) {
	raw, err := s.client.LRange(ctx, "ledger:batches", 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("auditledger: list batches: %w", err)
	}
	ids := make([]int, 0, len(raw))
	for _, v := range raw {
		var id int
		if _, err := fmt.Sscanf(v, "%d", &id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// fileDocument is the on-disk shape of the fallback file, holding every
// batch committed through the FileStore.
type fileDocument struct {
	NextBatchID int                  `json:"next_batch_id"`
	Batches     map[int]*Batch       `json:"batches"`
	Entries     map[int][]*Entry     `json:"entries"`
}

// FileStore is the file-backed persistence, writing to fallbackFile
// ("audit_ledger_storage.json") in path.
type FileStore struct {
	mu   sync.Mutex
	path string
	doc  fileDocument
}

// NewFileStore opens (or creates) the fallback store at dir/fallbackFile.
func NewFileStore(dir string) (*FileStore, error) {
	path := dir + "/" + fallbackFile
	fs := &FileStore{path: path, doc: fileDocument{Batches: make(map[int]*Batch), Entries: make(map[int][]*Entry)}}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &fs.doc); err != nil {
			return nil, fmt.Errorf("auditledger: corrupt fallback file %s: %w", path, err)
		}
	}
	return fs, nil
}

func (s *FileStore) persist() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("auditledger: marshal fallback document: %w", err)
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *FileStore) SaveBatch(ctx context.Context, batch *Batch, entries []*Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Batches[batch.ID] = batch
	s.doc.Entries[batch.ID] = entries
	return s.persist()
}

func (s *FileStore) LoadBatch(ctx context.Context, batchID int) (*Batch, []*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.doc.Batches[batchID]
	if !ok {
		return nil, nil, fmt.Errorf("auditledger: batch %d not found", batchID)
	}
	return b, s.doc.Entries[batchID], nil
}

func (s *FileStore) NextBatchID(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.NextBatchID++
	if err := s.persist(); err != nil {
		return 0, err
	}
	return s.doc.NextBatchID, nil
}

func (s *FileStore) ListBatches(ctx context.Context) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.doc.Batches))
	for id := range s.doc.Batches {
		ids = append(ids, id)
	}
	return ids, nil
}
