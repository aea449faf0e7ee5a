package auditledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cgrhq/cgr/pkg/canonicalize"
	"github.com/cgrhq/cgr/pkg/merkle"
)

// Ledger batches submitted entries and commits them into Merkle-rooted
// batches, either on a fixed size threshold or on an explicit ForceCommit.
// Entry-list mutations are guarded by mu; batch commits are serialized by
// commitMu.
type Ledger struct {
	mu       sync.Mutex
	commitMu sync.Mutex

	anchor string
	store  Store

	queueCap  int
	batchSize int
	pending   []*Entry

	batches   []*Batch
	entriesByBatch map[int][]*Entry
	entriesByHash  map[string]*Entry

	publisher CheckpointPublisher
	keyring   *Keyring
	log       *slog.Logger
}

// CheckpointPublisher durably anchors a committed batch's Merkle root
// somewhere outside this process, so the root can be verified even if
// every local copy of the ledger is lost. Implementations (pkg/anchor) are
// best-effort: a publish failure is logged but never blocks a commit.
type CheckpointPublisher interface {
	PublishCheckpoint(ctx context.Context, batchID int, root string, committedAt time.Time) error
}

// New constructs a ledger that commits every batchSize entries, bounded by
// queueCap pending entries (oldest dropped on overflow, per §5's resource
// policy), persisting through store.
func New(anchor string, store Store, batchSize, queueCap int, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if queueCap <= 0 {
		queueCap = 10000
	}
	return &Ledger{
		anchor:         anchor,
		store:          store,
		queueCap:       queueCap,
		batchSize:      batchSize,
		entriesByBatch: make(map[int][]*Entry),
		entriesByHash:  make(map[string]*Entry),
		log:            log,
	}
}

// SetPublisher installs a CheckpointPublisher; nil disables checkpointing.
func (l *Ledger) SetPublisher(p CheckpointPublisher) {
	l.publisher = p
}

// SetKeyring installs a Keyring used to sign every batch root on commit;
// nil disables signing.
func (l *Ledger) SetKeyring(k *Keyring) {
	l.keyring = k
}

// Submit enqueues a validation record for the next batch commit. It is not
// deduplicated (R3): the same logical record submitted twice produces two
// distinct entries, though their EntryHash will be identical if tenant,
// subject, action, and payload match. Overflow beyond queueCap drops the oldest
// pending entry, logged loudly.
func (l *Ledger) Submit(ctx context.Context, tenantID, subject, action string, payload map[string]any) (*Entry, error) {
	entry := &Entry{
		ID:                 uuid.New().String(),
		TenantID:           tenantID,
		ConstitutionalHash: l.anchor,
		Subject:            subject,
		Action:             action,
		Payload:            payload,
		SubmittedAt:        time.Now().UTC(),
	}

	hash, err := computeEntryHash(entry)
	if err != nil {
		return nil, fmt.Errorf("auditledger: compute entry hash: %w", err)
	}
	entry.EntryHash = hash

	l.mu.Lock()
	if len(l.pending) >= l.queueCap {
		dropped := l.pending[0]
		l.pending = l.pending[1:]
		l.log.Warn("auditledger: pending queue overflow, dropping oldest entry", "dropped_entry_id", dropped.ID, "queue_cap", l.queueCap)
	}
	l.pending = append(l.pending, entry)
	shouldCommit := len(l.pending) >= l.batchSize
	l.mu.Unlock()

	if shouldCommit {
		if _, err := l.ForceCommit(ctx); err != nil {
			l.log.Error("auditledger: automatic batch commit failed", "error", err)
		}
	}

	return entry, nil
}

// computeEntryHash hashes the record's tenant, anchor, subject, action and
// payload. ID, SubmittedAt, EntryHash, BatchID and Index are left out, so the
// same record submitted twice hashes identically (R3).
func computeEntryHash(e *Entry) (string, error) {
	hashable := struct {
		TenantID           string         `json:"tenant_id"`
		ConstitutionalHash string         `json:"constitutional_hash"`
		Subject            string         `json:"subject"`
		Action             string         `json:"action"`
		Payload            map[string]any `json:"payload"`
	}{e.TenantID, e.ConstitutionalHash, e.Subject, e.Action, e.Payload}
	return canonicalize.CanonicalHash(hashable)
}

// ForceCommit immediately commits whatever is pending into a new batch,
// even below batchSize. Returns the empty batch id (0) with no error if
// nothing was pending.
func (l *Ledger) ForceCommit(ctx context.Context) (int, error) {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	l.mu.Lock()
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return 0, nil
	}
	toCommit := l.pending
	l.pending = nil
	l.mu.Unlock()

	leaves := make([]string, len(toCommit))
	for i, e := range toCommit {
		leaves[i] = e.EntryHash
		e.Index = i
	}

	tree := merkle.Build(leaves)

	batchID, err := l.store.NextBatchID(ctx)
	if err != nil {
		l.requeue(toCommit)
		return 0, fmt.Errorf("auditledger: allocate batch id: %w", err)
	}

	for _, e := range toCommit {
		e.BatchID = batchID
	}

	batch := &Batch{
		ID:          batchID,
		Root:        tree.Root,
		EntryIDs:    entryIDs(toCommit),
		CommittedAt: time.Now().UTC(),
	}
	if l.keyring != nil {
		batch.Signature = l.keyring.Sign(batch.Root)
	}

	if err := l.store.SaveBatch(ctx, batch, toCommit); err != nil {
		l.requeue(toCommit)
		return 0, fmt.Errorf("auditledger: save batch: %w", err)
	}

	l.mu.Lock()
	l.batches = append(l.batches, batch)
	l.entriesByBatch[batchID] = toCommit
	for _, e := range toCommit {
		l.entriesByHash[e.EntryHash] = e
	}
	l.mu.Unlock()

	l.log.Info("auditledger: batch committed", "batch_id", batchID, "entry_count", len(toCommit), "root", batch.Root)

	if l.publisher != nil {
		if err := l.publisher.PublishCheckpoint(ctx, batchID, batch.Root, batch.CommittedAt); err != nil {
			l.log.Error("auditledger: checkpoint publish failed", "batch_id", batchID, "error", err)
		}
	}

	return batchID, nil
}

// requeue restores entries to pending after a failed commit attempt, ahead
// of whatever was submitted in the meantime, to preserve submission order.
func (l *Ledger) requeue(entries []*Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(entries, l.pending...)
}

func entryIDs(entries []*Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

// GetBatchRoot returns the committed Merkle root for a batch.
func (l *Ledger) GetBatchRoot(batchID int) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.batches {
		if b.ID == batchID {
			return b.Root, true
		}
	}
	return "", false
}

// QueryByBatch returns every entry committed in a batch, in submission
// order.
func (l *Ledger) QueryByBatch(batchID int) ([]*Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, ok := l.entriesByBatch[batchID]
	return entries, ok
}

// ProofForHash builds the inclusion proof for the committed entry whose
// EntryHash matches hash, re-deriving it from the in-memory batch it
// belongs to.
func (l *Ledger) ProofForHash(hash string) (*merkle.Proof, bool) {
	l.mu.Lock()
	entry, ok := l.entriesByHash[hash]
	if !ok {
		l.mu.Unlock()
		return nil, false
	}
	entries := l.entriesByBatch[entry.BatchID]
	l.mu.Unlock()

	leaves := make([]string, len(entries))
	for i, e := range entries {
		leaves[i] = e.EntryHash
	}
	tree := merkle.Build(leaves)
	proof, err := merkle.ProofFor(tree, entry.Index)
	if err != nil {
		return nil, false
	}
	return proof, true
}

// VerifyEntry re-derives the Merkle proof for hash and verifies it against
// the committed batch root, satisfying P3's "verify(e, proof, root) == true".
func (l *Ledger) VerifyEntry(hash string) bool {
	proof, ok := l.ProofForHash(hash)
	if !ok {
		return false
	}
	l.mu.Lock()
	batchID := l.entriesByHash[hash].BatchID
	l.mu.Unlock()
	root, ok := l.GetBatchRoot(batchID)
	if !ok {
		return false
	}
	return merkle.Verify(proof, root)
}

// Stats summarizes the ledger's current state.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	committed := 0
	for _, entries := range l.entriesByBatch {
		committed += len(entries)
	}
	return Stats{
		PendingCount:   len(l.pending),
		CommittedCount: committed,
		BatchCount:     len(l.batches),
	}
}
