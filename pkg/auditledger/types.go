// Package auditledger implements component A: a batching, Merkle-committed
// audit ledger. Entries are queued, periodically (or forcibly) committed
// into a batch whose leaves are entry hashes, and the resulting root is
// persisted with the batch's entries. Inclusion proofs are not persisted:
// Ledger.ProofForHash re-derives them from the in-memory batch.
package auditledger

import "time"

// Entry is a single submitted validation record, before it has been
// committed into a batch.
type Entry struct {
	ID                 string         `json:"id"`
	TenantID           string         `json:"tenant_id"`
	ConstitutionalHash string         `json:"constitutional_hash"`
	Subject            string         `json:"subject"`
	Action             string         `json:"action"`
	Payload            map[string]any `json:"payload"`
	SubmittedAt        time.Time      `json:"submitted_at"`

	// EntryHash is the deterministic hash of the canonicalized entry
	// (excluding EntryHash itself), computed at submission time. R3:
	// submitting the same record twice yields two distinct entries (different
	// ID/SubmittedAt) but the same EntryHash when payload and subject match.
	EntryHash string `json:"entry_hash"`

	BatchID int `json:"batch_id"`
	Index   int `json:"index"` // position of this entry's hash among batch leaves
}

// Batch is a committed, immutable set of entries and their Merkle root.
type Batch struct {
	ID          int       `json:"id"`
	Root        string    `json:"root"`
	EntryIDs    []string  `json:"entry_ids"`
	CommittedAt time.Time `json:"committed_at"`

	// Signature is the master key's Ed25519 signature over Root, set by
	// Ledger when a Keyring is installed. Empty when no Keyring is set.
	Signature []byte `json:"signature,omitempty"`
}

// Stats summarizes the ledger's current state.
type Stats struct {
	PendingCount  int `json:"pending_count"`
	CommittedCount int `json:"committed_count"`
	BatchCount    int `json:"batch_count"`
}
