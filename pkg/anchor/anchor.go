// Package anchor durably publishes audit ledger batch checkpoints (a
// committed Merkle root plus its batch id and commit time) to storage
// outside this process, so the root survives even if every local copy of
// the ledger is lost. Selected via auditledger.Ledger.SetPublisher.
package anchor

import "time"

// Checkpoint is the payload published for each committed batch.
type Checkpoint struct {
	BatchID     int       `json:"batch_id"`
	Root        string    `json:"root"`
	CommittedAt time.Time `json:"committed_at"`
}
