package hitl

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cgrhq/cgr/pkg/canonicalize"
)

// ErrChainBroken is returned by VerifyIntegrity when any entry fails its
// checksum, parent-reference, or monotonic-timestamp check.
var ErrChainBroken = errors.New("hitl: audit chain is broken")

// AuditEntryType enumerates the HITL decision events that get chained.
type AuditEntryType string

const (
	AuditApprovalCreated   AuditEntryType = "approval_created"
	AuditApprovalApproved  AuditEntryType = "approval_approved"
	AuditApprovalRejected  AuditEntryType = "approval_rejected"
	AuditApprovalEscalated AuditEntryType = "approval_escalated"
	AuditApprovalExpired   AuditEntryType = "approval_expired"
	AuditApprovalCancelled AuditEntryType = "approval_cancelled"
)

// TargetKind identifies what an audit entry's Target refers to.
type TargetKind string

const (
	TargetRequest TargetKind = "request"
	TargetChain   TargetKind = "chain"
	TargetPolicy  TargetKind = "policy"
)

// AuditEntry is a single immutable entry in the chain-local, checksum-chained
// audit trail. It is distinct from the Merkle-batched ledger in
// pkg/auditledger: this chain is strictly linear and process-wide, not
// per-request, so tamper detection needs only the last known entry id.
type AuditEntry struct {
	ID             string         `json:"id"`
	EntryType      AuditEntryType `json:"entry_type"`
	Timestamp      time.Time      `json:"timestamp"`
	ActorID        string         `json:"actor_id"`
	ActorType      string         `json:"actor_type"`
	ActorRole      string         `json:"actor_role"`
	TargetKind     TargetKind     `json:"target_kind"`
	TargetID       string         `json:"target_id"`
	PreviousState  string         `json:"previous_state"`
	NewState       string         `json:"new_state"`
	Details        map[string]any `json:"details,omitempty"`
	Rationale      string         `json:"rationale,omitempty"`
	ParentEntryID  string         `json:"parent_entry_id,omitempty"`
	Checksum       string         `json:"checksum"`
}

// Chain is the append-only, checksum-chained audit trail. All appends are
// serialized across the whole process: §5 requires a single chain for
// tamper detection, not one chain per request.
type Chain struct {
	mu      sync.Mutex
	entries []*AuditEntry
	byID    map[string]*AuditEntry
	lastID  string
	clock   func() time.Time
}

// NewChain creates an empty checksum-chained audit trail.
func NewChain() *Chain {
	return &Chain{
		byID:  make(map[string]*AuditEntry),
		clock: time.Now,
	}
}

// WithClock overrides the chain's clock for deterministic tests.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

// Append records a new decision. parentEntryID is set to the most recently
// appended entry's id (process-wide), or empty for the chain genesis.
func (c *Chain) Append(entryType AuditEntryType, actorID, actorType, actorRole string, target TargetKind, targetID, previousState, newState, rationale string, details map[string]any) (*AuditEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &AuditEntry{
		ID:            uuid.New().String(),
		EntryType:     entryType,
		Timestamp:     c.clock().UTC(),
		ActorID:       actorID,
		ActorType:     actorType,
		ActorRole:     actorRole,
		TargetKind:    target,
		TargetID:      targetID,
		PreviousState: previousState,
		NewState:      newState,
		Rationale:     rationale,
		Details:       details,
		ParentEntryID: c.lastID,
	}

	checksum, err := computeChecksum(entry)
	if err != nil {
		return nil, fmt.Errorf("hitl: compute checksum: %w", err)
	}
	entry.Checksum = checksum

	c.entries = append(c.entries, entry)
	c.byID[entry.ID] = entry
	c.lastID = entry.ID

	return entry, nil
}

// computeChecksum hashes every field except Checksum itself, over the
// RFC 8785 canonical JSON encoding (keys sorted).
func computeChecksum(e *AuditEntry) (string, error) {
	hashable := struct {
		ID            string         `json:"id"`
		EntryType     AuditEntryType `json:"entry_type"`
		Timestamp     time.Time      `json:"timestamp"`
		ActorID       string         `json:"actor_id"`
		ActorType     string         `json:"actor_type"`
		ActorRole     string         `json:"actor_role"`
		TargetKind    TargetKind     `json:"target_kind"`
		TargetID      string         `json:"target_id"`
		PreviousState string         `json:"previous_state"`
		NewState      string         `json:"new_state"`
		Details       map[string]any `json:"details,omitempty"`
		Rationale     string         `json:"rationale,omitempty"`
		ParentEntryID string         `json:"parent_entry_id,omitempty"`
	}{
		e.ID, e.EntryType, e.Timestamp, e.ActorID, e.ActorType, e.ActorRole,
		e.TargetKind, e.TargetID, e.PreviousState, e.NewState, e.Details,
		e.Rationale, e.ParentEntryID,
	}
	return canonicalize.CanonicalHash(hashable)
}

// Get retrieves an entry by id.
func (c *Chain) Get(id string) (*AuditEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[id]
	return e, ok
}

// Head returns the most recently appended entry's id, or "" if empty.
func (c *Chain) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID
}

// ByTarget returns every entry recorded against targetID, in append order.
func (c *Chain) ByTarget(targetID string) []*AuditEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*AuditEntry
	for _, e := range c.entries {
		if e.TargetID == targetID {
			out = append(out, e)
		}
	}
	return out
}

// VerifyIntegrity walks entries in time order (oldest first) and checks (a)
// checksums, (b) parent references, (c) monotonic timestamps. limit caps
// how many of the most recent entries are checked; 0 means check everything.
func (c *Chain) VerifyIntegrity(limit int) (bool, []string) {
	c.mu.Lock()
	entries := make([]*AuditEntry, len(c.entries))
	copy(entries, c.entries)
	c.mu.Unlock()

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	var errs []string
	var prevTS time.Time
	for i, e := range entries {
		if e.ParentEntryID != "" {
			if _, ok := c.byID[e.ParentEntryID]; !ok {
				errs = append(errs, fmt.Sprintf("entry %s: parent %s does not exist", e.ID, e.ParentEntryID))
			}
		} else if i != 0 {
			errs = append(errs, fmt.Sprintf("entry %s: missing parent_entry_id but is not chain genesis", e.ID))
		}

		computed, err := computeChecksum(e)
		if err != nil || computed != e.Checksum {
			errs = append(errs, fmt.Sprintf("checksum mismatch for entry %s", e.ID))
		}

		if i > 0 && e.Timestamp.Before(prevTS) {
			errs = append(errs, fmt.Sprintf("entry %s: timestamp precedes prior entry", e.ID))
		}
		prevTS = e.Timestamp
	}

	return len(errs) == 0, errs
}

// Clear destroys every entry. Documented as a test-only bypass: calling this
// outside tests defeats the chain's entire immutability guarantee.
func (c *Chain) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
	c.byID = make(map[string]*AuditEntry)
	c.lastID = ""
}

// Len returns the number of entries appended so far.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
