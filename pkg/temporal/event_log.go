// Package temporal is the authoritative, causally-ordered event log:
// every policy lifecycle, deliberation decision and branch action is
// recorded as a content-addressed event linked to its causal parents,
// with periodic state snapshots for fast historical lookups.
package temporal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cgrhq/cgr/pkg/canonicalize"
)

const idLength = 16

// ErrUnknownParent is returned (wrapped with the offending ids) when Record
// is given a parent id that does not exist in the log.
var ErrUnknownParent = errors.New("temporal: unknown parent event id")

// ConsistencyStatus is the outcome of validating a single event against the
// rest of the log.
type ConsistencyStatus string

const (
	StatusConsistent             ConsistencyStatus = "consistent"
	StatusMissingDependencies    ConsistencyStatus = "missing_dependencies"
	StatusTemporallyInconsistent ConsistencyStatus = "temporally_inconsistent"
	StatusCausallyInconsistent   ConsistencyStatus = "causally_inconsistent"
)

// Event is one content-addressed entry in the log. ID is derived from
// (event_type, timestamp, actor, payload); CausalHash additionally binds
// the sorted parent ids, so any reordering or substitution of ancestry
// changes it.
type Event struct {
	ID                   string         `json:"id"`
	EventType            string         `json:"event_type"`
	Actor                string         `json:"actor"`
	Payload              map[string]any `json:"payload,omitempty"`
	ParentIDs            []string       `json:"parent_ids,omitempty"`
	Timestamp            time.Time      `json:"timestamp"`
	CausalHash           string         `json:"causal_hash"`
	ConstitutionalAnchor string         `json:"constitutional_anchor"`
}

// QueryFilter narrows Query results; zero-value fields are unfiltered.
type QueryFilter struct {
	EventType string
	Actor     string
	Since     time.Time
	Until     time.Time
}

// RuntimeState is the materialized projection of the event stream: the
// policies currently active, the decisions still pending execution, and
// the latest per-branch action payload.
type RuntimeState struct {
	ActivePolicies   map[string]bool           `json:"active_policies"`
	PendingDecisions map[string]bool           `json:"pending_decisions"`
	BranchState      map[string]map[string]any `json:"branch_state"`
}

func newRuntimeState() *RuntimeState {
	return &RuntimeState{
		ActivePolicies:   make(map[string]bool),
		PendingDecisions: make(map[string]bool),
		BranchState:      make(map[string]map[string]any),
	}
}

func (s *RuntimeState) clone() *RuntimeState {
	c := newRuntimeState()
	for k, v := range s.ActivePolicies {
		c.ActivePolicies[k] = v
	}
	for k, v := range s.PendingDecisions {
		c.PendingDecisions[k] = v
	}
	for k, v := range s.BranchState {
		c.BranchState[k] = v
	}
	return c
}

// apply is the event-type-specific state transition from §4.B's record
// algorithm, step 5.
func (s *RuntimeState) apply(e *Event) {
	switch e.EventType {
	case "policy_created":
		if id, ok := e.Payload["policy_id"].(string); ok {
			s.ActivePolicies[id] = true
		}
	case "decision_made":
		if id, ok := decisionKey(e.Payload); ok {
			s.PendingDecisions[id] = true
		}
	case "policy_executed":
		if id, ok := decisionKey(e.Payload); ok {
			delete(s.PendingDecisions, id)
		}
	case "branch_action":
		if id, ok := e.Payload["branch_id"].(string); ok {
			s.BranchState[id] = e.Payload
		}
	}
}

func decisionKey(payload map[string]any) (string, bool) {
	if id, ok := payload["decision_id"].(string); ok {
		return id, true
	}
	if id, ok := payload["envelope_id"].(string); ok {
		return id, true
	}
	return "", false
}

// Snapshot is a point-in-time copy of RuntimeState taken every
// snapshot_interval events, used to accelerate state_at.
type Snapshot struct {
	Timestamp  time.Time
	EventCount int
	State      *RuntimeState
}

var defaultBranchActorPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// EventLog is the in-memory reference implementation of the event engine.
type EventLog struct {
	mu                 sync.RWMutex
	anchor             string
	snapshotInterval   int
	branchActorPattern *regexp.Regexp

	byID     map[string]*Event
	byTime   []*Event
	byActor  map[string][]*Event
	byType   map[string][]*Event
	children map[string][]string

	frontier map[string]bool

	state     *RuntimeState
	snapshots []*Snapshot
}

// NewEventLog constructs an event log that rejects events whose
// constitutional anchor does not equal anchor, snapshotting its state
// every snapshotInterval recorded events (100 if snapshotInterval <= 0).
func NewEventLog(anchor string, snapshotInterval int) *EventLog {
	if snapshotInterval <= 0 {
		snapshotInterval = 100
	}
	return &EventLog{
		anchor:             anchor,
		snapshotInterval:   snapshotInterval,
		branchActorPattern: defaultBranchActorPattern,
		byID:               make(map[string]*Event),
		byActor:            make(map[string][]*Event),
		byType:             make(map[string][]*Event),
		children:           make(map[string][]string),
		frontier:           make(map[string]bool),
		state:              newRuntimeState(),
	}
}

// SetBranchActorPattern replaces the heuristic used to validate the actor
// string shape of branch_action events.
func (l *EventLog) SetBranchActorPattern(re *regexp.Regexp) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.branchActorPattern = re
}

// Record appends a new event with the given parents, returning the
// consistency status alongside the event so quarantine-worthy records are
// still durably logged rather than dropped. It raises ErrUnknownParent
// (wrapped) only when a parent id does not exist; every other validation
// failure is reported as a non-consistent status.
func (l *EventLog) Record(ctx context.Context, eventType, actor, anchor string, payload map[string]any, parentIDs []string) (*Event, ConsistencyStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var missing []string
	for _, p := range parentIDs {
		if _, ok := l.byID[p]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return nil, StatusMissingDependencies, fmt.Errorf("%w: %v", ErrUnknownParent, missing)
	}

	now := time.Now().UTC()

	id, err := computeEventID(eventType, now, actor, payload)
	if err != nil {
		return nil, StatusConsistent, fmt.Errorf("temporal: compute event id: %w", err)
	}
	causalHash, err := computeCausalHash(id, parentIDs, payload)
	if err != nil {
		return nil, StatusConsistent, fmt.Errorf("temporal: compute causal hash: %w", err)
	}

	event := &Event{
		ID:                   id,
		EventType:            eventType,
		Actor:                actor,
		Payload:              payload,
		ParentIDs:            append([]string(nil), parentIDs...),
		Timestamp:            now,
		CausalHash:           causalHash,
		ConstitutionalAnchor: anchor,
	}

	status := l.validateLocked(event)

	l.index(event)
	l.state.apply(event)

	for _, p := range parentIDs {
		delete(l.frontier, p)
	}
	l.frontier[id] = true

	if len(l.byID)%l.snapshotInterval == 0 {
		l.snapshots = append(l.snapshots, &Snapshot{Timestamp: now, EventCount: len(l.byID), State: l.state.clone()})
	}

	return event, status, nil
}

// Validate re-derives the consistency status of event against the log's
// current contents, without requiring it to have been recorded.
func (l *EventLog) Validate(event *Event) (ConsistencyStatus, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	status := l.validateLocked(event)
	return status, consistencyMessage(status, event)
}

// validateLocked implements steps 1-4 of §4.B's record algorithm; callers
// must hold l.mu.
func (l *EventLog) validateLocked(event *Event) ConsistencyStatus {
	for _, p := range event.ParentIDs {
		if _, ok := l.byID[p]; !ok {
			return StatusMissingDependencies
		}
	}
	for _, p := range event.ParentIDs {
		if parent := l.byID[p]; parent != nil && !parent.Timestamp.Before(event.Timestamp) {
			return StatusTemporallyInconsistent
		}
	}
	if l.wouldCreateCycle(event.ID, event.ParentIDs) {
		return StatusCausallyInconsistent
	}
	if event.ConstitutionalAnchor != l.anchor {
		return StatusCausallyInconsistent
	}
	if event.EventType == "branch_action" && l.branchActorPattern != nil && !l.branchActorPattern.MatchString(event.Actor) {
		return StatusCausallyInconsistent
	}
	return StatusConsistent
}

func consistencyMessage(status ConsistencyStatus, event *Event) string {
	switch status {
	case StatusMissingDependencies:
		return fmt.Sprintf("event %s references a parent id not present in the log", event.ID)
	case StatusTemporallyInconsistent:
		return fmt.Sprintf("event %s does not strictly follow one or more of its parents", event.ID)
	case StatusCausallyInconsistent:
		return fmt.Sprintf("event %s fails a causal or constitutional invariant", event.ID)
	default:
		return ""
	}
}

// ValidateAll re-validates every event currently in the log.
func (l *EventLog) ValidateAll() (ok bool, errs []string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ok = true
	for _, e := range l.byTime {
		if status := l.validateLocked(e); status != StatusConsistent {
			ok = false
			errs = append(errs, fmt.Sprintf("%s: %s (%s)", e.ID, consistencyMessage(status, e), status))
		}
	}
	return ok, errs
}

// Query returns up to limit events matching filters, most-recent-first.
// limit <= 0 means unbounded.
func (l *EventLog) Query(filters QueryFilter, limit int) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Event, 0)
	for i := len(l.byTime) - 1; i >= 0; i-- {
		e := l.byTime[i]
		if filters.EventType != "" && e.EventType != filters.EventType {
			continue
		}
		if filters.Actor != "" && e.Actor != filters.Actor {
			continue
		}
		if !filters.Since.IsZero() && e.Timestamp.Before(filters.Since) {
			continue
		}
		if !filters.Until.IsZero() && e.Timestamp.After(filters.Until) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// StateAt reconstructs RuntimeState as of timestamp t: it finds the latest
// snapshot at or before t and replays every subsequent by-time event up to
// t onto a copy of that snapshot's state.
func (l *EventLog) StateAt(t time.Time) *RuntimeState {
	l.mu.RLock()
	defer l.mu.RUnlock()

	base := newRuntimeState()
	var snapshotTS time.Time
	for i := len(l.snapshots) - 1; i >= 0; i-- {
		if !l.snapshots[i].Timestamp.After(t) {
			base = l.snapshots[i].State.clone()
			snapshotTS = l.snapshots[i].Timestamp
			break
		}
	}

	for _, e := range l.byTime {
		if e.Timestamp.After(snapshotTS) && !e.Timestamp.After(t) {
			base.apply(e)
		}
	}
	return base
}

// Frontier returns the ids currently on the causal frontier: events with no
// recorded child.
func (l *EventLog) Frontier() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.frontier))
	for id := range l.frontier {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RecentEvents returns up to limit of the most recently recorded events,
// oldest-first, rendered as plain maps for JSON transport.
func (l *EventLog) RecentEvents(limit int) []map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.byTime) {
		limit = len(l.byTime)
	}
	start := len(l.byTime) - limit

	out := make([]map[string]any, 0, limit)
	for _, e := range l.byTime[start:] {
		out = append(out, map[string]any{
			"id":                    e.ID,
			"event_type":            e.EventType,
			"actor":                 e.Actor,
			"parent_ids":            e.ParentIDs,
			"timestamp":             e.Timestamp,
			"causal_hash":           e.CausalHash,
			"constitutional_anchor": e.ConstitutionalAnchor,
			"payload":               e.Payload,
		})
	}
	return out
}

// index inserts e into every index; callers must hold l.mu.
func (l *EventLog) index(e *Event) {
	l.byID[e.ID] = e

	pos := sort.Search(len(l.byTime), func(i int) bool { return l.byTime[i].Timestamp.After(e.Timestamp) })
	l.byTime = append(l.byTime, nil)
	copy(l.byTime[pos+1:], l.byTime[pos:])
	l.byTime[pos] = e

	l.byActor[e.Actor] = append(l.byActor[e.Actor], e)
	l.byType[e.EventType] = append(l.byType[e.EventType], e)
	for _, p := range e.ParentIDs {
		l.children[p] = append(l.children[p], e.ID)
	}
}

// wouldCreateCycle reports whether inserting an event with this id and
// parentIDs would close a cycle in the causal graph. A fresh content-
// addressed id cannot already be an ancestor of anything, so this only
// fires when id collides with an existing event that is itself upstream
// of one of the proposed parents — e.g. a replayed or tampered event
// resubmitted as a descendant of its own descendant. validate_all reuses
// it to re-audit a log that was loaded from untrusted storage.
func (l *EventLog) wouldCreateCycle(id string, parentIDs []string) bool {
	if _, exists := l.byID[id]; !exists {
		return false
	}
	for _, p := range parentIDs {
		if l.isAncestor(id, p) {
			return true
		}
	}
	return false
}

// isAncestor runs a DFS over parent links starting at start, returning
// true if candidate is reached.
func (l *EventLog) isAncestor(candidate, start string) bool {
	visited := make(map[string]bool)
	var dfs func(n string) bool
	dfs = func(n string) bool {
		if visited[n] {
			return false
		}
		visited[n] = true
		ev, ok := l.byID[n]
		if !ok {
			return false
		}
		for _, p := range ev.ParentIDs {
			if p == candidate || dfs(p) {
				return true
			}
		}
		return false
	}
	return dfs(start)
}

func computeEventID(eventType string, ts time.Time, actor string, payload map[string]any) (string, error) {
	canon, err := canonicalize.JCS(payload)
	if err != nil {
		return "", err
	}
	buf := []byte(eventType + "|" + ts.Format(time.RFC3339Nano) + "|" + actor + "|")
	buf = append(buf, canon...)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])[:idLength], nil
}

func computeCausalHash(id string, parentIDs []string, payload map[string]any) (string, error) {
	canon, err := canonicalize.JCS(payload)
	if err != nil {
		return "", err
	}
	sorted := append([]string(nil), parentIDs...)
	sort.Strings(sorted)
	buf := []byte(id + "|" + strings.Join(sorted, ",") + "|")
	buf = append(buf, canon...)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])[:idLength], nil
}
