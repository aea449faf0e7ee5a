package temporal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testAnchor = "0000000000000000"

func TestRecordUnknownParentRaises(t *testing.T) {
	log := NewEventLog(testAnchor, 100)
	_, _, err := log.Record(context.Background(), "policy_created", "actor-1", testAnchor, map[string]any{"policy_id": "p1"}, []string{"missing"})
	require.ErrorIs(t, err, ErrUnknownParent)
}

func TestRecordChainsCausally(t *testing.T) {
	log := NewEventLog(testAnchor, 100)

	first, status, err := log.Record(context.Background(), "policy_created", "actor-1", testAnchor, map[string]any{"policy_id": "p1"}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusConsistent, status)

	second, status, err := log.Record(context.Background(), "decision_made", "actor-1", testAnchor, map[string]any{"decision_id": "d1"}, []string{first.ID})
	require.NoError(t, err)
	require.Equal(t, StatusConsistent, status)
	require.Equal(t, []string{first.ID}, second.ParentIDs)
	require.NotEqual(t, first.CausalHash, second.CausalHash)

	require.Equal(t, []string{second.ID}, log.Frontier())
}

func TestRecordDetectsWrongAnchor(t *testing.T) {
	log := NewEventLog(testAnchor, 100)
	_, status, err := log.Record(context.Background(), "policy_created", "actor-1", "ffffffffffffffff", map[string]any{"policy_id": "p1"}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCausallyInconsistent, status)
}

func TestRecordDetectsTemporalInconsistency(t *testing.T) {
	log := NewEventLog(testAnchor, 100)
	parent, _, err := log.Record(context.Background(), "policy_created", "actor-1", testAnchor, map[string]any{"policy_id": "p1"}, nil)
	require.NoError(t, err)

	parent.Timestamp = time.Now().UTC().Add(time.Hour)

	status := log.validateLocked(&Event{
		ID:                   "child",
		EventType:            "decision_made",
		Actor:                "actor-1",
		Timestamp:            time.Now().UTC(),
		ParentIDs:            []string{parent.ID},
		ConstitutionalAnchor: testAnchor,
	})
	require.Equal(t, StatusTemporallyInconsistent, status)
}

func TestStateAtReplaysFromNearestSnapshot(t *testing.T) {
	log := NewEventLog(testAnchor, 2)

	p1, _, err := log.Record(context.Background(), "policy_created", "actor-1", testAnchor, map[string]any{"policy_id": "p1"}, nil)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	mid := time.Now().UTC()
	time.Sleep(time.Millisecond)

	_, _, err = log.Record(context.Background(), "decision_made", "actor-1", testAnchor, map[string]any{"decision_id": "d1"}, []string{p1.ID})
	require.NoError(t, err)

	stateAtMid := log.StateAt(mid)
	require.True(t, stateAtMid.ActivePolicies["p1"])
	require.False(t, stateAtMid.PendingDecisions["d1"])

	stateNow := log.StateAt(time.Now().UTC())
	require.True(t, stateNow.PendingDecisions["d1"])
}

func TestPolicyExecutedClearsPending(t *testing.T) {
	log := NewEventLog(testAnchor, 100)
	decision, _, err := log.Record(context.Background(), "decision_made", "actor-1", testAnchor, map[string]any{"decision_id": "d1"}, nil)
	require.NoError(t, err)

	_, _, err = log.Record(context.Background(), "policy_executed", "actor-1", testAnchor, map[string]any{"decision_id": "d1"}, []string{decision.ID})
	require.NoError(t, err)

	state := log.StateAt(time.Now().UTC())
	require.False(t, state.PendingDecisions["d1"])
}

func TestQueryMostRecentFirstWithFilters(t *testing.T) {
	log := NewEventLog(testAnchor, 100)
	a, _, err := log.Record(context.Background(), "policy_created", "actor-1", testAnchor, map[string]any{"policy_id": "p1"}, nil)
	require.NoError(t, err)
	b, _, err := log.Record(context.Background(), "decision_made", "actor-2", testAnchor, map[string]any{"decision_id": "d1"}, []string{a.ID})
	require.NoError(t, err)

	results := log.Query(QueryFilter{}, 0)
	require.Len(t, results, 2)
	require.Equal(t, b.ID, results[0].ID)
	require.Equal(t, a.ID, results[1].ID)

	filtered := log.Query(QueryFilter{Actor: "actor-2"}, 10)
	require.Len(t, filtered, 1)
	require.Equal(t, b.ID, filtered[0].ID)
}

func TestValidateAllDetectsCausalTamper(t *testing.T) {
	log := NewEventLog(testAnchor, 100)
	a, _, err := log.Record(context.Background(), "policy_created", "actor-1", testAnchor, map[string]any{"policy_id": "p1"}, nil)
	require.NoError(t, err)

	ok, errs := log.ValidateAll()
	require.True(t, ok)
	require.Empty(t, errs)

	a.ConstitutionalAnchor = "ffffffffffffffff"
	ok, errs = log.ValidateAll()
	require.False(t, ok)
	require.NotEmpty(t, errs)
}

func TestBranchActorHeuristicRejectsMalformedActor(t *testing.T) {
	log := NewEventLog(testAnchor, 100)
	_, status, err := log.Record(context.Background(), "branch_action", "not a valid actor!", testAnchor, map[string]any{"branch_id": "b1"}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCausallyInconsistent, status)
}
