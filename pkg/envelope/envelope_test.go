package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testAnchor = "0123456789abcdef"

func TestTransitionMonotonic(t *testing.T) {
	e := New("e1", "tenant-a", "actor-a", MessageQuery, PriorityStandard, map[string]any{"q": "hi"}, testAnchor)
	require.NoError(t, e.Transition(StatusDelivered))
	require.Error(t, e.Transition(StatusQueued), "delivered has no outgoing transitions")
}

func TestTransitionTerminalIsFinal(t *testing.T) {
	e := New("e2", "tenant-a", "actor-a", MessageCommand, PriorityHigh, map[string]any{}, testAnchor)
	require.NoError(t, e.Transition(StatusQueued))
	require.NoError(t, e.Transition(StatusApproved))
	require.True(t, e.IsTerminal())
	require.Error(t, e.Transition(StatusRejected))
}

func TestTransitionIllegalJump(t *testing.T) {
	e := New("e3", "tenant-a", "actor-a", MessageCommand, PriorityHigh, map[string]any{}, testAnchor)
	require.Error(t, e.Transition(StatusApproved), "pending cannot jump directly to approved")
}

func TestValidatorRejectsAnchorMismatch(t *testing.T) {
	v, err := NewValidator(testAnchor)
	require.NoError(t, err)

	e := New("e4", "tenant-a", "actor-a", MessageQuery, PriorityLow, map[string]any{"q": "x"}, "deadbeefdeadbeef")
	result := v.Validate(e)
	require.False(t, result.Valid)
	require.Contains(t, result.Errors[0].Code, "ANCHOR_MISMATCH")
}

func TestValidatorAcceptsWellFormedEnvelope(t *testing.T) {
	v, err := NewValidator(testAnchor)
	require.NoError(t, err)

	e := New("e5", "tenant-a", "actor-a", MessageQuery, PriorityLow, map[string]any{"q": "weather today"}, testAnchor)
	result := v.Validate(e)
	require.True(t, result.Valid)
	require.Empty(t, result.Errors)
}

func TestNewValidatorRejectsMalformedAnchor(t *testing.T) {
	_, err := NewValidator("not-hex")
	require.Error(t, err)
}
