package hitl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func twoStepChain() ApprovalChainDefinition {
	return ApprovalChainDefinition{
		Name: "standard",
		Steps: []ChainStep{
			{Role: "reviewer", Quorum: 1},
			{Role: "admin", Quorum: 1},
		},
	}
}

func newTestManager(t *testing.T) (*Manager, *Chain) {
	t.Helper()
	chain := NewChain()
	timers := NewTimerEngine(NewMemoryTimerStore(), NewMemoryTimerStore(), time.Second, 30, 15, 3, nil, nil)
	notifier := NewOrchestrator(nil, RetryConfig{Attempts: 1, BaseDelay: time.Millisecond}, nil)
	mgr := NewManager(chain, timers, notifier, 3, nil, nil)
	return mgr, chain
}

func TestDecideAdvancesStepOnQuorum(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	req, err := mgr.Create(ctx, "tenant-a", "envelope-1", PriorityHigh, twoStepChain(), nil)
	require.NoError(t, err)
	require.Equal(t, 0, req.StepIndex)

	req, err = mgr.Decide(ctx, req.ID, "reviewer-1", "reviewer", true, "looks fine")
	require.NoError(t, err)
	require.Equal(t, 1, req.StepIndex)
	require.Equal(t, StatusPending, req.Status)

	req, err = mgr.Decide(ctx, req.ID, "admin-1", "admin", true, "approved")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, req.Status)
}

func TestDecideRejectionEndsRequestImmediately(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	req, err := mgr.Create(ctx, "tenant-a", "envelope-2", PriorityMedium, twoStepChain(), nil)
	require.NoError(t, err)

	req, err = mgr.Decide(ctx, req.ID, "reviewer-1", "reviewer", false, "not acceptable")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, req.Status)

	_, err = mgr.Decide(ctx, req.ID, "admin-1", "admin", true, "too late")
	require.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestStepIndexNeverDecreases(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	req, err := mgr.Create(ctx, "tenant-a", "envelope-3", PriorityLow, twoStepChain(), nil)
	require.NoError(t, err)

	prevStep := req.StepIndex
	req, err = mgr.Decide(ctx, req.ID, "reviewer-1", "reviewer", true, "ok")
	require.NoError(t, err)
	require.GreaterOrEqual(t, req.StepIndex, prevStep)
}

func TestTimerFireEscalatesThenExpires(t *testing.T) {
	mgr, chain := newTestManager(t)
	ctx := context.Background()

	req, err := mgr.Create(ctx, "tenant-a", "envelope-4", PriorityCritical, twoStepChain(), nil)
	require.NoError(t, err)

	for i := 0; i <= mgr.maxEsc; i++ {
		err := mgr.onTimerFire(ctx, req.ID)
		require.NoError(t, err)
	}
	got, _ := mgr.Get(req.ID)
	require.Equal(t, StatusExpired, got.Status)

	ok, errs := chain.VerifyIntegrity(0)
	require.True(t, ok, errs)
}

func TestCancelRequiresAuthorization(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	req, err := mgr.Create(ctx, "tenant-a", "envelope-5", PriorityLow, twoStepChain(), nil)
	require.NoError(t, err)

	_, err = mgr.Cancel(ctx, req.ID, "random-actor", false)
	require.ErrorIs(t, err, ErrUnauthorizedCancel)

	got, err := mgr.Cancel(ctx, req.ID, "tenant-a", false)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)
}

func TestChainVerifyIntegrityDetectsTamper(t *testing.T) {
	chain := NewChain()
	e1, err := chain.Append(AuditApprovalCreated, "tenant-a", "system", "approver", TargetRequest, "req-1", "", "pending", "created", nil)
	require.NoError(t, err)
	_, err = chain.Append(AuditApprovalApproved, "tenant-a", "system", "approver", TargetRequest, "req-1", "pending", "approved", "done", nil)
	require.NoError(t, err)

	ok, errs := chain.VerifyIntegrity(0)
	require.True(t, ok, errs)

	e1.Rationale = "tampered"
	ok, errs = chain.VerifyIntegrity(0)
	require.False(t, ok)
	require.NotEmpty(t, errs)
}

func TestChainGenesisHasNoParent(t *testing.T) {
	chain := NewChain()
	e1, err := chain.Append(AuditApprovalCreated, "tenant-a", "system", "approver", TargetRequest, "req-1", "", "pending", "created", nil)
	require.NoError(t, err)
	require.Empty(t, e1.ParentEntryID)
}

func TestTimeoutForPriorityMatchesExactFormulas(t *testing.T) {
	require.Equal(t, 15*time.Minute, timeoutForPriority(PriorityCritical, 30, 15))
	require.Equal(t, 22*time.Minute, timeoutForPriority(PriorityHigh, 30, 15))
	require.Equal(t, 30*time.Minute, timeoutForPriority(PriorityMedium, 30, 15))
	require.Equal(t, 45*time.Minute, timeoutForPriority(PriorityLow, 30, 15))
}

func TestSelectProvidersAddsPagerDutyByEscalationLevel(t *testing.T) {
	require.NotContains(t, selectProviders(PriorityMedium, 0), "pagerduty")
	require.Contains(t, selectProviders(PriorityMedium, 2), "pagerduty")
	require.Contains(t, selectProviders(PriorityCritical, 0), "pagerduty")
}

func TestBackoffDelayIsExponential(t *testing.T) {
	retry := RetryConfig{Attempts: 4, BaseDelay: 100 * time.Millisecond}
	require.Equal(t, 100*time.Millisecond, retry.delay(0))
	require.Equal(t, 200*time.Millisecond, retry.delay(1))
	require.Equal(t, 400*time.Millisecond, retry.delay(2))
}

func TestMemoryTimerStoreDueTimers(t *testing.T) {
	store := NewMemoryTimerStore()
	ctx := context.Background()
	now, _ := store.ServerTime(ctx)
	require.NoError(t, store.SetTimer(ctx, "r1", now.Add(-time.Second), map[string]string{"priority": "high"}))
	require.NoError(t, store.SetTimer(ctx, "r2", now.Add(time.Hour), nil))

	due, err := store.DueTimers(ctx, now)
	require.NoError(t, err)
	require.Equal(t, []string{"r1"}, due)
}
