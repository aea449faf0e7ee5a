package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cgrhq/cgr/pkg/envelope"
)

type fixedScorer struct {
	score float64
	err   error
}

func (f fixedScorer) Score(ctx context.Context, payload map[string]any) (float64, error) {
	return f.score, f.err
}

type memQueue struct {
	n int
}

func (q *memQueue) Enqueue(ctx context.Context, env *envelope.Envelope) (string, error) {
	q.n++
	return "item-1", nil
}

type failingQueue struct{}

func (failingQueue) Enqueue(ctx context.Context, env *envelope.Envelope) (string, error) {
	return "", errors.New("queue unavailable")
}

func newEnv(impact *float64) *envelope.Envelope {
	e := envelope.New("env-1", "tenant-1", "actor-1", envelope.MessageCommand, envelope.PriorityStandard, map[string]any{"x": 1}, "anchor")
	e.ImpactScore = impact
	return e
}

func TestRouteFastLaneBelowThreshold(t *testing.T) {
	r := New(fixedScorer{score: 0.2}, &memQueue{}, nil, nil)
	env := newEnv(nil)

	decision, err := r.Route(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Lane != LaneFast {
		t.Fatalf("expected fast lane, got %q", decision.Lane)
	}
	if env.Status != envelope.StatusDelivered {
		t.Fatalf("expected delivered status, got %q", env.Status)
	}
}

func TestRouteDeliberationAboveThreshold(t *testing.T) {
	q := &memQueue{}
	r := New(fixedScorer{score: 0.9}, q, nil, nil)
	env := newEnv(nil)

	decision, err := r.Route(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Lane != LaneDeliberation {
		t.Fatalf("expected deliberation lane, got %q", decision.Lane)
	}
	if decision.ItemID != "item-1" {
		t.Fatalf("expected item id from queue, got %q", decision.ItemID)
	}
	if env.Status != envelope.StatusQueued {
		t.Fatalf("expected queued status, got %q", env.Status)
	}
	if q.n != 1 {
		t.Fatalf("expected queue to be called once, got %d", q.n)
	}
}

func TestRouteScorerErrorUsesDefaultImpact(t *testing.T) {
	r := New(fixedScorer{err: errors.New("scorer down")}, &memQueue{}, nil, nil)
	env := newEnv(nil)

	decision, err := r.Route(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.ImpactScore != defaultImpactOnErr {
		t.Fatalf("expected default impact %v, got %v", defaultImpactOnErr, decision.ImpactScore)
	}
}

func TestSetImpactThresholdClampsToUnitInterval(t *testing.T) {
	r := New(nil, nil, nil, nil)
	r.SetImpactThreshold(1.5)
	if r.threshold != 1 {
		t.Fatalf("expected clamp to 1, got %v", r.threshold)
	}
	r.SetImpactThreshold(-0.5)
	if r.threshold != 0 {
		t.Fatalf("expected clamp to 0, got %v", r.threshold)
	}
}

func TestForceDeliberationRestoresOriginalScoreAndTagsForced(t *testing.T) {
	original := 0.1
	r := New(fixedScorer{score: 0.1}, &memQueue{}, nil, nil)
	env := newEnv(&original)

	decision, err := r.ForceDeliberation(context.Background(), env, "manual review requested")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Forced || decision.ForcedReason != "manual review requested" {
		t.Fatalf("expected forced decision with reason, got %+v", decision)
	}
	if decision.Lane != LaneDeliberation {
		t.Fatalf("expected deliberation lane, got %q", decision.Lane)
	}
	if env.ImpactScore == nil || *env.ImpactScore != original {
		t.Fatalf("expected original impact score restored, got %v", env.ImpactScore)
	}
}

func TestEnqueueFailurePropagatesToCaller(t *testing.T) {
	r := New(fixedScorer{score: 0.95}, failingQueue{}, nil, nil)
	env := newEnv(nil)

	if _, err := r.Route(context.Background(), env); err == nil {
		t.Fatal("expected enqueue failure to propagate")
	}
}

func TestHistoryEvictsOldestEntryFIFOAtCapacity(t *testing.T) {
	r := New(fixedScorer{score: 0.1}, &memQueue{}, nil, nil)
	for i := 0; i < historyCapacity+5; i++ {
		env := envelope.New("env-"+string(rune('a'+i%26))+string(rune(i)), "tenant-1", "actor-1", envelope.MessageCommand, envelope.PriorityStandard, nil, "anchor")
		if _, err := r.Route(context.Background(), env); err != nil {
			t.Fatalf("route %d failed: %v", i, err)
		}
	}
	if len(r.history) != historyCapacity {
		t.Fatalf("expected history capped at %d, got %d", historyCapacity, len(r.history))
	}
	if r.total != historyCapacity+5 {
		t.Fatalf("expected total counter uncapped at %d, got %d", historyCapacity+5, r.total)
	}
}

func TestUpdateFeedbackComputesApprovalRate(t *testing.T) {
	r := New(fixedScorer{score: 0.9}, &memQueue{}, nil, nil)
	ctx := context.Background()

	for i, outcome := range []Outcome{OutcomeApproved, OutcomeApproved, OutcomeRejected} {
		env := envelope.New(string(rune('a'+i)), "tenant-1", "actor-1", envelope.MessageCommand, envelope.PriorityStandard, nil, "anchor")
		if _, err := r.Route(ctx, env); err != nil {
			t.Fatalf("route failed: %v", err)
		}
		if err := r.UpdateFeedback(env.ID, outcome, 2*time.Minute, nil); err != nil {
			t.Fatalf("update feedback failed: %v", err)
		}
	}

	stats := r.Stats()
	if stats.ApprovalRate != 2.0/3.0 {
		t.Fatalf("expected approval rate 2/3, got %v", stats.ApprovalRate)
	}
}
