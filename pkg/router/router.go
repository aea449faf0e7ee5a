package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cgrhq/cgr/pkg/envelope"
)

const (
	defaultThreshold   = 0.8
	defaultImpactOnErr = 0.3
	historyCapacity    = 1000
)

// ImpactScorer scores an envelope's payload in [0,1]; the router's sole
// external collaborator for deciding fast vs. deliberation dispatch.
type ImpactScorer interface {
	Score(ctx context.Context, payload map[string]any) (float64, error)
}

// DeliberationQueue is component E's input: enqueueing an envelope for
// human-in-the-loop deliberation returns an opaque item id.
type DeliberationQueue interface {
	Enqueue(ctx context.Context, env *envelope.Envelope) (itemID string, err error)
}

// Learner is an optional hook that observes routing outcomes; absent a
// learner the router still records stats but never moves the threshold on
// its own.
type Learner interface {
	Observe(envelopeID string, impact float64, lane Lane, outcome Outcome, processingTime time.Duration, feedbackScore *float64)
}

// Router is the deliberation router: component D.
type Router struct {
	mu        sync.Mutex
	scorer    ImpactScorer
	queue     DeliberationQueue
	learner   Learner
	threshold float64
	history   []*historyRecord
	byID      map[string]*historyRecord
	total     int
	fastCount int
	deliCount int
	log       *slog.Logger
}

// New constructs a router with the default deliberation threshold (0.8).
func New(scorer ImpactScorer, queue DeliberationQueue, learner Learner, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		scorer:    scorer,
		queue:     queue,
		learner:   learner,
		threshold: defaultThreshold,
		byID:      make(map[string]*historyRecord),
		log:       log,
	}
}

// Route decides fast-lane delivery or deliberation-queue enqueue for env,
// comparing its impact score against the configured threshold.
func (r *Router) Route(ctx context.Context, env *envelope.Envelope) (Decision, error) {
	impact, err := r.resolveImpact(ctx, env)
	if err != nil {
		impact = defaultImpactOnErr
		r.log.Warn("router: impact scoring failed, using default score", "envelope_id", env.ID, "error", err)
	}
	env.SetImpactScore(impact)

	return r.dispatch(ctx, env, impact, false, "")
}

// resolveImpact returns the envelope's existing impact score if already
// set, else invokes the scorer.
func (r *Router) resolveImpact(ctx context.Context, env *envelope.Envelope) (float64, error) {
	if env.ImpactScore != nil {
		return *env.ImpactScore, nil
	}
	if r.scorer == nil {
		return defaultImpactOnErr, nil
	}
	return r.scorer.Score(ctx, env.Payload)
}

// dispatch applies the threshold comparison and records history. It is
// shared by Route and ForceDeliberation.
func (r *Router) dispatch(ctx context.Context, env *envelope.Envelope, impact float64, forced bool, reason string) (Decision, error) {
	r.mu.Lock()
	threshold := r.threshold
	r.mu.Unlock()

	decision := Decision{ImpactScore: impact, Forced: forced, ForcedReason: reason}

	if impact >= threshold {
		if r.queue == nil {
			return Decision{}, fmt.Errorf("router: no deliberation queue configured")
		}
		itemID, err := r.queue.Enqueue(ctx, env)
		if err != nil {
			return Decision{}, fmt.Errorf("router: enqueue failed: %w", err)
		}
		if err := env.Transition(envelope.StatusQueued); err != nil {
			return Decision{}, err
		}
		decision.Lane = LaneDeliberation
		decision.ItemID = itemID
		decision.EstimatedWait = r.estimatedWait()
		r.record(env.ID, impact, LaneDeliberation)
		return decision, nil
	}

	if err := env.Transition(envelope.StatusDelivered); err != nil {
		return Decision{}, err
	}
	decision.Lane = LaneFast
	r.record(env.ID, impact, LaneFast)
	return decision, nil
}

// UpdateFeedback records the eventual outcome of a deliberated envelope and
// notifies the optional learner.
func (r *Router) UpdateFeedback(envelopeID string, outcome Outcome, processingTime time.Duration, feedbackScore *float64) error {
	r.mu.Lock()
	rec, ok := r.byID[envelopeID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("router: no history for envelope %q", envelopeID)
	}
	rec.Outcome = outcome
	rec.HasOutcome = true
	rec.ProcessingTime = processingTime
	rec.FeedbackScore = feedbackScore
	learner := r.learner
	impact := rec.Impact
	lane := rec.Lane
	r.mu.Unlock()

	if learner != nil {
		learner.Observe(envelopeID, impact, lane, outcome, processingTime, feedbackScore)
	}
	return nil
}

// Stats reports the router's lifetime counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	approved, completed := 0, 0
	for _, rec := range r.history {
		if rec.HasOutcome {
			completed++
			if rec.Outcome == OutcomeApproved {
				approved++
			}
		}
	}

	s := Stats{
		Total:             r.total,
		FastCount:         r.fastCount,
		DeliberationCount: r.deliCount,
		Threshold:         r.threshold,
		LearningEnabled:   r.learner != nil,
	}
	if completed > 0 {
		s.ApprovalRate = float64(approved) / float64(completed)
	}
	if r.total > 0 {
		s.FastLanePct = float64(r.fastCount) / float64(r.total)
	}
	return s
}

// SetImpactThreshold clamps x to [0,1] and sets it as the new deliberation
// threshold, taking effect immediately.
func (r *Router) SetImpactThreshold(x float64) {
	if x < 0 {
		x = 0
	}
	if x > 1 {
		x = 1
	}
	r.mu.Lock()
	r.threshold = x
	r.mu.Unlock()
}

// ForceDeliberation temporarily elevates env's impact to 1.0 for this
// single dispatch, enqueues it, then restores the envelope's original
// score. The resulting decision is tagged forced=true with reason.
func (r *Router) ForceDeliberation(ctx context.Context, env *envelope.Envelope, reason string) (Decision, error) {
	original := env.ImpactScore
	env.SetImpactScore(1.0)

	decision, err := r.dispatch(ctx, env, 1.0, true, reason)

	if original != nil {
		env.SetImpactScore(*original)
	}
	return decision, err
}
