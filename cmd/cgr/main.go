// Command cgr runs the constitutional governance runtime: it wires the
// guardrail pipeline, deliberation router, audit ledger, temporal event
// log and HITL approval chain behind the net/http surface in pkg/api.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cgrhq/cgr/pkg/anchor"
	"github.com/cgrhq/cgr/pkg/api"
	"github.com/cgrhq/cgr/pkg/audit"
	"github.com/cgrhq/cgr/pkg/auditledger"
	"github.com/cgrhq/cgr/pkg/config"
	"github.com/cgrhq/cgr/pkg/envelope"
	"github.com/cgrhq/cgr/pkg/guardrail"
	"github.com/cgrhq/cgr/pkg/hitl"
	"github.com/cgrhq/cgr/pkg/observability"
	"github.com/cgrhq/cgr/pkg/ratelimit"
	"github.com/cgrhq/cgr/pkg/router"
	"github.com/cgrhq/cgr/pkg/temporal"
)

func main() {
	cfg := config.Load()
	if err := cfg.ValidateAnchor(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})

	auditLogger := audit.NewLogger()

	var ledgerStore auditledger.Store = auditledger.NewRedisStore(redisClient)
	switch cfg.LedgerBackend {
	case "postgres":
		pgStore, err := auditledger.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("cgr: failed to open postgres ledger store", "error", err)
			os.Exit(1)
		}
		ledgerStore = pgStore
	case "sqlite":
		sqliteStore, err := auditledger.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			log.Error("cgr: failed to open sqlite ledger store", "error", err)
			os.Exit(1)
		}
		ledgerStore = sqliteStore
	}
	ledger := auditledger.New(cfg.ConstitutionalAnchor, ledgerStore, cfg.LedgerBatchSize, cfg.LedgerQueueCap, log)

	ledgerKeyring, err := auditledger.NewKeyring()
	if err != nil {
		log.Error("cgr: failed to generate ledger signing key", "error", err)
		os.Exit(1)
	}
	ledger.SetKeyring(ledgerKeyring)

	if cfg.AnchorBackend == "s3" {
		s3Publisher, err := anchor.NewS3Publisher(ctx, anchor.S3PublisherConfig{
			Bucket: cfg.AnchorBucket, Region: cfg.AnchorRegion, Endpoint: cfg.AnchorEndpoint, Prefix: cfg.AnchorPrefix,
		})
		if err != nil {
			log.Error("cgr: failed to build s3 checkpoint publisher", "error", err)
			os.Exit(1)
		}
		ledger.SetPublisher(s3Publisher)
	} else if cfg.AnchorBackend != "none" && cfg.AnchorBackend != "" {
		log.Warn("cgr: unsupported anchor backend, checkpoints disabled", "anchor_backend", cfg.AnchorBackend)
	}

	eventLog := temporal.NewEventLog(cfg.ConstitutionalAnchor, cfg.SnapshotInterval)
	hitlEventChain := newEventChain()

	otelCfg := observability.DefaultTracerConfig()
	otelCfg.Enabled = cfg.OTLPEndpoint != ""
	otelCfg.OTLPEndpoint = cfg.OTLPEndpoint
	stageTracer, err := observability.NewTracer(ctx, otelCfg, log)
	if err != nil {
		log.Error("cgr: failed to build OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer stageTracer.Shutdown(context.Background())

	sloTracker := observability.NewSLOTracker()
	sloTracker.SetTarget(&observability.SLOTarget{
		SLOID: "guardrail-pipeline", Name: "guardrail pipeline decision",
		Operation: "guardrail_pipeline", LatencyP99: 500 * time.Millisecond,
		SuccessRate: 0.99, WindowHours: 1,
	})
	sloTracker.SetTarget(&observability.SLOTarget{
		SLOID: "hitl-escalation", Name: "HITL escalation timer fire",
		Operation: "escalation", LatencyP99: time.Minute,
		SuccessRate: 0.99, WindowHours: 24,
	})

	limiterStore := ratelimit.NewInMemoryLimiterStore()
	guardrailLimiter := ratelimit.NewGuardrailLimiter(limiterStore, ratelimit.BackpressurePolicy{RPM: 600, TPM: 60000, Burst: 20})

	scorer := &placeholderScorer{defaultScore: 0.3}

	compliance, err := guardrail.NewCELCompliance()
	if err != nil {
		log.Error("cgr: failed to build compliance rule engine", "error", err)
		os.Exit(1)
	}
	for ruleID, expr := range defaultComplianceRules {
		if err := compliance.LoadRule(ruleID, expr); err != nil {
			log.Error("cgr: failed to load compliance rule", "rule_id", ruleID, "error", err)
			os.Exit(1)
		}
	}

	sandbox, err := guardrail.NewSandbox(ctx, guardrail.ResourceProfile{
		Timeout:        cfg.SandboxTimeout,
		MaxMemoryPages: 256,
	})
	if err != nil {
		log.Error("cgr: failed to start sandbox runtime", "error", err)
		os.Exit(1)
	}
	defer sandbox.Close(ctx)

	pipeline := guardrail.New(
		[]guardrail.StageConfig{
			{Stage: guardrail.NewSanitizer(1<<20, nil, true), Enabled: true, Timeout: cfg.SanitizeTimeout},
			{Stage: guardrail.NewGovernor(cfg.ConstitutionalAnchor, compliance, scorer, cfg.ImpactThreshold), Enabled: true, Timeout: cfg.GovernTimeout},
			{Stage: sandbox, Enabled: true, Timeout: cfg.SandboxTimeout},
			{Stage: guardrail.NewVerifier(5*time.Minute, 10, 2*time.Minute), Enabled: true, Timeout: cfg.VerifyTimeout},
		},
		guardrail.NewAuditStage(auditLogger),
		cfg.PipelineTimeout,
		!cfg.ShadowMode,
		guardrailLimiter,
		log,
	)
	stageEventChain := newEventChain()
	pipeline.SetRecorder(&temporalStageRecorder{log: eventLog, anchor: cfg.ConstitutionalAnchor, chain: stageEventChain, logger: log})
	pipeline.SetTracer(stageTracer)

	hitlChain := hitl.NewChain()
	redisTimerStore := hitl.NewRedisTimerStore(redisClient, cfg.RetentionTTL)
	memTimerStore := hitl.NewMemoryTimerStore()

	hitlRecorder := func(ctx context.Context, req *hitl.ApprovalRequest, entryType hitl.AuditEntryType, previousState, newState string) {
		parents := hitlEventChain.parents(req.ID)
		event, status, err := eventLog.Record(ctx, string(entryType), req.TargetID, cfg.ConstitutionalAnchor, map[string]interface{}{
			"request_id":     req.ID,
			"previous_state": previousState,
			"new_state":      newState,
		}, parents)
		if err != nil {
			log.Error("cgr: failed to record hitl transition as temporal event", "error", err)
		} else {
			if status != temporal.StatusConsistent {
				log.Warn("cgr: hitl transition event is inconsistent", "status", status, "request_id", req.ID)
			}
			switch entryType {
			case hitl.AuditApprovalApproved, hitl.AuditApprovalRejected, hitl.AuditApprovalExpired, hitl.AuditApprovalCancelled:
				hitlEventChain.clear(req.ID)
			default:
				hitlEventChain.advance(req.ID, event.ID)
			}
		}
		if _, err := ledger.Submit(ctx, req.TenantID, req.ID, string(entryType), map[string]interface{}{
			"previous_state": previousState,
			"new_state":      newState,
		}); err != nil {
			log.Error("cgr: failed to record hitl transition in audit ledger", "error", err)
		}
		if entryType == hitl.AuditApprovalEscalated || entryType == hitl.AuditApprovalExpired {
			sloTracker.Record(observability.SLOObservation{
				Operation: "escalation",
				Success:   entryType == hitl.AuditApprovalEscalated,
			})
		}
	}

	timerEngine := hitl.NewTimerEngine(
		redisTimerStore, memTimerStore, cfg.EscalationPollInterval,
		cfg.DefaultEscalationTimeoutMinutes,
		15, // critical-priority timeout in minutes
		cfg.MaxEscalations,
		nil, // NewManager wires the real escalation callback below
		log,
	)

	notifier := hitl.NewOrchestrator(nil, hitl.RetryConfig{Attempts: 3, BaseDelay: time.Second}, log)
	manager := hitl.NewManager(hitlChain, timerEngine, notifier, cfg.MaxEscalations, hitlRecorder, log)

	approvalChain := defaultApprovalChain
	if cfg.ApprovalChainFile != "" {
		chains, err := config.LoadApprovalChains(cfg.ApprovalChainFile)
		if err != nil {
			log.Error("cgr: failed to load approval chain file", "path", cfg.ApprovalChainFile, "error", err)
			os.Exit(1)
		}
		chain, ok := chains["default"]
		if !ok {
			log.Error("cgr: approval chain file has no \"default\" entry", "path", cfg.ApprovalChainFile)
			os.Exit(1)
		}
		approvalChain = chain
	}

	deliberationQueue := &managerQueue{mgr: manager, chain: approvalChain}
	dispatchRouter := router.New(scorer, deliberationQueue, nil, log)
	dispatchRouter.SetImpactThreshold(cfg.ImpactThreshold)

	anchorValidator, err := envelope.NewValidator(cfg.ConstitutionalAnchor)
	if err != nil {
		log.Error("cgr: failed to construct envelope validator", "error", err)
		os.Exit(1)
	}

	pipelineRouter := &guardedRouter{
		pipeline:   pipeline,
		router:     dispatchRouter,
		ledger:     ledger,
		events:     eventLog,
		eventChain: stageEventChain,
		anchor:     cfg.ConstitutionalAnchor,
		slo:        sloTracker,
	}

	mux := http.NewServeMux()
	envelopeService := &api.EnvelopeService{Validator: anchorValidator, Router: pipelineRouter}
	ledgerService := &api.LedgerService{Ledger: ledger}
	eventService := &api.EventService{Events: eventLog}
	sloService := &api.SLOService{Tracker: sloTracker}

	mux.HandleFunc("/v1/envelopes", envelopeService.HandleSubmitEnvelope)
	mux.HandleFunc("/v1/ledger/proof/", ledgerService.HandleProof)
	mux.HandleFunc("/v1/events", eventService.HandleEvents)
	mux.HandleFunc("/v1/hitl/approvals/", api.HandleApprovalDecide(manager))
	mux.HandleFunc("/v1/slo/", sloService.HandleStatus)

	limiter := api.NewGlobalRateLimiter(50, 100)
	authMiddleware := api.NewAuthMiddleware(api.NewJWTValidator(cfg.JWTSecret))
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: limiter.Middleware(authMiddleware(mux)),
	}

	go timerEngine.Run(ctx)

	go func() {
		log.Info("cgr: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("cgr: server error", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("cgr: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// placeholderScorer is the default impact/compliance scorer used when no
// pluggable model is configured; the scoring model itself is an external
// collaborator, out of scope for this runtime.
type placeholderScorer struct {
	defaultScore float64
}

func (p *placeholderScorer) Score(ctx context.Context, payload map[string]any) (float64, error) {
	return p.defaultScore, nil
}

// managerQueue adapts hitl.Manager to router.DeliberationQueue, enqueueing
// every routed envelope into chain.
type managerQueue struct {
	mgr   *hitl.Manager
	chain hitl.ApprovalChainDefinition
}

// defaultComplianceRules are the constitutional rules evaluated by the
// govern stage's CEL compliance engine. Each must evaluate to a bool;
// false counts as a violation of that rule.
var defaultComplianceRules = map[string]string{
	"no_admin_override": `!has(payload.admin_override)`,
	"no_root_action":    `!has(payload.action) || payload.action != "root"`,
}

// defaultApprovalChain is used when CGR_APPROVAL_CHAIN_FILE is unset; a
// deployment that wants named chains beyond quorum-of-one sets that
// variable to a YAML file of chains instead (see pkg/config.LoadApprovalChains).
var defaultApprovalChain = hitl.ApprovalChainDefinition{
	Name: "default",
	Steps: []hitl.ChainStep{
		{Role: "reviewer", Quorum: 1},
	},
}

func (q *managerQueue) Enqueue(ctx context.Context, env *envelope.Envelope) (string, error) {
	req, err := q.mgr.Create(ctx, env.TenantID, env.ID, toHITLPriority(env.Priority), q.chain, env.Payload)
	if err != nil {
		return "", err
	}
	return req.ID, nil
}

// toHITLPriority maps envelope priorities onto the HITL chain's priority
// enum; envelope.PriorityStandard has no HITL analog, so it maps to medium.
func toHITLPriority(p envelope.Priority) hitl.Priority {
	switch p {
	case envelope.PriorityLow:
		return hitl.PriorityLow
	case envelope.PriorityHigh:
		return hitl.PriorityHigh
	case envelope.PriorityCritical:
		return hitl.PriorityCritical
	default:
		return hitl.PriorityMedium
	}
}

// guardedRouter implements api.Router: it runs the guardrail pipeline, and
// only on allow does it hand the envelope to the deliberation router. Every
// run is recorded in the audit ledger and the temporal event log.
type guardedRouter struct {
	pipeline   *guardrail.Pipeline
	router     *router.Router
	ledger     *auditledger.Ledger
	events     *temporal.EventLog
	eventChain *eventChain
	anchor     string
	slo        *observability.SLOTracker
}

func (g *guardedRouter) Route(r *http.Request, e *envelope.Envelope) (string, bool, []string, error) {
	ctx := r.Context()
	pctx := guardrail.NewContext(e.ConstitutionalHash, e.TenantID, e.ActorID)
	pctx.Layer = string(e.MessageType)

	result := g.pipeline.Process(ctx, e.Payload, pctx)

	g.slo.Record(observability.SLOObservation{
		Operation: "guardrail_pipeline",
		Latency:   result.TotalElapsed,
		Success:   result.Allowed,
	})

	violations := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		violations = append(violations, v.Stage+":"+v.Kind)
	}

	if _, err := g.ledger.Submit(ctx, e.TenantID, e.ID, string(result.Action), e.Payload); err != nil {
		return "", false, violations, err
	}

	// decision_made is parented on the audit stage's event (the last link
	// in this trace's per-stage chain), so it falls causally downstream of
	// every stage the envelope actually ran through.
	if _, _, err := g.events.Record(ctx, "decision_made", e.ActorID, g.anchor, map[string]interface{}{
		"envelope_id": e.ID,
		"trace_id":    pctx.TraceID,
		"action":      result.Action,
		"allowed":     result.Allowed,
	}, g.eventChain.parents(pctx.TraceID)); err != nil {
		return "", false, violations, err
	}
	g.eventChain.clear(pctx.TraceID)

	if !result.Allowed {
		return "", false, violations, nil
	}

	decision, err := g.router.Route(ctx, e)
	if err != nil {
		return "", false, violations, err
	}
	return string(decision.Lane), true, violations, nil
}

// eventChain tracks the most recently recorded temporal event id for a
// causal lineage key (a guardrail trace id or a HITL request id), so the
// next event in that lineage can name it as a parent.
type eventChain struct {
	mu   sync.Mutex
	last map[string]string
}

func newEventChain() *eventChain {
	return &eventChain{last: make(map[string]string)}
}

func (c *eventChain) parents(key string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.last[key]; ok {
		return []string{id}
	}
	return nil
}

func (c *eventChain) advance(key, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[key] = id
}

func (c *eventChain) clear(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.last, key)
}

// temporalStageRecorder projects each guardrail stage's outcome into the
// temporal event log, chaining every stage's event off the previous
// stage's event id for the same trace. This is how the event log captures
// the pipeline's actual per-stage causal order instead of a single event
// recorded after the fact.
type temporalStageRecorder struct {
	log    *temporal.EventLog
	anchor string
	chain  *eventChain
	logger *slog.Logger
}

func (r *temporalStageRecorder) RecordStage(ctx context.Context, pctx *guardrail.Context, stageName string, result guardrail.StageResult) {
	kinds := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		kinds = append(kinds, v.Kind)
	}

	event, status, err := r.log.Record(ctx, "guardrail_stage_"+stageName, pctx.ActorID, r.anchor, map[string]interface{}{
		"trace_id":   pctx.TraceID,
		"tenant_id":  pctx.TenantID,
		"stage":      stageName,
		"allowed":    result.Allowed,
		"violations": kinds,
	}, r.chain.parents(pctx.TraceID))
	if err != nil {
		r.logger.Error("cgr: failed to record guardrail stage event", "stage", stageName, "error", err)
		return
	}
	if status != temporal.StatusConsistent {
		r.logger.Warn("cgr: guardrail stage event inconsistent", "stage", stageName, "status", status)
	}
	r.chain.advance(pctx.TraceID, event.ID)
}
