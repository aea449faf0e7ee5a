package hitl

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

// Provider is the capability interface every notification channel
// implements: configuration check, idempotent send, bounded retry.
type Provider interface {
	Name() string
	IsConfigured() bool
	Send(ctx context.Context, msg NotificationMessage) bool
}

// RetryConfig controls a provider's exponential backoff: delay = base *
// 2^attempt.
type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
}

func (r RetryConfig) delay(attempt int) time.Duration {
	d := r.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// sendWithRetry wraps a provider's Send with the configured exponential
// backoff. It returns once Send succeeds or attempts are exhausted.
func sendWithRetry(ctx context.Context, p Provider, msg NotificationMessage, retry RetryConfig) bool {
	if retry.Attempts <= 0 {
		retry.Attempts = 1
	}
	for attempt := 0; attempt < retry.Attempts; attempt++ {
		if p.Send(ctx, msg) {
			return true
		}
		if attempt < retry.Attempts-1 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(retry.delay(attempt)):
			}
		}
	}
	return false
}

// slackProvider, teamsProvider and pagerdutyProvider are thin webhook
// clients. Their HTTP transport is injected so tests never make real calls.
type webhookSender func(ctx context.Context, url string, signed []byte) bool

type slackProvider struct {
	webhookURL string
	signingKey []byte
	send       webhookSender
	retry      RetryConfig
}

func (p *slackProvider) Name() string         { return "slack" }
func (p *slackProvider) IsConfigured() bool   { return p.webhookURL != "" }
func (p *slackProvider) Send(ctx context.Context, msg NotificationMessage) bool {
	return p.send(ctx, p.webhookURL, signPayload(p.signingKey, msg))
}

type teamsProvider struct {
	webhookURL string
	signingKey []byte
	send       webhookSender
}

func (p *teamsProvider) Name() string       { return "teams" }
func (p *teamsProvider) IsConfigured() bool { return p.webhookURL != "" }
func (p *teamsProvider) Send(ctx context.Context, msg NotificationMessage) bool {
	return p.send(ctx, p.webhookURL, signPayload(p.signingKey, msg))
}

type pagerdutyProvider struct {
	routingKey string
	signingKey []byte
	send       webhookSender
}

func (p *pagerdutyProvider) Name() string       { return "pagerduty" }
func (p *pagerdutyProvider) IsConfigured() bool { return p.routingKey != "" }
func (p *pagerdutyProvider) Send(ctx context.Context, msg NotificationMessage) bool {
	return p.send(ctx, p.routingKey, signPayload(p.signingKey, msg))
}

// signPayload HMAC-signs an outbound notification body so receivers can
// verify it originated from this process.
func signPayload(key []byte, msg NotificationMessage) []byte {
	body := []byte(msg.Subject + "|" + msg.Body + "|" + msg.RequestID)
	if len(key) == 0 {
		return body
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))
	return append(body, []byte("|"+sig)...)
}

// NewSlackProvider, NewTeamsProvider and NewPagerDutyProvider construct the
// built-in webhook providers around the given sender, which performs the
// actual delivery.
func NewSlackProvider(webhookURL string, signingKey []byte, sender webhookSender) Provider {
	return &slackProvider{webhookURL: webhookURL, signingKey: signingKey, send: sender}
}

func NewTeamsProvider(webhookURL string, signingKey []byte, sender webhookSender) Provider {
	return &teamsProvider{webhookURL: webhookURL, signingKey: signingKey, send: sender}
}

func NewPagerDutyProvider(routingKey string, signingKey []byte, sender webhookSender) Provider {
	return &pagerdutyProvider{routingKey: routingKey, signingKey: signingKey, send: sender}
}

// Orchestrator fans a notification out to the providers selected for a
// given priority/escalation level, isolating individual provider failures.
type Orchestrator struct {
	providers map[string]Provider
	retry     RetryConfig
	log       *slog.Logger
}

// NewOrchestrator constructs a notification orchestrator over the given
// named providers.
func NewOrchestrator(providers []Provider, retry RetryConfig, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Orchestrator{providers: byName, retry: retry, log: log}
}

// selectProviders decides which channels get a given notification: slack and
// teams always, plus pagerduty when priority is high/critical or the
// escalation level has reached 2.
func selectProviders(priority Priority, escalationLevel int) []string {
	names := []string{"slack", "teams"}
	if priority == PriorityHigh || priority == PriorityCritical || escalationLevel >= 2 {
		names = append(names, "pagerduty")
	}
	return names
}

// Dispatch sends msg to every configured, selected provider concurrently.
// Individual provider failures are isolated and logged, never propagated.
func (o *Orchestrator) Dispatch(ctx context.Context, msg NotificationMessage, escalationLevel int) map[string]bool {
	names := selectProviders(msg.Priority, escalationLevel)

	results := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, name := range names {
		p, ok := o.providers[name]
		if !ok || !p.IsConfigured() {
			continue
		}
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			ok := sendWithRetry(ctx, p, msg, o.retry)
			mu.Lock()
			results[p.Name()] = ok
			mu.Unlock()
			if !ok {
				o.log.Warn("hitl: notification provider failed after retries", "provider", p.Name(), "request_id", msg.RequestID)
			}
		}(p)
	}

	wg.Wait()
	o.log.Info("hitl: notification dispatch complete", "request_id", msg.RequestID, "results", results)
	return results
}
