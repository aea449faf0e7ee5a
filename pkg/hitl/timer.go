package hitl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// timeoutForPriority returns the escalation timeout for a priority, derived
// from defaultMinutes: critical is independently configurable (not derived
// from default), the rest use integer-truncated multiples of default.
func timeoutForPriority(priority Priority, defaultMinutes, criticalMinutes int) time.Duration {
	switch priority {
	case PriorityCritical:
		return time.Duration(criticalMinutes) * time.Minute
	case PriorityHigh:
		return time.Duration(int(float64(defaultMinutes)*0.75)) * time.Minute
	case PriorityLow:
		return time.Duration(int(float64(defaultMinutes)*1.5)) * time.Minute
	default: // medium
		return time.Duration(defaultMinutes) * time.Minute
	}
}

// TimerStore is the minimal external-store contract the escalation timer
// engine needs: a score-indexed sorted set for expiry plus a hash per timer
// for metadata, and a server-time read to avoid clock drift across
// instances. RedisTimerStore is the production implementation; tests may
// substitute an in-memory fake satisfying the same interface.
type TimerStore interface {
	ServerTime(ctx context.Context) (time.Time, error)
	SetTimer(ctx context.Context, requestID string, expiresAt time.Time, meta map[string]string) error
	RemoveTimer(ctx context.Context, requestID string) error
	DueTimers(ctx context.Context, now time.Time) ([]string, error)
	GetTimer(ctx context.Context, requestID string) (map[string]string, error)
}

const (
	timerSetKey     = "hitl:escalation:timers"
	timerDataPrefix = "hitl:escalation:data:"
)

// RedisTimerStore implements TimerStore against Redis, using a sorted set
// keyed by expires_at score plus a per-request hash.
type RedisTimerStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTimerStore creates a timer store against the given Redis client.
func NewRedisTimerStore(client *redis.Client, retentionTTL time.Duration) *RedisTimerStore {
	return &RedisTimerStore{client: client, ttl: retentionTTL}
}

// ServerTime reads Redis's own clock so multi-instance deployments do not
// drift relative to each other's local wall clocks.
func (s *RedisTimerStore) ServerTime(ctx context.Context) (time.Time, error) {
	return s.client.Time(ctx).Result()
}

func (s *RedisTimerStore) SetTimer(ctx context.Context, requestID string, expiresAt time.Time, meta map[string]string) error {
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, timerSetKey, redis.Z{Score: float64(expiresAt.Unix()), Member: requestID})
	dataKey := timerDataPrefix + requestID
	values := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		values[k] = v
	}
	pipe.HSet(ctx, dataKey, values)
	if s.ttl > 0 {
		pipe.Expire(ctx, dataKey, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("hitl: set timer: %w", err)
	}
	return nil
}

func (s *RedisTimerStore) RemoveTimer(ctx context.Context, requestID string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, timerSetKey, requestID)
	pipe.Del(ctx, timerDataPrefix+requestID)
	_, err := pipe.Exec(ctx)
	return err
}

// DueTimers performs a range query for scores <= now, not a full scan.
func (s *RedisTimerStore) DueTimers(ctx context.Context, now time.Time) ([]string, error) {
	return s.client.ZRangeByScore(ctx, timerSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
}

func (s *RedisTimerStore) GetTimer(ctx context.Context, requestID string) (map[string]string, error) {
	return s.client.HGetAll(ctx, timerDataPrefix+requestID).Result()
}

// EscalationCallback is invoked once per due timer; errors allow retry on
// the next poll by removing the id from the dedup set.
type EscalationCallback func(ctx context.Context, requestID string) error

const dedupCapacity = 500

// TimerEngine polls an external TimerStore for due escalation timers and
// invokes a registered callback idempotently, falling back to an in-memory
// store when the external one is unreachable.
type TimerEngine struct {
	store          TimerStore
	fallback       TimerStore
	usingFallback  bool
	pollInterval   time.Duration
	defaultMinutes int
	criticalMinutes int
	maxEscalations int
	callback       EscalationCallback
	log            *slog.Logger

	mu    sync.Mutex
	dedup []string
	seen  map[string]bool
}

// NewTimerEngine constructs an escalation timer engine. fallback may be a
// *MemoryTimerStore for when the external store is down.
func NewTimerEngine(store TimerStore, fallback TimerStore, pollInterval time.Duration, defaultMinutes, criticalMinutes, maxEscalations int, cb EscalationCallback, log *slog.Logger) *TimerEngine {
	if log == nil {
		log = slog.Default()
	}
	return &TimerEngine{
		store:           store,
		fallback:        fallback,
		pollInterval:    pollInterval,
		defaultMinutes:  defaultMinutes,
		criticalMinutes: criticalMinutes,
		maxEscalations:  maxEscalations,
		callback:        cb,
		log:             log,
		seen:            make(map[string]bool),
	}
}

func (e *TimerEngine) activeStore() TimerStore {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.usingFallback {
		return e.fallback
	}
	return e.store
}

// Schedule sets (or resets) the timer for requestID at the timeout implied
// by priority and the current escalation level.
func (e *TimerEngine) Schedule(ctx context.Context, requestID string, priority Priority, level int) error {
	timeout := timeoutForPriority(priority, e.defaultMinutes, e.criticalMinutes)
	store := e.activeStore()
	now, err := store.ServerTime(ctx)
	if err != nil {
		e.demoteToFallback(err)
		store = e.activeStore()
		now, err = store.ServerTime(ctx)
		if err != nil {
			return fmt.Errorf("hitl: server time unavailable even on fallback: %w", err)
		}
	}
	expiresAt := now.Add(timeout)
	meta := map[string]string{
		"priority": string(priority),
		"level":    fmt.Sprintf("%d", level),
	}
	if err := store.SetTimer(ctx, requestID, expiresAt, meta); err != nil {
		return fmt.Errorf("hitl: schedule timer: %w", err)
	}
	return nil
}

// Cancel removes a timer, e.g. on approval/rejection/cancellation.
func (e *TimerEngine) Cancel(ctx context.Context, requestID string) error {
	return e.activeStore().RemoveTimer(ctx, requestID)
}

// demoteToFallback switches the active store to the in-memory fallback and
// logs loudly so operators notice the durability gap.
func (e *TimerEngine) demoteToFallback(cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.usingFallback {
		return
	}
	e.usingFallback = true
	e.log.Warn("hitl: escalation timer store unreachable, falling back to in-memory (not durable)", "error", cause)
}

// Reconcile flushes any in-memory fallback timers back to the external
// store once it becomes reachable again.
func (e *TimerEngine) Reconcile(ctx context.Context) {
	e.mu.Lock()
	if !e.usingFallback {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if _, err := e.store.ServerTime(ctx); err != nil {
		return // external store still down
	}

	due, err := e.fallback.DueTimers(ctx, time.Unix(1<<62, 0)) // effectively "all"
	if err != nil {
		return
	}
	for _, id := range due {
		meta, err := e.fallback.GetTimer(ctx, id)
		if err != nil {
			continue
		}
		if err := e.store.SetTimer(ctx, id, time.Now(), meta); err == nil {
			_ = e.fallback.RemoveTimer(ctx, id)
		}
	}

	e.mu.Lock()
	e.usingFallback = false
	e.mu.Unlock()
	e.log.Info("hitl: escalation timer store reconnected, fallback timers flushed")
}

// Run polls for due timers until ctx is cancelled.
func (e *TimerEngine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Reconcile(ctx)
			e.poll(ctx)
		}
	}
}

func (e *TimerEngine) poll(ctx context.Context) {
	store := e.activeStore()
	now, err := store.ServerTime(ctx)
	if err != nil {
		e.demoteToFallback(err)
		return
	}

	due, err := store.DueTimers(ctx, now)
	if err != nil {
		e.log.Error("hitl: querying due timers failed", "error", err)
		return
	}

	for _, id := range due {
		if e.markSeen(id) {
			continue
		}
		if err := e.callback(ctx, id); err != nil {
			e.log.Error("hitl: escalation callback failed, will retry", "request_id", id, "error", err)
			e.unmark(id)
			continue
		}
		if err := store.RemoveTimer(ctx, id); err != nil {
			e.log.Error("hitl: removing expired timer failed", "request_id", id, "error", err)
		}
	}
}

// markSeen returns true if id was already processed within the current
// bounded dedup window (last 500 ids), else records it and returns false.
func (e *TimerEngine) markSeen(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seen[id] {
		return true
	}
	e.seen[id] = true
	e.dedup = append(e.dedup, id)
	if len(e.dedup) > dedupCapacity {
		oldest := e.dedup[0]
		e.dedup = e.dedup[1:]
		delete(e.seen, oldest)
	}
	return false
}

// unmark removes id from the dedup set to allow a retry on the next poll.
func (e *TimerEngine) unmark(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.seen[id] {
		return
	}
	delete(e.seen, id)
	for i, v := range e.dedup {
		if v == id {
			e.dedup = append(e.dedup[:i], e.dedup[i+1:]...)
			break
		}
	}
}

// MemoryTimerStore is the non-durable in-memory fallback used when the
// external store is unreachable; it has no size limit.
type MemoryTimerStore struct {
	mu     sync.Mutex
	scores map[string]time.Time
	meta   map[string]map[string]string
}

// NewMemoryTimerStore constructs an empty in-memory timer store.
func NewMemoryTimerStore() *MemoryTimerStore {
	return &MemoryTimerStore{
		scores: make(map[string]time.Time),
		meta:   make(map[string]map[string]string),
	}
}

func (m *MemoryTimerStore) ServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}

func (m *MemoryTimerStore) SetTimer(ctx context.Context, requestID string, expiresAt time.Time, meta map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[requestID] = expiresAt
	m.meta[requestID] = meta
	return nil
}

func (m *MemoryTimerStore) RemoveTimer(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scores, requestID)
	delete(m.meta, requestID)
	return nil
}

func (m *MemoryTimerStore) DueTimers(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []string
	for id, expiresAt := range m.scores {
		if !expiresAt.After(now) {
			due = append(due, id)
		}
	}
	return due, nil
}

func (m *MemoryTimerStore) GetTimer(ctx context.Context, requestID string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta[requestID], nil
}
