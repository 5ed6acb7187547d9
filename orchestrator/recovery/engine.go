package recovery

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/crawlplane/orchestrator/observability"
	"github.com/driftline/crawlplane/orchestrator/streaming"
)

// Engine classifies task failures and hands back recovery verdicts. The
// queue's fail path stays the scheduling authority; the engine decides
// whether a retry is worth asking for and how long to wait.
type Engine struct {
	cfg       Config
	patterns  []Pattern
	breakers  *breakerSet
	publisher streaming.Publisher
	records   *recordRing
	alerts    *alertRing

	mu         sync.Mutex
	hooks      []RetryCondition
	stats      map[Strategy]*StrategyStats
	lastIssued *boundedIndex

	now func() time.Time
}

// New builds an engine with the default pattern library. publisher may be
// nil; escalations are then only captured locally.
func New(cfg Config, publisher streaming.Publisher) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:        cfg,
		patterns:   defaultPatterns(),
		breakers:   newBreakerSet(cfg.BreakerThreshold, cfg.BreakerTimeout),
		publisher:  publisher,
		records:    &recordRing{limit: cfg.RecordLimit},
		alerts:     &alertRing{limit: cfg.AlertLimit},
		stats:      make(map[Strategy]*StrategyStats),
		lastIssued: newBoundedIndex(4096),
		now:        time.Now,
	}
}

// AddRetryCondition registers a hook evaluated before the pattern library.
func (e *Engine) AddRetryCondition(cond RetryCondition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, cond)
}

// HandleError classifies one failure, consults the keyed breaker, and
// returns the recovery verdict.
func (e *Engine) HandleError(ctx context.Context, info ErrorInfo) Decision {
	e.mu.Lock()
	hooks := e.hooks
	e.mu.Unlock()
	for _, hook := range hooks {
		if d, ok := hook(info); ok {
			return d
		}
	}

	cls := classify(e.patterns, info.Message, info.StatusCode)
	now := e.now()
	record := &ErrorRecord{
		ID:         uuid.NewString(),
		TaskID:     info.TaskID,
		WorkerID:   info.WorkerID,
		Message:    info.Message,
		Category:   cls.Category,
		Severity:   cls.Severity,
		URL:        info.URL,
		StatusCode: info.StatusCode,
		Attempt:    info.Attempt,
		Strategy:   cls.Strategy,
		CreatedAt:  now,
	}

	key := breakerKey(info.URL, info.Platform)
	verdict := e.breakers.onFailure(key, now)

	decision := e.execute(ctx, cls, info, record, key, verdict)
	record.Action = decision.Action
	record.Strategy = decision.Strategy
	decision.Record = record

	observability.ErrorsByCategory.WithLabelValues(string(record.Category), string(record.Severity)).Inc()
	observability.RecoveryActions.WithLabelValues(string(decision.Strategy), string(decision.Action)).Inc()

	e.records.add(*record)
	e.mu.Lock()
	if decision.Action == ActionRetryTask {
		st := e.statFor(decision.Strategy)
		st.Issued++
		st.Rate = successRate(st)
		e.lastIssued.put(info.TaskID, decision.Strategy)
	}
	e.mu.Unlock()

	logVerdict(record, decision, key, cls.Pattern)
	return decision
}

func (e *Engine) execute(ctx context.Context, cls classification, info ErrorInfo, record *ErrorRecord, key string, verdict breakerVerdict) Decision {
	d := Decision{Strategy: cls.Strategy, TimeoutMultiplier: cls.TimeoutMultiplier}

	if verdict == breakerBlocked {
		// Cooling down; nothing downstream gets retried.
		d.Strategy = StrategyCircuitBreaker
		d.Action = ActionSkip
		return d
	}

	switch cls.Strategy {
	case StrategyImmediate, StrategyDelayed, StrategyExponential, StrategyLinear, StrategyCircuitBreaker:
		if info.Attempt < cls.MaxRetries {
			d.ShouldRetry = true
			d.Action = ActionRetryTask
			d.Delay = e.delayFor(cls, info.Attempt)
		} else {
			d.Action = ActionSkip
		}
	case StrategyFallback:
		d.Action = ActionUseFallback
	case StrategyEscalate:
		d.Action = ActionAlertAdmin
		record.Action = ActionAlertAdmin
		e.escalate(ctx, record, key)
	default:
		d.Action = ActionSkip
	}
	return d
}

// delayFor computes min(base * factor^attempt, max), optionally spread by
// ±10%.
func (e *Engine) delayFor(cls classification, attempt int) time.Duration {
	if cls.BaseDelay <= 0 {
		return 0
	}
	factor := cls.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}
	delay := time.Duration(float64(cls.BaseDelay) * math.Pow(factor, float64(attempt)))
	if delay > e.cfg.MaxDelay {
		delay = e.cfg.MaxDelay
	}
	if e.cfg.Jitter {
		delay = time.Duration(float64(delay) * (0.9 + 0.2*rand.Float64()))
	}
	return delay
}

func (e *Engine) escalate(ctx context.Context, record *ErrorRecord, key string) {
	var bs *BreakerState
	if st, ok := e.breakers.states()[key]; ok {
		bs = &st
	}
	alert := Alert{
		ID:         uuid.NewString(),
		TaskID:     record.TaskID,
		Record:     *record,
		Breaker:    bs,
		CapturedAt: e.now(),
	}
	e.alerts.add(alert)
	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, streaming.TopicTaskEscalated, alert); err != nil {
			log.Printf("recovery: escalation publish failed: %v", err)
		}
	}
	log.Printf("recovery: escalated task %s (%s/%s): %s",
		record.TaskID, record.Category, record.Severity, record.Message)
}

// RecordSuccess reports a successful fetch so the keyed breaker and the
// strategy stats can credit the recovery that led to it.
func (e *Engine) RecordSuccess(taskID, rawURL, platform string) {
	e.breakers.onSuccess(breakerKey(rawURL, platform))
	e.mu.Lock()
	defer e.mu.Unlock()
	if strategy, ok := e.lastIssued.take(taskID); ok {
		st := e.statFor(strategy)
		st.Succeeded++
		st.Rate = successRate(st)
	}
}

// Errors returns up to limit of the newest error records, newest first.
func (e *Engine) Errors(limit int) []ErrorRecord {
	return e.records.recent(limit)
}

// Alerts returns up to limit of the newest escalations, newest first.
func (e *Engine) Alerts(limit int) []Alert {
	return e.alerts.recent(limit)
}

// BreakerStates snapshots every keyed breaker.
func (e *Engine) BreakerStates() map[string]BreakerState {
	return e.breakers.states()
}

// StrategyStats returns a copy of the rolling per-strategy outcome tallies.
func (e *Engine) StrategyStats() map[Strategy]StrategyStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Strategy]StrategyStats, len(e.stats))
	for s, st := range e.stats {
		out[s] = *st
	}
	return out
}

func (e *Engine) statFor(s Strategy) *StrategyStats {
	st, ok := e.stats[s]
	if !ok {
		st = &StrategyStats{}
		e.stats[s] = st
	}
	return st
}

func successRate(st *StrategyStats) float64 {
	if st.Issued == 0 {
		return 0
	}
	return float64(st.Succeeded) / float64(st.Issued)
}

type verdictLog struct {
	Component string        `json:"component"`
	TaskID    string        `json:"task_id"`
	Category  ErrorCategory `json:"category"`
	Severity  Severity      `json:"severity"`
	Strategy  Strategy      `json:"strategy"`
	Action    Action        `json:"action"`
	DelayMS   int64         `json:"delay_ms,omitempty"`
	Breaker   string        `json:"breaker,omitempty"`
	Pattern   string        `json:"pattern,omitempty"`
}

func logVerdict(record *ErrorRecord, d Decision, key, pattern string) {
	b, _ := json.Marshal(verdictLog{
		Component: "recovery",
		TaskID:    record.TaskID,
		Category:  record.Category,
		Severity:  record.Severity,
		Strategy:  d.Strategy,
		Action:    d.Action,
		DelayMS:   d.Delay.Milliseconds(),
		Breaker:   key,
		Pattern:   pattern,
	})
	log.Println(string(b))
}

type recordRing struct {
	mu      sync.Mutex
	entries []ErrorRecord
	limit   int
}

func (r *recordRing) add(rec ErrorRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, rec)
	if len(r.entries) > r.limit {
		r.entries = r.entries[1:]
	}
}

func (r *recordRing) recent(limit int) []ErrorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.entries) {
		limit = len(r.entries)
	}
	out := make([]ErrorRecord, 0, limit)
	for i := len(r.entries) - 1; i >= len(r.entries)-limit; i-- {
		out = append(out, r.entries[i])
	}
	return out
}

type alertRing struct {
	mu      sync.Mutex
	entries []Alert
	limit   int
}

func (r *alertRing) add(a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, a)
	if len(r.entries) > r.limit {
		r.entries = r.entries[1:]
	}
}

func (r *alertRing) recent(limit int) []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.entries) {
		limit = len(r.entries)
	}
	out := make([]Alert, 0, limit)
	for i := len(r.entries) - 1; i >= len(r.entries)-limit; i-- {
		out = append(out, r.entries[i])
	}
	return out
}

// boundedIndex maps task ids to the strategy of their last issued retry,
// dropping oldest entries past cap.
type boundedIndex struct {
	order []string
	m     map[string]Strategy
	cap   int
}

func newBoundedIndex(cap int) *boundedIndex {
	return &boundedIndex{m: make(map[string]Strategy), cap: cap}
}

func (b *boundedIndex) put(k string, s Strategy) {
	if _, ok := b.m[k]; !ok {
		b.order = append(b.order, k)
		if len(b.order) > b.cap {
			oldest := b.order[0]
			b.order = b.order[1:]
			delete(b.m, oldest)
		}
	}
	b.m[k] = s
}

func (b *boundedIndex) take(k string) (Strategy, bool) {
	s, ok := b.m[k]
	if ok {
		delete(b.m, k)
	}
	return s, ok
}
