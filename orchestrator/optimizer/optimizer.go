package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/driftline/crawlplane/orchestrator/observability"
	"github.com/driftline/crawlplane/orchestrator/store"
	"github.com/driftline/crawlplane/orchestrator/streaming"
)

// Optimizer sizes the worker pool from live metrics. A monitoring loop
// samples system and pool health; an optimization loop lets weighted rules
// vote on the recent samples and applies the winning direction through the
// executor. Without an executor every action is recorded as a
// recommendation only.
//
// Optimizer also serves as the scheduler's scale requester, so utilization
// breaches spotted by the rebalance loop funnel through the same cooldown
// and clamping as rule-driven decisions.
type Optimizer struct {
	mu        sync.Mutex
	cfg       Config
	queue     StatusSource
	pool      PoolSource
	executor  ScaleExecutor
	publisher streaming.Publisher
	probe     *systemProbe
	rules     []*Rule

	history  []Sample
	baseline *Baseline
	actions  []Action

	prevStatus   *store.QueueStatus
	prevStatusAt time.Time

	lastAction    time.Time
	lastRebalance time.Time
	lastCleanup   time.Time

	now func() time.Time
}

// New builds an optimizer over the given queue and pool sources with the
// default rule set. Executor and publisher are optional and attached via
// the setters.
func New(cfg Config, queue StatusSource, pool PoolSource) *Optimizer {
	return &Optimizer{
		cfg:   cfg.withDefaults(),
		queue: queue,
		pool:  pool,
		probe: newSystemProbe(),
		rules: DefaultRules(),
		now:   time.Now,
	}
}

// SetExecutor attaches the pool that scale actions apply to.
func (o *Optimizer) SetExecutor(e ScaleExecutor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.executor = e
}

// SetPublisher attaches the event publisher for action notifications.
func (o *Optimizer) SetPublisher(p streaming.Publisher) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.publisher = p
}

// SetRules replaces the rule set.
func (o *Optimizer) SetRules(rules []*Rule) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rules = rules
}

// Start launches the monitoring and optimization loops.
func (o *Optimizer) Start(ctx context.Context) {
	go o.run(ctx)
}

func (o *Optimizer) run(ctx context.Context) {
	log.Printf("optimizer: running (mode %s, monitor every %v, optimize every %v)",
		o.cfg.Mode, o.cfg.MonitoringInterval, o.cfg.OptimizationInterval)
	monitor := time.NewTicker(o.cfg.MonitoringInterval)
	defer monitor.Stop()
	optimize := time.NewTicker(o.cfg.OptimizationInterval)
	defer optimize.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-monitor.C:
			o.Collect(ctx)
		case <-optimize.C:
			o.Optimize(ctx)
		}
	}
}

// Optimize runs one optimization tick: rule votes against the evaluation
// window, then the variance and memory checks against the newest sample.
// Scaling waits for the baseline; the extra actions do not.
func (o *Optimizer) Optimize(ctx context.Context) []Action {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	var out []Action
	if o.baseline != nil && len(o.history) >= o.cfg.EvaluationWindow {
		if a := o.decideScaleLocked(ctx, now); a != nil {
			out = append(out, *a)
		}
	}
	if len(o.history) > 0 {
		last := o.history[len(o.history)-1]
		out = append(out, o.extraActionsLocked(ctx, now, last)...)
	}
	return out
}

// decideScaleLocked tallies rule votes and applies the winning direction.
func (o *Optimizer) decideScaleLocked(ctx context.Context, now time.Time) *Action {
	current := o.workerCountLocked()
	upW, downW, totalW, upVotes, downVotes := o.evaluateLocked(now, current)
	if totalW <= 0 {
		return nil
	}

	upRatio := upW / totalW
	downRatio := downW / totalW
	tau := o.cfg.Mode.threshold()
	step := o.cfg.ScaleStep
	if o.cfg.Mode == ModeAggressive {
		step *= 2
	}

	switch {
	case upRatio > tau && current < o.cfg.MaxWorkers:
		target := current + step
		if target > o.cfg.MaxWorkers {
			target = o.cfg.MaxWorkers
		}
		a := o.scaleLocked(ctx, now, ActionScaleUp, current, target, joinReasons(upVotes), upRatio)
		if a != nil {
			stampRules(upVotes, now)
		}
		return a
	case downRatio > tau && current > o.cfg.MinWorkers:
		target := current - step
		if target < o.cfg.MinWorkers {
			target = o.cfg.MinWorkers
		}
		a := o.scaleLocked(ctx, now, ActionScaleDown, current, target, joinReasons(downVotes), downRatio)
		if a != nil {
			stampRules(downVotes, now)
		}
		return a
	}
	return nil
}

type ruleVote struct {
	rule   *Rule
	reason string
}

// evaluateLocked averages each enabled rule's metric over the evaluation
// window and collects votes. Rules in cooldown abstain but still count
// toward the total voting weight; down votes require the pool above its
// floor.
func (o *Optimizer) evaluateLocked(now time.Time, current int) (upW, downW, totalW float64, upVotes, downVotes []ruleVote) {
	window := o.history[len(o.history)-o.cfg.EvaluationWindow:]
	for _, r := range o.rules {
		if !r.Enabled {
			continue
		}
		value, ok := o.ruleValueLocked(r.Trigger, window)
		if !ok {
			continue
		}
		totalW += r.Weight

		dir := r.observe(value, now)
		if dir == 0 {
			continue
		}
		if !r.lastFired.IsZero() && now.Sub(r.lastFired) < r.Cooldown {
			continue
		}
		switch {
		case dir > 0:
			upW += r.Weight
			upVotes = append(upVotes, ruleVote{r, fmt.Sprintf("%s %.2f above %.2f", r.Trigger, value, r.UpThreshold)})
		case dir < 0 && current > o.cfg.MinWorkers:
			downW += r.Weight
			downVotes = append(downVotes, ruleVote{r, fmt.Sprintf("%s %.2f below %.2f", r.Trigger, value, r.DownThreshold)})
		}
	}
	return upW, downW, totalW, upVotes, downVotes
}

// observe updates the rule's breach timers and reports the direction once
// the breach has held for MinDuration: +1 up, -1 down, 0 none.
func (r *Rule) observe(value float64, now time.Time) int {
	switch {
	case value > r.UpThreshold:
		r.downSince = time.Time{}
		if r.upSince.IsZero() {
			r.upSince = now
		}
		if now.Sub(r.upSince) >= r.MinDuration {
			return 1
		}
	case r.DownThreshold > 0 && value < r.DownThreshold:
		r.upSince = time.Time{}
		if r.downSince.IsZero() {
			r.downSince = now
		}
		if now.Sub(r.downSince) >= r.MinDuration {
			return -1
		}
	default:
		r.upSince = time.Time{}
		r.downSince = time.Time{}
	}
	return 0
}

// ruleValueLocked averages the trigger's metric over the window. Response
// time is the ratio to the locked baseline and is skipped until one exists.
func (o *Optimizer) ruleValueLocked(t Trigger, window []Sample) (float64, bool) {
	var sum float64
	for _, s := range window {
		switch t {
		case TriggerQueueDepth:
			sum += float64(s.Pool.QueueDepth)
		case TriggerUtilization:
			sum += s.Pool.Utilization
		case TriggerResponseTime:
			if o.baseline == nil || o.baseline.AvgResponseSeconds <= 0 {
				return 0, false
			}
			sum += s.Pool.AvgResponseSeconds / o.baseline.AvgResponseSeconds
		case TriggerErrorRate:
			sum += s.Pool.ErrorRate
		case TriggerCPU:
			sum += s.System.CPUPercent
		case TriggerMemory:
			sum += s.System.MemoryPercent
		default:
			return 0, false
		}
	}
	return sum / float64(len(window)), true
}

// scaleLocked records one scale action, applying it through the executor
// when attached. The global action cooldown holds both directions.
func (o *Optimizer) scaleLocked(ctx context.Context, now time.Time, typ ActionType, current, target int, reason string, confidence float64) *Action {
	if wait := o.cfg.ActionCooldown - now.Sub(o.lastAction); wait > 0 {
		log.Printf("optimizer: holding %s, %v left on action cooldown", typ, wait.Round(time.Second))
		return nil
	}

	a := Action{
		Type:            typ,
		Current:         current,
		Target:          target,
		Reason:          reason,
		Confidence:      confidence,
		EstimatedImpact: scaleImpact(typ, current, target),
		CreatedAt:       now,
	}
	if o.executor != nil {
		var err error
		if typ == ActionScaleUp {
			err = o.executor.AddWorkers(target - current)
		} else {
			err = o.executor.RemoveWorkers(current - target)
		}
		if err != nil {
			log.Printf("optimizer: %s failed: %v", typ, err)
		} else {
			a.Executed = true
		}
	}
	o.lastAction = now
	o.recordLocked(ctx, a)
	return &a
}

// extraActionsLocked runs the variance and memory checks on the newest
// sample. Each holds its own cooldown so a hot pool cannot drown the log.
func (o *Optimizer) extraActionsLocked(ctx context.Context, now time.Time, last Sample) []Action {
	var out []Action

	if last.Pool.MeanLoad > 0 && last.Pool.LoadVariance > 0.5*last.Pool.MeanLoad &&
		now.Sub(o.lastRebalance) >= o.cfg.ActionCooldown {
		imbalance := last.Pool.LoadVariance / last.Pool.MeanLoad
		if imbalance > 1 {
			imbalance = 1
		}
		a := Action{
			Type:            ActionRebalance,
			Current:         last.Pool.Workers,
			Target:          last.Pool.Workers,
			Reason:          fmt.Sprintf("load variance %.2f above half of mean %.2f", last.Pool.LoadVariance, last.Pool.MeanLoad),
			Confidence:      imbalance,
			EstimatedImpact: "evens per-worker load",
			CreatedAt:       now,
		}
		o.lastRebalance = now
		o.recordLocked(ctx, a)
		out = append(out, a)
	}

	if last.System.MemoryPercent > o.cfg.MemoryCleanupThreshold &&
		now.Sub(o.lastCleanup) >= o.cfg.ActionCooldown {
		trimmed := o.trimHistoryLocked(now)
		runtime.GC()
		a := Action{
			Type:            ActionCleanup,
			Current:         last.Pool.Workers,
			Target:          last.Pool.Workers,
			Reason:          fmt.Sprintf("memory %.2f above %.2f", last.System.MemoryPercent, o.cfg.MemoryCleanupThreshold),
			Confidence:      last.System.MemoryPercent,
			EstimatedImpact: fmt.Sprintf("forced GC, trimmed %d samples", trimmed),
			Executed:        true,
			CreatedAt:       now,
		}
		o.lastCleanup = now
		o.recordLocked(ctx, a)
		out = append(out, a)
	}
	return out
}

// trimHistoryLocked drops samples older than HistoryMaxAge, returning the
// count removed.
func (o *Optimizer) trimHistoryLocked(now time.Time) int {
	cutoff := now.Add(-o.cfg.HistoryMaxAge)
	idx := 0
	for idx < len(o.history) && !o.history[idx].Pool.CollectedAt.After(cutoff) {
		idx++
	}
	if idx == 0 {
		return 0
	}
	o.history = append([]Sample(nil), o.history[idx:]...)
	return idx
}

// RequestScaleUp lets the scheduler's rebalance loop ask for one step up.
// Shares the clamp and cooldown with rule-driven actions.
func (o *Optimizer) RequestScaleUp(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	current := o.workerCountLocked()
	if current >= o.cfg.MaxWorkers {
		return
	}
	target := current + o.cfg.ScaleStep
	if target > o.cfg.MaxWorkers {
		target = o.cfg.MaxWorkers
	}
	o.scaleLocked(context.Background(), now, ActionScaleUp, current, target, reason, 1.0)
}

// RequestScaleDown is the one-step-down twin of RequestScaleUp.
func (o *Optimizer) RequestScaleDown(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	current := o.workerCountLocked()
	if current <= o.cfg.MinWorkers {
		return
	}
	target := current - o.cfg.ScaleStep
	if target < o.cfg.MinWorkers {
		target = o.cfg.MinWorkers
	}
	o.scaleLocked(context.Background(), now, ActionScaleDown, current, target, reason, 1.0)
}

func (o *Optimizer) workerCountLocked() int {
	if o.executor != nil {
		return o.executor.WorkerCount()
	}
	if len(o.history) > 0 {
		return o.history[len(o.history)-1].Pool.Workers
	}
	return 0
}

func (o *Optimizer) ingestLocked(s Sample, now time.Time) {
	o.history = append(o.history, s)
	if len(o.history) > o.cfg.HistoryLimit {
		o.history = o.history[len(o.history)-o.cfg.HistoryLimit:]
	}
	if o.baseline == nil && len(o.history) >= o.cfg.BaselineSamples {
		o.lockBaselineLocked(now)
	}
}

func (o *Optimizer) recordLocked(ctx context.Context, a Action) {
	o.actions = append(o.actions, a)
	if len(o.actions) > o.cfg.ActionLimit {
		o.actions = o.actions[len(o.actions)-o.cfg.ActionLimit:]
	}
	logAction(a)
	if o.publisher != nil {
		topic := streaming.TopicPoolScaled
		switch a.Type {
		case ActionRebalance:
			topic = streaming.TopicPoolRebalance
		case ActionCleanup:
			topic = streaming.TopicPoolCleanup
		}
		if err := o.publisher.Publish(ctx, topic, a); err != nil {
			log.Printf("optimizer: publish %s: %v", topic, err)
		}
	}
}

// History returns up to limit samples, newest first.
func (o *Optimizer) History(limit int) []Sample {
	o.mu.Lock()
	defer o.mu.Unlock()
	if limit <= 0 || limit > len(o.history) {
		limit = len(o.history)
	}
	out := make([]Sample, 0, limit)
	for i := len(o.history) - 1; i >= len(o.history)-limit; i-- {
		out = append(out, o.history[i])
	}
	return out
}

// Actions returns up to limit recorded actions, newest first.
func (o *Optimizer) Actions(limit int) []Action {
	o.mu.Lock()
	defer o.mu.Unlock()
	if limit <= 0 || limit > len(o.actions) {
		limit = len(o.actions)
	}
	out := make([]Action, 0, limit)
	for i := len(o.actions) - 1; i >= len(o.actions)-limit; i-- {
		out = append(out, o.actions[i])
	}
	return out
}

// Baseline returns a copy of the locked baseline, or nil before lock.
func (o *Optimizer) Baseline() *Baseline {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.baseline == nil {
		return nil
	}
	b := *o.baseline
	return &b
}

// LastSample returns the newest sample, if any.
func (o *Optimizer) LastSample() (Sample, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.history) == 0 {
		return Sample{}, false
	}
	return o.history[len(o.history)-1], true
}

// Rules returns copies of the active rule set.
func (o *Optimizer) Rules() []Rule {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Rule, 0, len(o.rules))
	for _, r := range o.rules {
		out = append(out, *r)
	}
	return out
}

func joinReasons(votes []ruleVote) string {
	reasons := make([]string, 0, len(votes))
	for _, v := range votes {
		reasons = append(reasons, v.reason)
	}
	return strings.Join(reasons, "; ")
}

func stampRules(votes []ruleVote, now time.Time) {
	for _, v := range votes {
		v.rule.lastFired = now
	}
}

func scaleImpact(typ ActionType, current, target int) string {
	if typ == ActionScaleUp {
		if current <= 0 {
			return fmt.Sprintf("bootstraps pool to %d workers", target)
		}
		return fmt.Sprintf("throughput +%.0f%% once %d workers warm", 100*float64(target-current)/float64(current), target)
	}
	return fmt.Sprintf("frees %d worker slots", current-target)
}

func logAction(a Action) {
	rec := struct {
		Component string `json:"component"`
		Action
	}{Component: "optimizer", Action: a}
	b, err := json.Marshal(rec)
	if err != nil {
		log.Printf("optimizer: marshal action record: %v", err)
		return
	}
	log.Println(string(b))
	observability.ScaleActions.WithLabelValues(string(a.Type)).Inc()
}
