package scheduler

import (
	"encoding/json"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/driftline/crawlplane/orchestrator/observability"
	"github.com/driftline/crawlplane/orchestrator/store"
)

// Scheduler keeps the worker registry and picks a worker for each task
// under the active policy. All maps live behind one mutex; critical
// sections are short and never span I/O.
type Scheduler struct {
	mu        sync.RWMutex
	workers   map[string]*WorkerRecord
	policy    Policy
	rr        uint64
	requester ScaleRequester
	cfg       Config
}

// New builds a scheduler with an empty registry.
func New(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		workers: make(map[string]*WorkerRecord),
		policy:  cfg.Policy,
		cfg:     cfg,
	}
}

// SetScaleRequester wires the receiver of scale recommendations. May be
// called after construction; nil disables requests.
func (s *Scheduler) SetScaleRequester(r ScaleRequester) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requester = r
}

// SetPolicy switches the active selection policy.
func (s *Scheduler) SetPolicy(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
	log.Printf("scheduler: policy switched to %s", p)
}

// RegisterWorker adds a worker or refreshes an existing registration.
// Rolling metrics survive re-registration; capacity is updated in place.
func (s *Scheduler) RegisterWorker(workerID string, capacity int) {
	if capacity <= 0 {
		capacity = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if w, ok := s.workers[workerID]; ok {
		w.Capacity = capacity
		w.LastHeartbeat = now
		w.staleWarnings = 0
		s.recompute(w)
		return
	}
	s.workers[workerID] = &WorkerRecord{
		WorkerID:         workerID,
		RegisteredAt:     now,
		LastHeartbeat:    now,
		Capacity:         capacity,
		State:            StateIdle,
		PerformanceScore: 1.0,
	}
	log.Printf("scheduler: worker %s registered (capacity %d)", workerID, capacity)
}

// UnregisterWorker drops a worker from the registry.
func (s *Scheduler) UnregisterWorker(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[workerID]; ok {
		delete(s.workers, workerID)
		log.Printf("scheduler: worker %s unregistered", workerID)
	}
}

// Heartbeat refreshes the worker's liveness clock and lifts MAINTENANCE.
// Returns false for unknown workers so callers can re-register after a
// scheduler restart.
func (s *Scheduler) Heartbeat(workerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return false
	}
	w.LastHeartbeat = time.Now()
	w.staleWarnings = 0
	if w.State == StateMaintenance {
		w.State = StateIdle
		s.recompute(w)
	}
	return true
}

// SelectWorker picks a worker for the task under the active policy and
// reserves one unit of its capacity. RecordCompletion returns the unit.
// No selectable worker leaves the task queued and returns ok=false.
func (s *Scheduler) SelectWorker(task *store.Task) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	policy := s.policy
	candidates := s.selectableLocked()
	if len(candidates) == 0 {
		logDecision(SchedulingDecision{
			Component: "scheduler",
			Decision:  "NO_WORKER",
			TaskID:    task.ID,
			Policy:    string(policy),
			Priority:  task.Priority,
			Reason:    "no selectable worker",
		})
		return "", false
	}

	var picked *WorkerRecord
	var score float64
	switch policy {
	case PolicyLeastLoaded:
		picked = pickLeastLoaded(candidates)
	case PolicyPerformance:
		picked = pickBestPerformer(candidates)
	case PolicyRoundRobin:
		idx := int(s.rr % uint64(len(candidates)))
		s.rr++
		picked = candidates[idx]
	default:
		picked, score = pickIntelligent(candidates, task.Priority)
	}

	picked.CurrentLoad++
	s.recompute(picked)
	logDecision(SchedulingDecision{
		Component: "scheduler",
		Decision:  "ASSIGNED",
		TaskID:    task.ID,
		WorkerID:  picked.WorkerID,
		Policy:    string(policy),
		Priority:  task.Priority,
		Score:     score,
	})
	return picked.WorkerID, true
}

// Admit reserves one slot on the named worker when its record allows more
// work. Pull-mode twin of SelectWorker: the caller is the worker itself,
// asking before it dequeues.
func (s *Scheduler) Admit(workerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return false
	}
	if w.State == StateFailed || w.State == StateMaintenance || w.CurrentLoad >= w.Capacity {
		return false
	}
	w.CurrentLoad++
	s.recompute(w)
	return true
}

// Release returns a slot reserved by Admit or SelectWorker when no task
// was actually started.
func (s *Scheduler) Release(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return
	}
	if w.CurrentLoad > 0 {
		w.CurrentLoad--
	}
	s.recompute(w)
}

// RecordCompletion folds one finished task into the worker's rolling
// metrics, releases its slot, and recomputes the performance score.
func (s *Scheduler) RecordCompletion(workerID string, duration time.Duration, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return
	}
	if w.CurrentLoad > 0 {
		w.CurrentLoad--
	}
	w.TotalTasks++
	if success {
		w.SuccessfulTasks++
		w.ConsecutiveFailures = 0
	} else {
		w.FailedTasks++
		w.ConsecutiveFailures++
	}
	w.AvgProcessingTime += (duration.Seconds() - w.AvgProcessingTime) / float64(w.TotalTasks)
	w.updatePerformance()
	s.recompute(w)
}

// ResetWorker clears failure and staleness state and returns the worker
// to IDLE. Operator surface for FAILED and MAINTENANCE workers.
func (s *Scheduler) ResetWorker(workerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return false
	}
	w.ConsecutiveFailures = 0
	w.staleWarnings = 0
	w.State = StateIdle
	s.recompute(w)
	logDecision(SchedulingDecision{
		Component: "scheduler",
		Decision:  "WORKER_RESET",
		WorkerID:  workerID,
		Policy:    string(s.policy),
		Reason:    "operator reset",
	})
	return true
}

// Snapshot returns a copy of every worker record, sorted by worker id.
func (s *Scheduler) Snapshot() []WorkerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WorkerRecord, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Utilization returns pool load over pool capacity, 0 when empty.
func (s *Scheduler) Utilization() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.utilizationLocked()
}

func (s *Scheduler) utilizationLocked() float64 {
	var load, capacity int
	for _, w := range s.workers {
		load += w.CurrentLoad
		capacity += w.Capacity
	}
	if capacity == 0 {
		return 0
	}
	return float64(load) / float64(capacity)
}

// selectableLocked returns workers able to take one more task, in worker-id
// order so policy ties break deterministically.
func (s *Scheduler) selectableLocked() []*WorkerRecord {
	ids := make([]string, 0, len(s.workers))
	for id, w := range s.workers {
		if w.State == StateFailed || w.State == StateMaintenance || w.CurrentLoad >= w.Capacity {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*WorkerRecord, len(ids))
	for i, id := range ids {
		out[i] = s.workers[id]
	}
	return out
}

// recompute derives the worker state from load, consecutive failures, and
// sticky conditions. FAILED and MAINTENANCE persist until reset/heartbeat.
func (s *Scheduler) recompute(w *WorkerRecord) {
	if w.ConsecutiveFailures >= s.cfg.FailureThreshold {
		if w.State != StateFailed {
			logDecision(SchedulingDecision{
				Component: "scheduler",
				Decision:  "WORKER_FAILED",
				WorkerID:  w.WorkerID,
				Policy:    string(s.policy),
				Reason:    "consecutive failure threshold reached",
				Metadata:  map[string]int{"consecutive_failures": w.ConsecutiveFailures},
			})
		}
		w.State = StateFailed
		return
	}
	if w.State == StateFailed || w.State == StateMaintenance {
		return
	}
	switch {
	case w.CurrentLoad >= w.Capacity:
		w.State = StateOverloaded
	case w.CurrentLoad > 0:
		w.State = StateBusy
	default:
		w.State = StateIdle
	}
}

func pickLeastLoaded(candidates []*WorkerRecord) *WorkerRecord {
	best := candidates[0]
	for _, w := range candidates[1:] {
		if w.CurrentLoad < best.CurrentLoad {
			best = w
		}
	}
	return best
}

func pickBestPerformer(candidates []*WorkerRecord) *WorkerRecord {
	best := candidates[0]
	for _, w := range candidates[1:] {
		if w.PerformanceScore > best.PerformanceScore {
			best = w
		}
	}
	return best
}

func pickIntelligent(candidates []*WorkerRecord, priority store.TaskPriority) (*WorkerRecord, float64) {
	best := candidates[0]
	bestScore := intelligentScore(best, priority)
	for _, w := range candidates[1:] {
		if sc := intelligentScore(w, priority); sc > bestScore {
			best, bestScore = w, sc
		}
	}
	return best, bestScore
}

// intelligentScore blends performance, headroom, task priority, and success
// rate, then discounts consecutive failures (capped at half).
func intelligentScore(w *WorkerRecord, priority store.TaskPriority) float64 {
	headroom := 0.0
	if w.Capacity > 0 {
		headroom = 1.0 - float64(w.CurrentLoad)/float64(w.Capacity)
	}
	successRate := 1.0
	if w.TotalTasks > 0 {
		successRate = float64(w.SuccessfulTasks) / float64(w.TotalTasks)
	}
	base := 0.4*w.PerformanceScore + 0.3*headroom + 0.2*priorityWeight(priority) + 0.1*successRate
	return base * (1.0 - math.Min(float64(w.ConsecutiveFailures)*0.1, 0.5))
}

// priorityWeight maps CRITICAL..BATCH onto 1.0 down to 0.2.
func priorityWeight(p store.TaskPriority) float64 {
	return 1.0 - 0.2*float64(p.Ordinal())
}

// updatePerformance recomputes the blended worker score from success rate,
// speed against a 10s reference, and load headroom, discounted by
// consecutive failures. Always lands in [0.1, 2.0].
func (w *WorkerRecord) updatePerformance() {
	successRate := 1.0
	if w.TotalTasks > 0 {
		successRate = float64(w.SuccessfulTasks) / float64(w.TotalTasks)
	}
	speed := 2.0
	if w.AvgProcessingTime > 0 {
		speed = math.Min(10.0/w.AvgProcessingTime, 2.0)
	}
	headroom := 0.0
	if w.Capacity > 0 {
		headroom = 1.0 - float64(w.CurrentLoad)/float64(w.Capacity)
	}
	score := (0.5*successRate + 0.3*speed + 0.2*headroom) * math.Max(0, 1.0-0.1*float64(w.ConsecutiveFailures))
	w.PerformanceScore = math.Min(math.Max(score, 0.1), 2.0)
}

func logDecision(d SchedulingDecision) {
	b, _ := json.Marshal(d)
	log.Println(string(b))

	observability.SchedulerDecisions.WithLabelValues(d.Policy, strings.ToLower(d.Decision)).Inc()
}
