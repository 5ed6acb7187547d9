package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/driftline/crawlplane/orchestrator/observability"
	"github.com/driftline/crawlplane/orchestrator/store"
)

// Queue is the Redis-persisted multi-priority task queue. Entries live in one
// sorted set per priority bucket; the full task record lives in the
// task_status hash. Assignment is at most once: the atomic ZPOPMIN is the
// only way an entry leaves a bucket, and acks are idempotent per task id.
type Queue struct {
	cache store.Cache
	keys  store.Keys
	cfg   Config
	avail store.Availability

	rrCursor atomic.Int64

	enqueued     atomic.Int64
	dequeued     atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
	retried      atomic.Int64
	expired      atomic.Int64
}

// New builds a queue over the given cache.
func New(cache store.Cache, cfg Config) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		cache: cache,
		keys:  store.NewKeys(cfg.Prefix),
		cfg:   cfg,
	}
}

// Keys exposes the key builder so collaborators (dedup janitor, API) share
// the schema.
func (q *Queue) Keys() store.Keys {
	return q.keys
}

// entryScore computes the sorted-set score: priority base, then visibility
// time, then a small retry penalty. For delayed or retried tasks the
// visibility time replaces created_at, which is what keeps them invisible
// until due without a separate scheduled set.
func entryScore(t *store.Task) float64 {
	visible := t.CreatedAt.Unix()
	if t.ScheduledAt != nil && t.ScheduledAt.After(t.CreatedAt) {
		visible = t.ScheduledAt.Unix()
	}
	return float64(t.Priority.Ordinal())*1000 + float64(visible) + float64(t.RetryCount)*10
}

// Enqueue inserts the task into its priority bucket. A positive delay sets
// scheduled_for and offsets the score so the entry stays invisible until due.
// The bucket write and the status write happen in one pipeline.
func (q *Queue) Enqueue(ctx context.Context, task *store.Task, delay time.Duration) error {
	if task == nil || task.ID == "" {
		return errors.New("enqueue: task id required")
	}
	if task.URL == "" {
		return errors.New("enqueue: task url required")
	}
	if task.Kind == "" {
		task.Kind = store.TaskKind
		task.Version = store.TaskVersion
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Priority == "" {
		task.Priority = store.PriorityNormal
	}
	if task.MaxRetries <= 0 {
		task.MaxRetries = q.cfg.DefaultMaxRetries
	}
	if delay > 0 {
		sched := time.Now().UTC().Add(delay)
		task.ScheduledAt = &sched
	}
	task.Status = store.StatusQueued

	// The same task never appears twice: drop any previous entry first,
	// wherever its old priority put it.
	if existing, err := q.loadTask(ctx, task.ID); err == nil && existing != nil {
		if _, err := q.cache.ZRem(ctx, q.keys.Bucket(existing.Priority), task.ID); err != nil {
			return fmt.Errorf("enqueue: removing stale entry: %w", err)
		}
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("enqueue: marshal task %s: %w", task.ID, err)
	}

	err = store.WithRetry(ctx, "enqueue", func() error {
		return q.cache.AtomicEnqueue(ctx,
			q.keys.Bucket(task.Priority), task.ID, entryScore(task),
			q.keys.TaskStatus(), task.ID, string(data))
	})
	if err != nil {
		return err
	}
	q.enqueued.Add(1)
	return nil
}

// Dequeue returns at most one due task, marks it PROCESSING, and records the
// assignment. It blocks up to timeout, polling in PollInterval steps. An
// empty strategy uses the configured default.
func (q *Queue) Dequeue(ctx context.Context, workerID string, strategy Strategy, timeout time.Duration) (*store.Task, error) {
	if workerID == "" {
		return nil, errors.New("dequeue: worker id required")
	}
	if strategy == "" {
		strategy = q.cfg.Strategy
	}

	deadline := time.Now().Add(timeout)
	for {
		if strategy == StrategyLIFO {
			task, err := q.popNewest(ctx)
			if err != nil {
				return nil, err
			}
			if task != nil {
				if err := q.assign(ctx, task, workerID); err != nil {
					return nil, err
				}
				return task, nil
			}
		} else {
			order, err := q.bucketOrder(ctx, strategy, workerID)
			if err != nil {
				return nil, err
			}
			for _, p := range order {
				task, err := q.popDue(ctx, p)
				if err != nil {
					return nil, err
				}
				if task != nil {
					if err := q.assign(ctx, task, workerID); err != nil {
						return nil, err
					}
					return task, nil
				}
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := q.cfg.PollInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// popDue drains one bucket until it yields a due task or runs out. Corrupt
// and orphaned entries are removed on the way; a not-yet-due head is put back
// untouched, which also proves nothing behind it is due.
func (q *Queue) popDue(ctx context.Context, p store.TaskPriority) (*store.Task, error) {
	bucket := q.keys.Bucket(p)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, ok, err := q.cache.ZPopMin(ctx, bucket)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}

		raw, err := q.cache.HGet(ctx, q.keys.TaskStatus(), entry.Member)
		if err != nil {
			// Transient fault: put the entry back rather than lose it.
			if aerr := q.cache.ZAdd(ctx, bucket, entry.Member, entry.Score); aerr != nil {
				log.Printf("queue: could not restore entry %s after fault: %v", entry.Member, aerr)
			}
			return nil, err
		}
		if raw == "" {
			log.Printf("queue: dropping orphan entry %s (no task record)", entry.Member)
			continue
		}

		var task store.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			q.deadLetterCorrupt(ctx, entry.Member, raw, err)
			continue
		}

		now := time.Now().UTC()
		if task.Expired(now) {
			task.Status = store.StatusExpired
			task.AssignedWorker = ""
			if err := q.saveTask(ctx, &task); err != nil {
				log.Printf("queue: marking task %s expired: %v", task.ID, err)
			}
			q.expired.Add(1)
			observability.TaskOutcomes.WithLabelValues("expired").Inc()
			continue
		}
		if task.ScheduledAt != nil && now.Before(*task.ScheduledAt) {
			if err := q.cache.ZAdd(ctx, bucket, entry.Member, entry.Score); err != nil {
				return nil, fmt.Errorf("dequeue: restoring delayed entry %s: %w", entry.Member, err)
			}
			return nil, nil
		}
		return &task, nil
	}
}

// assign transitions the task to PROCESSING under the given worker and
// registers the worker's liveness.
func (q *Queue) assign(ctx context.Context, task *store.Task, workerID string) error {
	task.Status = store.StatusProcessing
	task.AssignedWorker = workerID
	if err := q.saveTask(ctx, task); err != nil {
		return err
	}

	assignment := store.Assignment{
		TaskID:     task.ID,
		WorkerID:   workerID,
		AssignedAt: time.Now().UTC(),
		Priority:   task.Priority,
	}
	data, err := json.Marshal(assignment)
	if err != nil {
		return fmt.Errorf("assign: marshal assignment: %w", err)
	}
	if err := q.cache.HSet(ctx, q.keys.Assignments(), task.ID, string(data)); err != nil {
		return err
	}
	if err := q.RegisterWorker(ctx, workerID); err != nil {
		log.Printf("queue: registering worker %s: %v", workerID, err)
	}
	q.dequeued.Add(1)
	return nil
}

// Complete removes the assignment and writes COMPLETED. Late acks from a
// worker that no longer holds the assignment return ErrNotAssigned;
// already-terminal tasks are a no-op.
func (q *Queue) Complete(ctx context.Context, taskID, workerID string, result map[string]interface{}) error {
	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		log.Printf("queue: complete for unknown task %s", taskID)
		return nil
	}
	if task.Status.Terminal() {
		return nil
	}
	if err := q.checkOwner(ctx, task, workerID); err != nil {
		return err
	}

	task.Status = store.StatusCompleted
	task.Result = result
	task.AssignedWorker = ""
	if err := q.saveTask(ctx, task); err != nil {
		return err
	}
	if err := q.cache.HDel(ctx, q.keys.Assignments(), taskID); err != nil {
		return err
	}
	q.completed.Add(1)
	observability.TaskOutcomes.WithLabelValues("completed").Inc()
	return nil
}

// Fail records a failure. With retry allowed and attempts remaining, the
// task is re-enqueued RETRYING with a backoff delay (delayHint overrides the
// queue's own backoff when positive). Otherwise the final snapshot moves to
// the DLQ and the status becomes FAILED.
func (q *Queue) Fail(ctx context.Context, taskID, workerID, errMsg, category string, retry bool, delayHint time.Duration) error {
	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		log.Printf("queue: fail for unknown task %s", taskID)
		return nil
	}
	if task.Status.Terminal() {
		return nil
	}
	if err := q.checkOwner(ctx, task, workerID); err != nil {
		return err
	}

	task.LastError = errMsg
	task.ErrorCategory = category
	maxRetries := task.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.cfg.DefaultMaxRetries
	}
	failures := task.RetryCount + 1

	if retry && failures < maxRetries {
		delay := delayHint
		if delay <= 0 {
			delay = q.backoffDelay(task.RetryCount)
		}
		task.RetryCount = failures
		task.Status = store.StatusRetrying
		task.AssignedWorker = ""
		sched := time.Now().UTC().Add(delay)
		task.ScheduledAt = &sched

		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("fail: marshal task %s: %w", taskID, err)
		}
		err = store.WithRetry(ctx, "retry enqueue", func() error {
			return q.cache.AtomicEnqueue(ctx,
				q.keys.Bucket(task.Priority), task.ID, entryScore(task),
				q.keys.TaskStatus(), task.ID, string(data))
		})
		if err != nil {
			return err
		}
		if err := q.cache.HDel(ctx, q.keys.Assignments(), taskID); err != nil {
			return err
		}
		q.retried.Add(1)
		observability.TaskRetries.Inc()
		return nil
	}

	task.RetryCount = failures
	task.Status = store.StatusFailed
	task.AssignedWorker = ""
	if err := q.deadLetter(ctx, task, errMsg, category); err != nil {
		return err
	}
	if err := q.saveTask(ctx, task); err != nil {
		return err
	}
	if err := q.cache.HDel(ctx, q.keys.Assignments(), taskID); err != nil {
		return err
	}
	q.failed.Add(1)
	q.deadLettered.Add(1)
	observability.TaskOutcomes.WithLabelValues("dead_lettered").Inc()
	return nil
}

// Cancel removes a task that has not started processing and marks it
// CANCELLED. In-flight tasks cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("cancel: unknown task %s", taskID)
	}
	if task.Status.Terminal() {
		return nil
	}
	if task.Status == store.StatusProcessing {
		return fmt.Errorf("cancel: task %s is in flight", taskID)
	}
	if _, err := q.cache.ZRem(ctx, q.keys.Bucket(task.Priority), taskID); err != nil {
		return err
	}
	task.Status = store.StatusCancelled
	task.AssignedWorker = ""
	return q.saveTask(ctx, task)
}

// checkOwner enforces that only the assignment holder may ack. A task that
// is not PROCESSING (for instance, requeued after its worker was evicted)
// accepts no acks at all.
func (q *Queue) checkOwner(ctx context.Context, task *store.Task, workerID string) error {
	if task.Status != store.StatusProcessing {
		return store.ErrNotAssigned
	}
	raw, err := q.cache.HGet(ctx, q.keys.Assignments(), task.ID)
	if err != nil {
		return err
	}
	if raw != "" {
		var a store.Assignment
		if err := json.Unmarshal([]byte(raw), &a); err == nil && a.WorkerID != workerID {
			return store.ErrNotAssigned
		}
		return nil
	}
	if task.AssignedWorker != "" && task.AssignedWorker != workerID {
		return store.ErrNotAssigned
	}
	return nil
}

func (q *Queue) backoffDelay(retryCount int) time.Duration {
	delay := float64(q.cfg.RetryBase) * math.Pow(q.cfg.RetryFactor, float64(retryCount))
	if max := float64(q.cfg.RetryMaxDelay); delay > max {
		delay = max
	}
	if q.cfg.RetryJitter > 0 {
		delay *= 1 + (rand.Float64()*2-1)*q.cfg.RetryJitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// deadLetter pushes the final snapshot onto the TTL-bounded DLQ list.
func (q *Queue) deadLetter(ctx context.Context, task *store.Task, errMsg, category string) error {
	snapshot := DeadLetter{
		Kind:     deadLetterKind,
		TaskID:   task.ID,
		Task:     task,
		Error:    errMsg,
		Category: category,
		MovedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("dead letter: marshal snapshot for %s: %w", task.ID, err)
	}
	if err := q.cache.LPush(ctx, q.keys.DeadLetter(), string(data)); err != nil {
		return err
	}
	if err := q.cache.Expire(ctx, q.keys.DeadLetter(), q.cfg.DeadLetterTTL); err != nil {
		return err
	}
	log.Printf("queue: task %s moved to dead letter queue after %d attempts: %s", task.ID, task.RetryCount, errMsg)
	return nil
}

// deadLetterCorrupt moves a non-decodable entry to the DLQ with a synthetic
// error. It is never re-enqueued.
func (q *Queue) deadLetterCorrupt(ctx context.Context, taskID, raw string, decodeErr error) {
	snapshot := DeadLetter{
		Kind:    deadLetterKind,
		TaskID:  taskID,
		Raw:     raw,
		Error:   fmt.Sprintf("corrupt task payload: %v", decodeErr),
		MovedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		log.Printf("queue: marshal corrupt snapshot for %s: %v", taskID, err)
		return
	}
	if err := q.cache.LPush(ctx, q.keys.DeadLetter(), string(data)); err != nil {
		log.Printf("queue: dead lettering corrupt task %s: %v", taskID, err)
		return
	}
	if err := q.cache.Expire(ctx, q.keys.DeadLetter(), q.cfg.DeadLetterTTL); err != nil {
		log.Printf("queue: expire dead letter list: %v", err)
	}

	synthetic := store.Task{
		Kind:      store.TaskKind,
		Version:   store.TaskVersion,
		ID:        taskID,
		Status:    store.StatusFailed,
		LastError: fmt.Sprintf("corrupt task payload: %v", decodeErr),
	}
	if err := q.saveTask(ctx, &synthetic); err != nil {
		log.Printf("queue: writing synthetic status for corrupt task %s: %v", taskID, err)
	}
	q.deadLettered.Add(1)
	observability.TaskOutcomes.WithLabelValues("dead_lettered").Inc()
	log.Printf("queue: corrupt payload for task %s moved to dead letter queue", taskID)
}

// GetTask returns the stored record for a task id, nil when unknown.
func (q *Queue) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	return q.loadTask(ctx, taskID)
}

// DeadLetters returns up to limit DLQ snapshots, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := q.cache.LRange(ctx, q.keys.DeadLetter(), 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	letters := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			log.Printf("queue: skipping undecodable dead letter: %v", err)
			continue
		}
		letters = append(letters, dl)
	}
	return letters, nil
}

// Status assembles the operational snapshot: live depths, registry sizes,
// counters, and the cache probe result.
func (q *Queue) Status(ctx context.Context) (*store.QueueStatus, error) {
	st := &store.QueueStatus{
		Depths:       make(map[string]int64, len(store.Priorities)),
		Enqueued:     q.enqueued.Load(),
		Dequeued:     q.dequeued.Load(),
		Completed:    q.completed.Load(),
		Failed:       q.failed.Load(),
		DeadLettered: q.deadLettered.Load(),
		Retried:      q.retried.Load(),
		Expired:      q.expired.Load(),
		CollectedAt:  time.Now().UTC(),
	}

	if err := q.cache.Ping(ctx); err != nil {
		q.avail.MarkDown()
	} else {
		q.avail.MarkUp()
	}
	st.CacheConnected = q.avail.Connected()

	for _, p := range store.Priorities {
		depth, err := q.cache.ZCard(ctx, q.keys.Bucket(p))
		if err != nil {
			return st, err
		}
		st.Depths[p.Bucket()] = depth
	}
	var err error
	if st.DLQDepth, err = q.cache.LLen(ctx, q.keys.DeadLetter()); err != nil {
		return st, err
	}
	if st.Workers, err = q.cache.HLen(ctx, q.keys.Workers()); err != nil {
		return st, err
	}
	if st.Assignments, err = q.cache.HLen(ctx, q.keys.Assignments()); err != nil {
		return st, err
	}
	return st, nil
}

// PublishStatus pushes the status snapshot to the bounded metrics list and
// refreshes the Prometheus gauges.
func (q *Queue) PublishStatus(ctx context.Context) error {
	st, err := q.Status(ctx)
	if err != nil {
		return err
	}
	for bucket, depth := range st.Depths {
		observability.QueueDepth.WithLabelValues(bucket).Set(float64(depth))
	}
	observability.DLQDepth.Set(float64(st.DLQDepth))

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	if err := q.cache.LPush(ctx, q.keys.Metrics(), string(data)); err != nil {
		return err
	}
	return q.cache.LTrim(ctx, q.keys.Metrics(), 0, int64(q.cfg.MetricsLimit-1))
}

func (q *Queue) loadTask(ctx context.Context, taskID string) (*store.Task, error) {
	raw, err := q.cache.HGet(ctx, q.keys.TaskStatus(), taskID)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var task store.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("%w: task %s: %v", store.ErrCorruptPayload, taskID, err)
	}
	return &task, nil
}

func (q *Queue) saveTask(ctx context.Context, task *store.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	return q.cache.HSet(ctx, q.keys.TaskStatus(), task.ID, string(data))
}
