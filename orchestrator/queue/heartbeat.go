package queue

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/driftline/crawlplane/orchestrator/observability"
	"github.com/driftline/crawlplane/orchestrator/store"
)

// RegisterWorker records the worker in the registry hash and refreshes its
// heartbeat key. Called on every dequeue; registration is idempotent.
func (q *Queue) RegisterWorker(ctx context.Context, workerID string) error {
	now := time.Now().UTC()
	reg := store.WorkerRegistration{
		WorkerID:     workerID,
		RegisteredAt: now,
		LastSeen:     now,
	}
	if raw, err := q.cache.HGet(ctx, q.keys.Workers(), workerID); err == nil && raw != "" {
		var existing store.WorkerRegistration
		if err := json.Unmarshal([]byte(raw), &existing); err == nil && !existing.RegisteredAt.IsZero() {
			reg.RegisteredAt = existing.RegisteredAt
		}
	}
	data, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	if err := q.cache.HSet(ctx, q.keys.Workers(), workerID, string(data)); err != nil {
		return err
	}
	return q.RefreshHeartbeat(ctx, workerID)
}

// RefreshHeartbeat resets the worker's liveness key to the full TTL.
func (q *Queue) RefreshHeartbeat(ctx context.Context, workerID string) error {
	return q.cache.Set(ctx, q.keys.WorkerHeartbeat(workerID),
		time.Now().UTC().Format(time.RFC3339), q.cfg.HeartbeatTTL)
}

// UnregisterWorker removes the registry entry and heartbeat key, used on
// graceful worker shutdown.
func (q *Queue) UnregisterWorker(ctx context.Context, workerID string) error {
	if err := q.cache.HDel(ctx, q.keys.Workers(), workerID); err != nil {
		return err
	}
	return q.cache.Delete(ctx, q.keys.WorkerHeartbeat(workerID))
}

// SweepExpiredWorkers evicts every registered worker whose heartbeat key has
// expired, re-enqueueing each of its in-flight tasks with status PENDING.
// Partial failures surface as a SweepError; the sweep keeps going.
func (q *Queue) SweepExpiredWorkers(ctx context.Context) (int, int, error) {
	workers, err := q.cache.HGetAll(ctx, q.keys.Workers())
	if err != nil {
		return 0, 0, err
	}

	evicted, requeued, failures := 0, 0, 0
	for workerID := range workers {
		hb, err := q.cache.Get(ctx, q.keys.WorkerHeartbeat(workerID))
		if err != nil {
			log.Printf("queue: heartbeat probe for %s: %v", workerID, err)
			continue
		}
		if hb != "" {
			continue
		}

		log.Printf("queue: worker %s heartbeat expired, evicting and reassigning its tasks", workerID)
		ok, bad := q.requeueWorkerTasks(ctx, workerID)
		requeued += ok
		failures += bad

		if err := q.cache.HDel(ctx, q.keys.Workers(), workerID); err != nil {
			log.Printf("queue: removing registry entry for %s: %v", workerID, err)
			failures++
			continue
		}
		evicted++
		observability.HeartbeatEvictions.Inc()
	}

	if failures > 0 {
		return evicted, requeued, &SweepError{Evicted: evicted, Requeued: requeued, Failed: failures}
	}
	return evicted, requeued, nil
}

// requeueWorkerTasks puts every task assigned to the dead worker back into
// its bucket with status PENDING, retry count untouched (the crash is not
// the task's failure).
func (q *Queue) requeueWorkerTasks(ctx context.Context, workerID string) (requeued, failed int) {
	assignments, err := q.cache.HGetAll(ctx, q.keys.Assignments())
	if err != nil {
		log.Printf("queue: listing assignments for sweep: %v", err)
		return 0, 1
	}

	for taskID, raw := range assignments {
		var a store.Assignment
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			log.Printf("queue: undecodable assignment for %s: %v", taskID, err)
			continue
		}
		if a.WorkerID != workerID {
			continue
		}

		task, err := q.loadTask(ctx, taskID)
		if err != nil || task == nil {
			log.Printf("queue: orphan assignment %s has no task record (err=%v)", taskID, err)
			if derr := q.cache.HDel(ctx, q.keys.Assignments(), taskID); derr != nil {
				failed++
			}
			continue
		}

		task.Status = store.StatusPending
		task.AssignedWorker = ""
		task.ScheduledAt = nil
		data, err := json.Marshal(task)
		if err != nil {
			failed++
			continue
		}
		err = q.cache.AtomicEnqueue(ctx,
			q.keys.Bucket(task.Priority), task.ID, entryScore(task),
			q.keys.TaskStatus(), task.ID, string(data))
		if err != nil {
			log.Printf("queue: re-enqueue of orphaned task %s failed: %v", taskID, err)
			failed++
			continue
		}
		if err := q.cache.HDel(ctx, q.keys.Assignments(), taskID); err != nil {
			failed++
			continue
		}
		requeued++
		observability.RequeuedOrphans.Inc()
	}
	return requeued, failed
}

// StartSweeper runs the eviction sweep on a ticker until ctx is cancelled.
func (q *Queue) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(q.cfg.SweepInterval)
		defer ticker.Stop()

		log.Printf("queue: starting heartbeat sweeper (interval %v, heartbeat TTL %v)", q.cfg.SweepInterval, q.cfg.HeartbeatTTL)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, _, err := q.SweepExpiredWorkers(ctx); err != nil {
					log.Printf("queue: sweep: %v", err)
				}
			}
		}
	}()
}

// PromoteDueRetries flips due RETRYING entries to PENDING. Correctness does
// not depend on it (dequeue re-checks scheduled_for); it exists so the
// observable status decays on time.
func (q *Queue) PromoteDueRetries(ctx context.Context) int {
	now := time.Now().UTC()
	promoted := 0
	for _, p := range store.Priorities {
		entries, err := q.cache.ZRangeWithScores(ctx, q.keys.Bucket(p), 0, int64(q.cfg.PromoteBatch-1))
		if err != nil {
			log.Printf("queue: promoter scan of %s: %v", p.Bucket(), err)
			continue
		}
		for _, entry := range entries {
			task, err := q.loadTask(ctx, entry.Member)
			if err != nil || task == nil {
				continue
			}
			if task.ScheduledAt != nil && now.Before(*task.ScheduledAt) {
				// Entries are score-ordered; everything behind this one
				// is due later.
				break
			}
			if task.Status != store.StatusRetrying {
				continue
			}
			task.Status = store.StatusPending
			if err := q.saveTask(ctx, task); err != nil {
				log.Printf("queue: promoting task %s: %v", task.ID, err)
				continue
			}
			promoted++
		}
	}
	return promoted
}

// StartPromoter runs the retry promoter on a ticker until ctx is cancelled.
func (q *Queue) StartPromoter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(q.cfg.PromoteInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.PromoteDueRetries(ctx)
			}
		}
	}()
}
