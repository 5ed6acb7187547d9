package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/driftline/crawlplane/orchestrator/fetcher"
	"github.com/driftline/crawlplane/orchestrator/observability"
	"github.com/driftline/crawlplane/orchestrator/recovery"
	"github.com/driftline/crawlplane/orchestrator/store"
	"github.com/driftline/crawlplane/orchestrator/timeline"
)

// run is one worker's life: register, pull, process, repeat. On cancel the
// loop stops intake, lets the in-flight pass finish (bounded), and
// deregisters.
func (m *Manager) run(ctx context.Context, l *loop) {
	m.registry.RegisterWorker(l.id, m.cfg.Capacity)
	if err := m.queue.RegisterWorker(ctx, l.id); err != nil {
		log.Printf("worker %s: queue registration: %v", l.id, err)
	}
	log.Printf("worker %s: loop started", l.id)

	// Heartbeat ticker covers long fetches; the loop also refreshes on
	// every iteration.
	hbCtx, hbCancel := context.WithCancel(context.Background())
	defer hbCancel()
	go m.heartbeatLoop(hbCtx, ctx, l.id)

	defer func() {
		m.registry.UnregisterWorker(l.id)
		// Deregistering from the queue drops the heartbeat key; any
		// assignment that somehow survived the drain is then reclaimed by
		// the sweep.
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.queue.UnregisterWorker(dctx, l.id); err != nil {
			log.Printf("worker %s: deregister: %v", l.id, err)
		}
		log.Printf("worker %s: loop stopped", l.id)
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		m.heartbeat(ctx, l.id)

		if !m.registry.Admit(l.id) {
			// FAILED or MAINTENANCE; wait for an operator reset or a
			// heartbeat-driven recovery rather than spinning.
			if !sleepOrWake(ctx, l.wake, m.cfg.IdleWait) {
				return
			}
			continue
		}

		task, err := m.pull(ctx, l.id)
		if err != nil {
			m.registry.Release(l.id)
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			log.Printf("worker %s: pull: %v", l.id, err)
			if !sleepOrWake(ctx, l.wake, m.cfg.IdleWait) {
				return
			}
			continue
		}
		if task == nil {
			m.registry.Release(l.id)
			if !sleepOrWake(ctx, l.wake, m.cfg.IdleWait) {
				return
			}
			continue
		}

		// RecordCompletion inside process returns the admitted slot on
		// every path; Release above only covers empty pulls.
		m.process(ctx, l.id, task)
	}
}

// pull fetches the next task from the queue or, in broker mode, from the
// external broker.
func (m *Manager) pull(ctx context.Context, workerID string) (*store.Task, error) {
	if m.broker != nil {
		return m.broker.PullTask(ctx, workerID)
	}
	return m.queue.Dequeue(ctx, workerID, m.cfg.Strategy, m.cfg.DequeueTimeout)
}

// process runs one task through fetch, dedup, and sink, then acks the
// outcome. The pass is bounded by ProcessingTimeout on its own context so a
// shutdown does not yank I/O mid-step; after cancel, overrun is cut at
// TaskTimeout and acked as a retryable failure.
func (m *Manager) process(ctx context.Context, workerID string, task *store.Task) {
	start := time.Now()
	m.record(task.ID, timeline.StageAssigned, workerID, nil)

	procCtx, cancel := context.WithTimeout(context.Background(), m.cfg.ProcessingTimeout)
	finished := make(chan struct{})
	go func() {
		select {
		case <-finished:
		case <-ctx.Done():
			grace := time.NewTimer(m.cfg.TaskTimeout)
			defer grace.Stop()
			select {
			case <-finished:
			case <-grace.C:
				cancel()
			}
		}
	}()
	defer func() {
		close(finished)
		cancel()
	}()

	if err := m.limiter.Wait(procCtx, task.Platform); err != nil {
		m.fail(procCtx, workerID, task, start, recovery.ErrorInfo{
			TaskID:   task.ID,
			WorkerID: workerID,
			Message:  fmt.Sprintf("politeness wait interrupted: %v", err),
			URL:      task.URL,
			Platform: task.Platform,
			Attempt:  task.RetryCount,
		})
		return
	}

	fetchCtx, fetchCancel := context.WithTimeout(procCtx, m.cfg.TaskTimeout)
	result, err := m.fetch.Fetch(fetchCtx, task)
	fetchCancel()
	if err != nil {
		info := recovery.ErrorInfo{
			TaskID:   task.ID,
			WorkerID: workerID,
			Message:  err.Error(),
			URL:      task.URL,
			Platform: task.Platform,
			Attempt:  task.RetryCount,
		}
		var ferr *fetcher.FetchError
		if errors.As(err, &ferr) {
			info.StatusCode = ferr.StatusCode
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			info.Message = fmt.Sprintf("task timeout after %v: %v", m.cfg.TaskTimeout, err)
		}
		m.fail(procCtx, workerID, task, start, info)
		return
	}
	m.record(task.ID, timeline.StageFetched, workerID, nil)

	content := result.Content
	verdict := m.dedup.CheckDuplicate(procCtx, task.ID, content.URL, content.Text, content.Title, task.Platform, creatorURL(task))
	if verdict.IsDuplicate {
		m.record(task.ID, timeline.StageDuplicate, workerID, map[string]string{
			"type":   string(verdict.Type),
			"reason": verdict.Reason,
		})
		ack := map[string]interface{}{
			"duplicate":  true,
			"type":       string(verdict.Type),
			"reason":     verdict.Reason,
			"matched_id": verdict.MatchedID,
		}
		if err := m.queue.Complete(procCtx, task.ID, workerID, ack); err != nil {
			log.Printf("worker %s: duplicate ack for %s: %v", workerID, task.ID, err)
		}
		m.finishTask(procCtx, task, workerID)
		m.registry.RecordCompletion(workerID, time.Since(start), true)
		m.ackBroker(procCtx, task.ID, workerID, true, time.Since(start), "duplicate: "+verdict.Reason)
		observability.TaskOutcomes.WithLabelValues("duplicate").Inc()
		observability.TaskDuration.Observe(time.Since(start).Seconds())
		return
	}

	// Store under the identity the layers checked: the normalized URL and
	// the engine's fingerprint. Index lookups on the next pass must see
	// these exact values, or the URL and hash layers never confirm against
	// this record.
	if verdict.NormalizedURL != "" {
		content.URL = verdict.NormalizedURL
	}
	if verdict.ContentHash != "" {
		content.ContentHash = verdict.ContentHash
	}

	storedID, err := m.sink.Append(procCtx, content)
	if err != nil {
		m.fail(procCtx, workerID, task, start, recovery.ErrorInfo{
			TaskID:   task.ID,
			WorkerID: workerID,
			Message:  fmt.Sprintf("storage sink: %v", err),
			URL:      task.URL,
			Platform: task.Platform,
			Attempt:  task.RetryCount,
		})
		return
	}
	m.record(task.ID, timeline.StageStored, workerID, map[string]string{"content_id": storedID})

	ack := map[string]interface{}{
		"content_id":   storedID,
		"content_hash": content.ContentHash,
	}
	if result.VideoURL != "" {
		ack["video_url"] = result.VideoURL
	}
	if err := m.queue.Complete(procCtx, task.ID, workerID, ack); err != nil {
		log.Printf("worker %s: completing %s: %v", workerID, task.ID, err)
		m.registry.RecordCompletion(workerID, time.Since(start), false)
		return
	}
	m.record(task.ID, timeline.StageCompleted, workerID, nil)
	m.finishTask(procCtx, task, workerID)
	m.recovery.RecordSuccess(task.ID, task.URL, task.Platform)
	m.registry.RecordCompletion(workerID, time.Since(start), true)
	m.ackBroker(procCtx, task.ID, workerID, true, time.Since(start), "")
	observability.TaskDuration.Observe(time.Since(start).Seconds())
}

// fail routes the error through recovery and forwards its verdict to the
// queue, which owns retry scheduling.
func (m *Manager) fail(ctx context.Context, workerID string, task *store.Task, start time.Time, info recovery.ErrorInfo) {
	decision := m.recovery.HandleError(ctx, info)
	category := ""
	if decision.Record != nil {
		category = string(decision.Record.Category)
	}

	retry := decision.ShouldRetry && decision.Action == recovery.ActionRetryTask
	if err := m.queue.Fail(ctx, task.ID, workerID, info.Message, category, retry, decision.Delay); err != nil {
		log.Printf("worker %s: failing %s: %v", workerID, task.ID, err)
	}
	if retry {
		m.record(task.ID, timeline.StageRetrying, workerID, map[string]string{"category": category})
	} else {
		m.record(task.ID, timeline.StageFailed, workerID, map[string]string{
			"category": category,
			"action":   string(decision.Action),
		})
		m.finishTask(ctx, task, workerID)
	}
	m.registry.RecordCompletion(workerID, time.Since(start), false)
	m.ackBroker(ctx, task.ID, workerID, false, time.Since(start), info.Message)
}

// finishTask releases per-task dedup state once the task leaves the
// pipeline for good. The claim release is owner-checked, so calling it when
// another task holds the creator claim is harmless.
func (m *Manager) finishTask(ctx context.Context, task *store.Task, workerID string) {
	if err := m.dedup.ReleaseClaim(ctx, task.Platform, creatorURL(task), task.ID); err != nil {
		log.Printf("worker %s: releasing claim for %s: %v", workerID, task.ID, err)
	}
	m.dedup.ReleaseContext(ctx, task.ID)
}

func (m *Manager) ackBroker(ctx context.Context, taskID, workerID string, success bool, duration time.Duration, errMsg string) {
	if m.broker == nil {
		return
	}
	if err := m.broker.Ack(ctx, taskID, workerID, success, duration, errMsg); err != nil {
		log.Printf("worker %s: broker ack for %s: %v", workerID, taskID, err)
	}
}

func (m *Manager) record(taskID, stage, workerID string, meta map[string]string) {
	if m.timeline == nil {
		return
	}
	m.timeline.Record(timeline.TaskEvent{
		TaskID:   taskID,
		Stage:    stage,
		WorkerID: workerID,
		Metadata: meta,
	})
}

// heartbeat refreshes both liveness clocks: the queue's TTL key and the
// scheduler's in-memory record.
func (m *Manager) heartbeat(ctx context.Context, workerID string) {
	if err := m.queue.RefreshHeartbeat(ctx, workerID); err != nil {
		log.Printf("worker %s: heartbeat: %v", workerID, err)
	}
	m.registry.Heartbeat(workerID)
}

// heartbeatLoop keeps the heartbeat fresh while the loop is stuck in a long
// fetch. It outlives loopCtx slightly so an in-flight drain stays visible.
func (m *Manager) heartbeatLoop(ctx context.Context, loopCtx context.Context, workerID string) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.heartbeat(ctx, workerID)
			if loopCtx.Err() != nil {
				// One refresh after cancel covers the drain window.
				return
			}
		}
	}
}

// creatorURL extracts the creator hint from the payload, falling back to
// the task URL so task-level dedup still keys on something stable.
func creatorURL(task *store.Task) string {
	if task.Payload != nil {
		if v, ok := task.Payload["creator_url"].(string); ok && v != "" {
			return v
		}
	}
	return task.URL
}

// sleepOrWake waits out the idle interval unless a TriggerCheck arrives.
// Returns false when ctx ended.
func sleepOrWake(ctx context.Context, wake <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-timer.C:
		return true
	}
}
