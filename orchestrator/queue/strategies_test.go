package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/driftline/crawlplane/orchestrator/store"
)

func drainIDs(t *testing.T, q *Queue, workerID string, strategy Strategy, n int) []string {
	t.Helper()
	ctx := context.Background()
	var ids []string
	for i := 0; i < n; i++ {
		task, err := q.Dequeue(ctx, workerID, strategy, 0)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if task == nil {
			t.Fatalf("dequeue %d returned no task", i)
		}
		ids = append(ids, task.ID)
	}
	return ids
}

func plantAssignment(t *testing.T, q *Queue, cache store.Cache, taskID, workerID string) {
	t.Helper()
	a := store.Assignment{TaskID: taskID, WorkerID: workerID, AssignedAt: time.Now().UTC(), Priority: store.PriorityNormal}
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal assignment: %v", err)
	}
	if err := cache.HSet(context.Background(), q.keys.Assignments(), taskID, string(data)); err != nil {
		t.Fatalf("hset assignment: %v", err)
	}
}

func TestFIFOPicksGloballyOldest(t *testing.T) {
	// FIFO ignores priority: C (t=50) before A (t=100) before B (t=200)
	// even though B sits in the HIGH bucket.
	q, _ := newTestQueue(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-10 * time.Minute)
	for _, task := range []*store.Task{
		taskAt("A", store.PriorityNormal, base.Add(100*time.Second)),
		taskAt("B", store.PriorityHigh, base.Add(200*time.Second)),
		taskAt("C", store.PriorityNormal, base.Add(50*time.Second)),
	} {
		if err := q.Enqueue(ctx, task, 0); err != nil {
			t.Fatalf("enqueue %s: %v", task.ID, err)
		}
	}

	got := drainIDs(t, q, "w1", StrategyFIFO, 3)
	if want := "C,A,B"; strings.Join(got, ",") != want {
		t.Errorf("fifo order = %v, want %s", got, want)
	}
}

func TestLIFOPicksGloballyNewest(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-10 * time.Minute)
	for _, task := range []*store.Task{
		taskAt("A", store.PriorityNormal, base.Add(100*time.Second)),
		taskAt("B", store.PriorityHigh, base.Add(200*time.Second)),
		taskAt("C", store.PriorityNormal, base.Add(50*time.Second)),
	} {
		if err := q.Enqueue(ctx, task, 0); err != nil {
			t.Fatalf("enqueue %s: %v", task.ID, err)
		}
	}

	got := drainIDs(t, q, "w1", StrategyLIFO, 3)
	if want := "B,A,C"; strings.Join(got, ",") != want {
		t.Errorf("lifo order = %v, want %s", got, want)
	}
}

func TestFIFOTieBreaksOnTrueCreatedAt(t *testing.T) {
	// A retried task's score carries a +10-per-retry penalty that makes it
	// look newer than a task created after it. Inside the tie band FIFO
	// must fall back to the record's created_at.
	q, _ := newTestQueue(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-10 * time.Minute)
	older := taskAt("older", store.PriorityNormal, base)
	older.RetryCount = 3 // proxy base+30, past the fresher task below
	newer := taskAt("newer", store.PriorityHigh, base.Add(10*time.Second))
	for _, task := range []*store.Task{newer, older} {
		if err := q.Enqueue(ctx, task, 0); err != nil {
			t.Fatalf("enqueue %s: %v", task.ID, err)
		}
	}

	got := drainIDs(t, q, "w1", StrategyFIFO, 2)
	if want := "older,newer"; strings.Join(got, ",") != want {
		t.Errorf("fifo order = %v, want %s", got, want)
	}
}

func TestLIFOTieBreaksOnTrueCreatedAt(t *testing.T) {
	// Mirror of the FIFO tie break: the retry penalty must not let an older
	// task outrank the true newest.
	q, _ := newTestQueue(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-10 * time.Minute)
	newest := taskAt("newest", store.PriorityNormal, base.Add(40*time.Second))
	older := taskAt("older", store.PriorityHigh, base.Add(20*time.Second))
	older.RetryCount = 3 // proxy base+50, outranking the true newest
	for _, task := range []*store.Task{newest, older} {
		if err := q.Enqueue(ctx, task, 0); err != nil {
			t.Fatalf("enqueue %s: %v", task.ID, err)
		}
	}

	got := drainIDs(t, q, "w1", StrategyLIFO, 2)
	if want := "newest,older"; strings.Join(got, ",") != want {
		t.Errorf("lifo order = %v, want %s", got, want)
	}
}

func TestRoundRobinRotatesBuckets(t *testing.T) {
	// Two CRITICAL tasks and one BATCH task. Round-robin rotates the start
	// bucket each pass, so the BATCH task is served between the CRITICAL
	// ones instead of last.
	q, _ := newTestQueue(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-10 * time.Minute)
	for _, task := range []*store.Task{
		taskAt("crit1", store.PriorityCritical, base.Add(time.Second)),
		taskAt("crit2", store.PriorityCritical, base.Add(2*time.Second)),
		taskAt("batch1", store.PriorityBatch, base.Add(3*time.Second)),
	} {
		if err := q.Enqueue(ctx, task, 0); err != nil {
			t.Fatalf("enqueue %s: %v", task.ID, err)
		}
	}

	got := drainIDs(t, q, "w1", StrategyRoundRobin, 3)
	if got[0] != "batch1" {
		t.Errorf("rotation start = %v, want the batch task served first after cursor advance", got)
	}
	if got[1] != "crit1" || got[2] != "crit2" {
		t.Errorf("order = %v, want crit1 then crit2 after batch1", got)
	}
}

func TestWeightedRoundRobinHonorsWeights(t *testing.T) {
	// All weight on BATCH makes the sample deterministic.
	cache := store.NewMemoryCache()
	cfg := DefaultConfig()
	cfg.RetryJitter = 0
	cfg.StrategyWeights = map[store.TaskPriority]float64{store.PriorityBatch: 1}
	q := New(cache, cfg)
	ctx := context.Background()

	base := time.Now().UTC().Add(-10 * time.Minute)
	for _, task := range []*store.Task{
		taskAt("crit", store.PriorityCritical, base),
		taskAt("batch", store.PriorityBatch, base),
	} {
		if err := q.Enqueue(ctx, task, 0); err != nil {
			t.Fatalf("enqueue %s: %v", task.ID, err)
		}
	}

	got := drainIDs(t, q, "w1", StrategyWeightedRoundRobin, 2)
	if got[0] != "batch" {
		t.Errorf("first pick = %s, want batch (sole weighted bucket)", got[0])
	}
}

func TestLeastConnectionsDeprioritizesBusyWorker(t *testing.T) {
	q, cache := newTestQueue(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-10 * time.Minute)
	for _, task := range []*store.Task{
		taskAt("crit", store.PriorityCritical, base),
		taskAt("batch", store.PriorityBatch, base),
	} {
		if err := q.Enqueue(ctx, task, 0); err != nil {
			t.Fatalf("enqueue %s: %v", task.ID, err)
		}
	}

	// Under the load threshold the order is priority-first.
	got, err := q.Dequeue(ctx, "idle", StrategyLeastConnections, 0)
	if err != nil || got == nil || got.ID != "crit" {
		t.Fatalf("idle worker got %v, %v; want crit", got, err)
	}

	// Past the threshold the busy worker scans buckets in reverse.
	for i := 0; i < 6; i++ {
		plantAssignment(t, q, cache, fmt.Sprintf("busy-%d", i), "busy")
	}
	got, err = q.Dequeue(ctx, "busy", StrategyLeastConnections, 0)
	if err != nil || got == nil || got.ID != "batch" {
		t.Fatalf("busy worker got %v, %v; want batch", got, err)
	}
}

func TestFairShareRestrictsOverAllocatedWorker(t *testing.T) {
	q, cache := newTestQueue(t)
	ctx := context.Background()

	// Two registered workers; w1 holds 3 of 4 assignments, above its fair
	// share of 2.
	if err := q.RegisterWorker(ctx, "w1"); err != nil {
		t.Fatalf("register w1: %v", err)
	}
	if err := q.RegisterWorker(ctx, "w2"); err != nil {
		t.Fatalf("register w2: %v", err)
	}
	for i := 0; i < 3; i++ {
		plantAssignment(t, q, cache, fmt.Sprintf("held-w1-%d", i), "w1")
	}
	plantAssignment(t, q, cache, "held-w2-0", "w2")

	base := time.Now().UTC().Add(-10 * time.Minute)
	for _, task := range []*store.Task{
		taskAt("crit", store.PriorityCritical, base),
		taskAt("low", store.PriorityLow, base),
	} {
		if err := q.Enqueue(ctx, task, 0); err != nil {
			t.Fatalf("enqueue %s: %v", task.ID, err)
		}
	}

	got, err := q.Dequeue(ctx, "w1", StrategyFairShare, 0)
	if err != nil || got == nil || got.ID != "low" {
		t.Fatalf("over-allocated w1 got %v, %v; want the low task only", got, err)
	}
	got, err = q.Dequeue(ctx, "w2", StrategyFairShare, 0)
	if err != nil || got == nil || got.ID != "crit" {
		t.Fatalf("w2 got %v, %v; want crit", got, err)
	}
}

func TestLIFODelayedEntryStaysInvisible(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	ready := taskAt("ready", store.PriorityNormal, time.Now().UTC().Add(-time.Minute))
	if err := q.Enqueue(ctx, ready, 0); err != nil {
		t.Fatalf("enqueue ready: %v", err)
	}
	delayed := store.NewTask("delayed", "https://example.test/delayed", "twitter", store.PriorityNormal)
	if err := q.Enqueue(ctx, delayed, time.Hour); err != nil {
		t.Fatalf("enqueue delayed: %v", err)
	}

	// The delayed entry is the newest, but it is not due; LIFO must put it
	// back rather than deliver it. The next pass serves the ready task.
	got, err := q.Dequeue(ctx, "w1", StrategyLIFO, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got == nil || got.ID != "ready" {
		t.Fatalf("got %v, want the ready task", got)
	}
}
