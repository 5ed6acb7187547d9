package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/driftline/crawlplane/orchestrator/dedup"
	"github.com/driftline/crawlplane/orchestrator/fetcher"
	"github.com/driftline/crawlplane/orchestrator/optimizer"
	"github.com/driftline/crawlplane/orchestrator/queue"
	"github.com/driftline/crawlplane/orchestrator/recovery"
	"github.com/driftline/crawlplane/orchestrator/scheduler"
	"github.com/driftline/crawlplane/orchestrator/store"
	"github.com/driftline/crawlplane/orchestrator/timeline"
)

var (
	_ TaskQueue               = (*queue.Queue)(nil)
	_ Registry                = (*scheduler.Scheduler)(nil)
	_ Deduper                 = (*dedup.Engine)(nil)
	_ Recoverer               = (*recovery.Engine)(nil)
	_ Broker                  = (*fetcher.BrokerClient)(nil)
	_ optimizer.ScaleExecutor = (*Manager)(nil)
)

// stubFetcher fabricates content from the task itself; failures are
// injected per URL. rawIdentity mimics a minimal fetcher that returns the
// URL as requested and no content hash.
type stubFetcher struct {
	mu          sync.Mutex
	calls       int
	failWith    map[string]error
	bodies      map[string]string
	rawIdentity bool
}

func (f *stubFetcher) Fetch(_ context.Context, task *store.Task) (*fetcher.FetchResult, error) {
	f.mu.Lock()
	f.calls++
	err := f.failWith[task.URL]
	body := f.bodies[task.URL]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	title := "post " + task.ID
	text := "rendered body of " + task.URL + " with enough words to clear the semantic length floor"
	if body != "" {
		text = body
	}
	hash := dedup.ContentHash(title, text)
	if f.rawIdentity {
		hash = ""
	}
	return &fetcher.FetchResult{
		Content: &store.Content{
			URL:         task.URL,
			Title:       title,
			Platform:    task.Platform,
			Author:      "author-" + task.ID,
			Text:        text,
			ContentHash: hash,
			CreatedAt:   time.Now().UTC(),
		},
	}, nil
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// stubRecovery returns a fixed decision and records what it saw.
type stubRecovery struct {
	mu        sync.Mutex
	decision  recovery.Decision
	calls     []recovery.ErrorInfo
	successes int
}

func (r *stubRecovery) HandleError(_ context.Context, info recovery.ErrorInfo) recovery.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, info)
	d := r.decision
	d.Record = &recovery.ErrorRecord{
		TaskID:   info.TaskID,
		Message:  info.Message,
		Category: recovery.CategoryNetwork,
	}
	return d
}

func (r *stubRecovery) RecordSuccess(_, _, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes++
}

func (r *stubRecovery) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type pipeline struct {
	cache *store.MemoryCache
	index *store.MemoryIndex
	queue *queue.Queue
	sched *scheduler.Scheduler
	dedup *dedup.Engine
	fetch *stubFetcher
	rec   *stubRecovery
	tl    *timeline.Store
	mgr   *Manager
}

func newPipeline(t *testing.T, mutate func(*Config)) *pipeline {
	t.Helper()
	cache := store.NewMemoryCache()
	index := store.NewMemoryIndex()

	qcfg := queue.DefaultConfig()
	qcfg.RetryJitter = 0
	q := queue.New(cache, qcfg)

	cfg := DefaultConfig()
	cfg.PoolSize = 1
	cfg.DequeueTimeout = 50 * time.Millisecond
	cfg.IdleWait = 20 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.PlatformRate = 0 // politeness off for tests
	if mutate != nil {
		mutate(&cfg)
	}

	p := &pipeline{
		cache: cache,
		index: index,
		queue: q,
		sched: scheduler.New(scheduler.DefaultConfig()),
		dedup: dedup.New(cache, index, q.Keys(), dedup.DefaultConfig()),
		fetch: &stubFetcher{failWith: map[string]error{}},
		rec:   &stubRecovery{},
		tl:    timeline.NewStore(1000),
	}
	p.mgr = NewManager(p.queue, p.sched, p.dedup, p.fetch, fetcher.NewIndexSink(index), p.rec, p.tl, cfg)
	return p
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (p *pipeline) taskStatus(t *testing.T, id string) store.TaskStatus {
	t.Helper()
	task, err := p.queue.GetTask(context.Background(), id)
	if err != nil || task == nil {
		return ""
	}
	return task.Status
}

func TestPipelineCompletesTask(t *testing.T) {
	p := newPipeline(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := store.NewTask("T1", "https://a.test/x", "twitter", store.PriorityNormal)
	if err := p.queue.Enqueue(ctx, task, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	p.mgr.Start(ctx)
	defer p.mgr.Stop()

	waitFor(t, 3*time.Second, "task completion", func() bool {
		return p.taskStatus(t, "T1") == store.StatusCompleted
	})

	stored, err := p.index.FindByURL(ctx, "https://a.test/x")
	if err != nil || stored == nil {
		t.Fatalf("content not stored: %v, %v", stored, err)
	}
	done, err := p.queue.GetTask(ctx, "T1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if done.Result["content_id"] != stored.ID {
		t.Errorf("result content_id = %v, want %s", done.Result["content_id"], stored.ID)
	}
	if got := p.tl.Events("T1"); len(got) == 0 {
		t.Error("no timeline events recorded")
	}
}

func TestPipelineAcksDuplicate(t *testing.T) {
	p := newPipeline(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.mgr.Start(ctx)
	defer p.mgr.Stop()

	first := store.NewTask("D1", "https://a.test/dup", "twitter", store.PriorityNormal)
	if err := p.queue.Enqueue(ctx, first, 0); err != nil {
		t.Fatalf("enqueue D1: %v", err)
	}
	waitFor(t, 3*time.Second, "first task completion", func() bool {
		return p.taskStatus(t, "D1") == store.StatusCompleted
	})

	// Same URL modulo a volatile param; dedup must catch it after the
	// first capture landed in the index.
	second := store.NewTask("D2", "https://a.test/dup?ts=99", "twitter", store.PriorityNormal)
	if err := p.queue.Enqueue(ctx, second, 0); err != nil {
		t.Fatalf("enqueue D2: %v", err)
	}
	waitFor(t, 3*time.Second, "second task completion", func() bool {
		return p.taskStatus(t, "D2") == store.StatusCompleted
	})

	done, err := p.queue.GetTask(ctx, "D2")
	if err != nil || done == nil {
		t.Fatalf("get D2: %v", err)
	}
	if done.Result["duplicate"] != true {
		t.Fatalf("D2 result = %v, want duplicate ack", done.Result)
	}
	// The stored record carries the normalized URL, so the URL layer must
	// confirm against the index before the hash cache gets a say.
	if typ := done.Result["type"]; typ != string(dedup.URLDuplicate) {
		t.Errorf("duplicate type = %v, want %s", typ, dedup.URLDuplicate)
	}
}

func TestPipelineStampsContentIdentity(t *testing.T) {
	// A minimal fetcher echoes the raw URL and leaves the content hash
	// empty. The pipeline must store under the normalized URL with the
	// engine's fingerprint; two distinct articles must stay two records.
	p := newPipeline(t, nil)
	p.fetch.rawIdentity = true
	p.fetch.bodies = map[string]string{
		"https://A.test/one?ts=1": "breaking report on reservoir levels falling across the western basin through the dry summer months",
		"https://a.test/two":      "unrelated coverage of the championship qualifiers and the overnight roster changes across the league",
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.mgr.Start(ctx)
	defer p.mgr.Stop()

	first := store.NewTask("I1", "https://A.test/one?ts=1", "twitter", store.PriorityNormal)
	if err := p.queue.Enqueue(ctx, first, 0); err != nil {
		t.Fatalf("enqueue I1: %v", err)
	}
	waitFor(t, 3*time.Second, "first task completion", func() bool {
		return p.taskStatus(t, "I1") == store.StatusCompleted
	})
	second := store.NewTask("I2", "https://a.test/two", "twitter", store.PriorityNormal)
	if err := p.queue.Enqueue(ctx, second, 0); err != nil {
		t.Fatalf("enqueue I2: %v", err)
	}
	waitFor(t, 3*time.Second, "second task completion", func() bool {
		return p.taskStatus(t, "I2") == store.StatusCompleted
	})

	one, err := p.index.FindByURL(ctx, "https://a.test/one")
	if err != nil || one == nil {
		t.Fatalf("first record not stored under normalized url: %v, %v", one, err)
	}
	two, err := p.index.FindByURL(ctx, "https://a.test/two")
	if err != nil || two == nil {
		t.Fatalf("second record not stored: %v, %v", two, err)
	}
	if one.ID == two.ID {
		t.Fatal("distinct contents resolved to one record")
	}
	if one.ContentHash == "" || two.ContentHash == "" {
		t.Errorf("stored hashes = %q, %q, want engine fingerprints", one.ContentHash, two.ContentHash)
	}
	if one.ContentHash == two.ContentHash {
		t.Errorf("distinct contents share hash %q", one.ContentHash)
	}
}

func TestErrorPathConsultsRecovery(t *testing.T) {
	p := newPipeline(t, nil)
	p.rec.decision = recovery.Decision{
		ShouldRetry: true,
		Action:      recovery.ActionRetryTask,
		Strategy:    recovery.StrategyExponential,
		Delay:       time.Hour, // parks the retry far in the future
	}
	p.fetch.failWith["https://a.test/broken"] = errors.New("connection refused by peer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.mgr.Start(ctx)
	defer p.mgr.Stop()

	task := store.NewTask("E1", "https://a.test/broken", "twitter", store.PriorityNormal)
	task.MaxRetries = 3
	if err := p.queue.Enqueue(ctx, task, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 3*time.Second, "retry verdict applied", func() bool {
		return p.taskStatus(t, "E1") == store.StatusRetrying
	})
	if p.rec.callCount() == 0 {
		t.Fatal("recovery engine was never consulted")
	}
	got, _ := p.queue.GetTask(ctx, "E1")
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
}

func TestSkipVerdictDeadLetters(t *testing.T) {
	p := newPipeline(t, nil)
	p.rec.decision = recovery.Decision{
		ShouldRetry: false,
		Action:      recovery.ActionSkip,
		Strategy:    recovery.StrategySkip,
	}
	p.fetch.failWith["https://a.test/gone"] = &fetcher.FetchError{Message: "not found", StatusCode: 404}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.mgr.Start(ctx)
	defer p.mgr.Stop()

	task := store.NewTask("S1", "https://a.test/gone", "twitter", store.PriorityNormal)
	if err := p.queue.Enqueue(ctx, task, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 3*time.Second, "terminal failure", func() bool {
		return p.taskStatus(t, "S1") == store.StatusFailed
	})
	letters, err := p.queue.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(letters) != 1 || letters[0].TaskID != "S1" {
		t.Fatalf("DLQ = %+v, want single S1 snapshot", letters)
	}
	if len(p.rec.calls) == 0 || p.rec.calls[0].StatusCode != 404 {
		t.Errorf("recovery saw %+v, want status code 404", p.rec.calls)
	}
}

func TestTriggerCheckWakesIdleLoop(t *testing.T) {
	p := newPipeline(t, func(c *Config) {
		c.IdleWait = 10 * time.Second // only a wake can cut this short
		c.DequeueTimeout = 10 * time.Millisecond
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.mgr.Start(ctx)
	defer p.mgr.Stop()

	// Let the loop drain its first empty poll into the long idle wait.
	time.Sleep(100 * time.Millisecond)

	task := store.NewTask("W1", "https://a.test/wake", "twitter", store.PriorityNormal)
	if err := p.queue.Enqueue(ctx, task, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	p.mgr.TriggerCheck()

	waitFor(t, 2*time.Second, "woken loop to complete the task", func() bool {
		return p.taskStatus(t, "W1") == store.StatusCompleted
	})
}

func TestScaleExecutorAdjustsPool(t *testing.T) {
	p := newPipeline(t, func(c *Config) { c.PoolSize = 2 })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.mgr.Start(ctx)
	defer p.mgr.Stop()

	if got := p.mgr.WorkerCount(); got != 2 {
		t.Fatalf("initial pool = %d, want 2", got)
	}
	if err := p.mgr.AddWorkers(2); err != nil {
		t.Fatalf("add workers: %v", err)
	}
	if got := p.mgr.WorkerCount(); got != 4 {
		t.Fatalf("pool after add = %d, want 4", got)
	}
	if err := p.mgr.RemoveWorkers(3); err != nil {
		t.Fatalf("remove workers: %v", err)
	}
	waitFor(t, 2*time.Second, "cancelled loops to exit", func() bool {
		return p.mgr.WorkerCount() == 1
	})
}

func TestGracefulShutdownDeregisters(t *testing.T) {
	p := newPipeline(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.mgr.Start(ctx)

	waitFor(t, 2*time.Second, "worker registration", func() bool {
		n, _ := p.cache.HLen(context.Background(), p.queue.Keys().Workers())
		return n == 1
	})

	p.mgr.Stop()

	n, err := p.cache.HLen(context.Background(), p.queue.Keys().Workers())
	if err != nil {
		t.Fatalf("hlen: %v", err)
	}
	if n != 0 {
		t.Errorf("worker registry size after shutdown = %d, want 0", n)
	}
	if len(p.sched.Snapshot()) != 0 {
		t.Errorf("scheduler still tracks %d workers after shutdown", len(p.sched.Snapshot()))
	}
}
