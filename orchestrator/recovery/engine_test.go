package recovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestEngine(mutate func(*Config)) *Engine {
	cfg := DefaultConfig()
	cfg.Jitter = false
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, nil)
}

func netFailure(taskID string, attempt int) ErrorInfo {
	return ErrorInfo{
		TaskID:   taskID,
		WorkerID: "w1",
		Message:  "connection refused by peer",
		URL:      "https://a.test/post/1",
		Platform: "twitter",
		Attempt:  attempt,
	}
}

func TestHandleErrorRetryBackoff(t *testing.T) {
	e := newTestEngine(nil)
	ctx := context.Background()

	// Exponential plan: 2s base, factor 2.
	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for attempt, want := range wantDelays {
		d := e.HandleError(ctx, netFailure("T", attempt))
		if !d.ShouldRetry || d.Action != ActionRetryTask {
			t.Fatalf("attempt %d: got %+v, want retry", attempt, d)
		}
		if d.Strategy != StrategyExponential {
			t.Fatalf("attempt %d: strategy = %s", attempt, d.Strategy)
		}
		if d.Delay != want {
			t.Fatalf("attempt %d: delay = %v, want %v", attempt, d.Delay, want)
		}
	}

	// Attempts exhausted at the pattern's max of 5.
	d := e.HandleError(ctx, netFailure("T", 5))
	if d.ShouldRetry || d.Action != ActionSkip {
		t.Fatalf("exhausted attempt: got %+v, want skip", d)
	}
}

func TestHandleErrorDelayCapped(t *testing.T) {
	e := newTestEngine(func(c *Config) { c.MaxDelay = 5 * time.Minute })
	info := ErrorInfo{TaskID: "T", Message: "quota exceeded for app", Attempt: 5, Platform: "tiktok"}

	d := e.HandleError(context.Background(), info)
	if !d.ShouldRetry {
		t.Fatalf("got %+v, want retry (attempt 5 < max 6)", d)
	}
	// 30s * 2^5 = 960s, capped at 300s.
	if d.Delay != 5*time.Minute {
		t.Fatalf("delay = %v, want capped 5m", d.Delay)
	}
}

func TestHandleErrorFallback(t *testing.T) {
	e := newTestEngine(nil)
	info := ErrorInfo{TaskID: "T", Message: "login required for this profile", Platform: "instagram"}

	d := e.HandleError(context.Background(), info)
	if d.ShouldRetry {
		t.Fatal("auth failure must not retry")
	}
	if d.Action != ActionUseFallback {
		t.Fatalf("action = %s, want USE_FALLBACK", d.Action)
	}
	if d.Record == nil || d.Record.Category != CategoryAuth {
		t.Fatalf("record = %+v, want AUTH category", d.Record)
	}
}

func TestHandleErrorEscalatePublishesAlert(t *testing.T) {
	pub := &capturingPublisher{}
	cfg := DefaultConfig()
	cfg.Jitter = false
	e := New(cfg, pub)

	info := ErrorInfo{TaskID: "T", WorkerID: "w1", Message: "runtime: out of memory", Platform: "twitter"}
	d := e.HandleError(context.Background(), info)

	if d.Action != ActionAlertAdmin || d.ShouldRetry {
		t.Fatalf("got %+v, want ALERT_ADMIN without retry", d)
	}

	topics := pub.published()
	if len(topics) != 1 || topics[0] != "task.escalated" {
		t.Fatalf("published topics = %v, want [task.escalated]", topics)
	}

	alerts := e.Alerts(10)
	if len(alerts) != 1 {
		t.Fatalf("alert ring holds %d entries, want 1", len(alerts))
	}
	if alerts[0].Record.Category != CategorySystem || alerts[0].Record.Severity != SeverityCritical {
		t.Fatalf("alert record = %+v", alerts[0].Record)
	}
}

func TestHandleErrorBreakerLifecycle(t *testing.T) {
	e := newTestEngine(func(c *Config) {
		c.BreakerThreshold = 2
		c.BreakerTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()

	// Two failures open the breaker for a.test; both still get verdicts.
	for i := 0; i < 2; i++ {
		if d := e.HandleError(ctx, netFailure("T", 0)); d.Action != ActionRetryTask {
			t.Fatalf("failure %d action = %s, want RETRY_TASK", i+1, d.Action)
		}
	}

	// Open breaker blocks regardless of the task's own budget.
	d := e.HandleError(ctx, netFailure("T", 0))
	if d.Action != ActionSkip || d.ShouldRetry {
		t.Fatalf("blocked verdict = %+v, want SKIP", d)
	}
	if d.Strategy != StrategyCircuitBreaker {
		t.Fatalf("blocked strategy = %s, want circuit_breaker", d.Strategy)
	}

	// After the cool-down one trial goes through.
	time.Sleep(60 * time.Millisecond)
	d = e.HandleError(ctx, netFailure("T", 0))
	if d.Action != ActionRetryTask {
		t.Fatalf("trial verdict = %+v, want RETRY_TASK", d)
	}

	// The trial succeeds; the breaker closes and normal flow resumes.
	e.RecordSuccess("T", "https://a.test/post/1", "twitter")
	st := e.BreakerStates()["a.test"]
	if st.Open || st.HalfOpen || st.FailureCount != 0 {
		t.Fatalf("breaker after trial success = %+v, want closed", st)
	}
	if d := e.HandleError(ctx, netFailure("T2", 0)); d.Action != ActionRetryTask {
		t.Fatalf("post-close verdict = %+v, want RETRY_TASK", d)
	}
}

func TestCustomRetryConditionShortCircuits(t *testing.T) {
	e := newTestEngine(nil)
	e.AddRetryCondition(func(info ErrorInfo) (Decision, bool) {
		if strings.Contains(info.Message, "poison") {
			return Decision{Action: ActionSkip, Strategy: StrategySkip}, true
		}
		return Decision{}, false
	})

	d := e.HandleError(context.Background(), ErrorInfo{TaskID: "T", Message: "poison pill payload"})
	if d.Action != ActionSkip {
		t.Fatalf("hook verdict = %+v, want SKIP", d)
	}
	// The hook bypasses classification; nothing lands in the ring.
	if got := e.Errors(10); len(got) != 0 {
		t.Fatalf("error ring holds %d entries, want 0", len(got))
	}

	// Non-matching messages flow through the library as usual.
	d = e.HandleError(context.Background(), netFailure("T", 0))
	if d.Action != ActionRetryTask {
		t.Fatalf("pass-through verdict = %+v, want RETRY_TASK", d)
	}
}

func TestErrorRingBoundedNewestFirst(t *testing.T) {
	e := newTestEngine(func(c *Config) { c.RecordLimit = 5 })
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		e.HandleError(ctx, ErrorInfo{
			TaskID:  fmt.Sprintf("T%d", i),
			Message: fmt.Sprintf("weird failure %d", i),
		})
	}

	got := e.Errors(0)
	if len(got) != 5 {
		t.Fatalf("ring holds %d entries, want 5", len(got))
	}
	if got[0].TaskID != "T7" || got[4].TaskID != "T3" {
		t.Fatalf("order wrong: newest %s, oldest kept %s", got[0].TaskID, got[4].TaskID)
	}
}

func TestStrategySuccessRate(t *testing.T) {
	e := newTestEngine(nil)
	ctx := context.Background()

	e.HandleError(ctx, netFailure("A", 0))
	e.HandleError(ctx, netFailure("B", 0))
	e.RecordSuccess("A", "https://a.test/post/1", "twitter")

	st := e.StrategyStats()[StrategyExponential]
	if st.Issued != 2 || st.Succeeded != 1 {
		t.Fatalf("stats = %+v, want issued 2 succeeded 1", st)
	}
	if st.Rate != 0.5 {
		t.Fatalf("rate = %v, want 0.5", st.Rate)
	}
}

func TestRecordFieldsPopulated(t *testing.T) {
	e := newTestEngine(nil)
	d := e.HandleError(context.Background(), netFailure("T", 2))

	r := d.Record
	if r == nil {
		t.Fatal("decision carries no record")
	}
	if r.ID == "" || r.CreatedAt.IsZero() {
		t.Errorf("record identity incomplete: %+v", r)
	}
	if r.TaskID != "T" || r.WorkerID != "w1" || r.Attempt != 2 {
		t.Errorf("record provenance wrong: %+v", r)
	}
	if r.Action != ActionRetryTask || r.Strategy != StrategyExponential {
		t.Errorf("record verdict wrong: %+v", r)
	}
}

type capturingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *capturingPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *capturingPublisher) Close() error { return nil }

func (p *capturingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}
