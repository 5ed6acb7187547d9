package worker

import (
	"context"
	"time"

	"github.com/driftline/crawlplane/orchestrator/dedup"
	"github.com/driftline/crawlplane/orchestrator/queue"
	"github.com/driftline/crawlplane/orchestrator/recovery"
	"github.com/driftline/crawlplane/orchestrator/store"
)

// TaskQueue is the slice of the queue the worker loops use. *queue.Queue
// satisfies it.
type TaskQueue interface {
	Dequeue(ctx context.Context, workerID string, strategy queue.Strategy, timeout time.Duration) (*store.Task, error)
	Complete(ctx context.Context, taskID, workerID string, result map[string]interface{}) error
	Fail(ctx context.Context, taskID, workerID, errMsg, category string, retry bool, delayHint time.Duration) error
	RegisterWorker(ctx context.Context, workerID string) error
	RefreshHeartbeat(ctx context.Context, workerID string) error
	UnregisterWorker(ctx context.Context, workerID string) error
}

// Registry is the scheduler side of a loop's lifecycle. *scheduler.Scheduler
// satisfies it.
type Registry interface {
	RegisterWorker(workerID string, capacity int)
	UnregisterWorker(workerID string)
	Heartbeat(workerID string) bool
	Admit(workerID string) bool
	Release(workerID string)
	RecordCompletion(workerID string, duration time.Duration, success bool)
}

// Deduper answers duplicate checks and releases per-task state on terminal
// outcomes. *dedup.Engine satisfies it.
type Deduper interface {
	CheckDuplicate(ctx context.Context, taskID, rawURL, content, title, platform, creatorURL string) *dedup.Verdict
	ReleaseClaim(ctx context.Context, platform, creatorURL, taskID string) error
	ReleaseContext(ctx context.Context, taskID string)
}

// Recoverer turns failures into retry verdicts. *recovery.Engine satisfies it.
type Recoverer interface {
	HandleError(ctx context.Context, info recovery.ErrorInfo) recovery.Decision
	RecordSuccess(taskID, rawURL, platform string)
}

// Broker is the optional external task source used instead of the queue's
// Dequeue. *fetcher.BrokerClient satisfies it.
type Broker interface {
	PullTask(ctx context.Context, workerID string) (*store.Task, error)
	Ack(ctx context.Context, taskID, workerID string, success bool, duration time.Duration, errMsg string) error
}

// Config tunes the worker manager. Zero values are replaced by
// DefaultConfig values at construction.
type Config struct {
	// IDPrefix names the loops: {prefix}-1, {prefix}-2, ...
	IDPrefix string

	PoolSize int
	// Capacity is each loop's max concurrent, reported to the scheduler.
	// Loops process one task at a time; capacity above 1 admits bursts of
	// immediate-check wakeups.
	Capacity int

	Strategy queue.Strategy

	// DequeueTimeout bounds one blocking Dequeue call; IdleWait paces the
	// loop between empty polls (cut short by TriggerCheck).
	DequeueTimeout time.Duration
	IdleWait       time.Duration

	// TaskTimeout bounds the fetch; ProcessingTimeout is the hard cap on
	// the whole pipeline pass and must be >= TaskTimeout.
	TaskTimeout       time.Duration
	ProcessingTimeout time.Duration

	HeartbeatInterval time.Duration

	// PlatformRate and PlatformBurst shape the per-platform politeness
	// buckets; zero rate disables the limiter.
	PlatformRate  float64
	PlatformBurst int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		IDPrefix:          "worker",
		PoolSize:          4,
		Capacity:          1,
		Strategy:          queue.StrategyPriorityFirst,
		DequeueTimeout:    5 * time.Second,
		IdleWait:          2 * time.Second,
		TaskTimeout:       2 * time.Minute,
		ProcessingTimeout: 3 * time.Minute,
		HeartbeatInterval: 20 * time.Second,
		PlatformRate:      2.0,
		PlatformBurst:     4,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.IDPrefix == "" {
		c.IDPrefix = def.IDPrefix
	}
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
	if c.Capacity <= 0 {
		c.Capacity = def.Capacity
	}
	if c.Strategy == "" {
		c.Strategy = def.Strategy
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = def.DequeueTimeout
	}
	if c.IdleWait <= 0 {
		c.IdleWait = def.IdleWait
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = def.TaskTimeout
	}
	if c.ProcessingTimeout < c.TaskTimeout {
		c.ProcessingTimeout = c.TaskTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.PlatformBurst <= 0 {
		c.PlatformBurst = def.PlatformBurst
	}
	return c
}
