package queue

import (
	"fmt"
	"time"

	"github.com/driftline/crawlplane/orchestrator/store"
)

// Strategy selects how Dequeue orders the priority buckets.
type Strategy string

const (
	StrategyPriorityFirst      Strategy = "priority_first"
	StrategyFIFO               Strategy = "fifo"
	StrategyLIFO               Strategy = "lifo"
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyFairShare          Strategy = "fair_share"
)

// Config tunes the queue. Zero values are replaced by DefaultConfig values
// at construction.
type Config struct {
	Prefix   string
	Strategy Strategy

	// StrategyWeights drives weighted round-robin bucket sampling.
	StrategyWeights map[store.TaskPriority]float64

	// PollInterval paces the blocking Dequeue loop.
	PollInterval time.Duration

	// Retry backoff: delay = min(RetryBase * RetryFactor^retry_count, RetryMaxDelay),
	// jittered by RetryJitter (fraction, 0 disables).
	RetryBase         time.Duration
	RetryFactor       float64
	RetryMaxDelay     time.Duration
	RetryJitter       float64
	DefaultMaxRetries int

	DeadLetterTTL time.Duration

	HeartbeatTTL    time.Duration
	SweepInterval   time.Duration
	PromoteInterval time.Duration
	// PromoteBatch bounds how many head entries per bucket the retry
	// promoter inspects each pass.
	PromoteBatch int

	// LeastConnLoad is the in-flight count above which least-connections
	// callers are steered to low-priority buckets.
	LeastConnLoad int

	// MetricsLimit bounds the published snapshot list.
	MetricsLimit int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:   "crawl_queue",
		Strategy: StrategyPriorityFirst,
		StrategyWeights: map[store.TaskPriority]float64{
			store.PriorityCritical: 5,
			store.PriorityHigh:     4,
			store.PriorityNormal:   3,
			store.PriorityLow:      2,
			store.PriorityBatch:    1,
		},
		PollInterval:      100 * time.Millisecond,
		RetryBase:         2 * time.Second,
		RetryFactor:       2.0,
		RetryMaxDelay:     60 * time.Second,
		RetryJitter:       0.1,
		DefaultMaxRetries: 3,
		DeadLetterTTL:     7 * 24 * time.Hour,
		HeartbeatTTL:      60 * time.Second,
		SweepInterval:     15 * time.Second,
		PromoteInterval:   time.Second,
		PromoteBatch:      32,
		LeastConnLoad:     5,
		MetricsLimit:      1000,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Prefix == "" {
		c.Prefix = def.Prefix
	}
	if c.Strategy == "" {
		c.Strategy = def.Strategy
	}
	if c.StrategyWeights == nil {
		c.StrategyWeights = def.StrategyWeights
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.RetryBase <= 0 {
		c.RetryBase = def.RetryBase
	}
	if c.RetryFactor <= 0 {
		c.RetryFactor = def.RetryFactor
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if c.DeadLetterTTL <= 0 {
		c.DeadLetterTTL = def.DeadLetterTTL
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = def.HeartbeatTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = def.PromoteInterval
	}
	if c.PromoteBatch <= 0 {
		c.PromoteBatch = def.PromoteBatch
	}
	if c.LeastConnLoad <= 0 {
		c.LeastConnLoad = def.LeastConnLoad
	}
	if c.MetricsLimit <= 0 {
		c.MetricsLimit = def.MetricsLimit
	}
	return c
}

// DeadLetter is the snapshot pushed to the DLQ when a task exhausts retries
// or its payload cannot be decoded.
type DeadLetter struct {
	Kind     string      `json:"kind"`
	TaskID   string      `json:"task_id"`
	Task     *store.Task `json:"task,omitempty"`
	Raw      string      `json:"raw,omitempty"`
	Error    string      `json:"error"`
	Category string      `json:"category,omitempty"`
	MovedAt  time.Time   `json:"moved_at"`
}

const deadLetterKind = "dead_letter"

// SweepError reports a partially failed worker-eviction sweep.
type SweepError struct {
	Evicted  int
	Requeued int
	Failed   int
}

func (e *SweepError) Error() string {
	return fmt.Sprintf("sweep partial failure: %d workers evicted, %d tasks requeued, %d requeues failed",
		e.Evicted, e.Requeued, e.Failed)
}
