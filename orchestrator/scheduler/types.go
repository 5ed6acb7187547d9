package scheduler

import (
	"time"

	"github.com/driftline/crawlplane/orchestrator/store"
)

// WorkerState is the lifecycle state of a registered worker.
type WorkerState string

const (
	StateIdle        WorkerState = "IDLE"
	StateBusy        WorkerState = "BUSY"
	StateOverloaded  WorkerState = "OVERLOADED"
	StateFailed      WorkerState = "FAILED"      // consecutive failures over threshold; exits via reset
	StateMaintenance WorkerState = "MAINTENANCE" // repeated stale heartbeats; exits via heartbeat or reset
)

// Policy selects how SelectWorker ranks candidates.
type Policy string

const (
	PolicyLeastLoaded Policy = "least_loaded"
	PolicyPerformance Policy = "performance_based"
	PolicyRoundRobin  Policy = "round_robin"
	PolicyIntelligent Policy = "intelligent"
)

// WorkerRecord tracks one worker's registration, load, and rolling metrics.
// current_load never exceeds capacity; state follows load, consecutive
// failures, and heartbeat freshness.
type WorkerRecord struct {
	WorkerID            string      `json:"worker_id"`
	RegisteredAt        time.Time   `json:"registered_at"`
	LastHeartbeat       time.Time   `json:"last_heartbeat"`
	Capacity            int         `json:"capacity"`
	CurrentLoad         int         `json:"current_load"`
	State               WorkerState `json:"state"`
	TotalTasks          int64       `json:"total_tasks"`
	SuccessfulTasks     int64       `json:"successful_tasks"`
	FailedTasks         int64       `json:"failed_tasks"`
	AvgProcessingTime   float64     `json:"avg_processing_seconds"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	PerformanceScore    float64     `json:"performance_score"`

	staleWarnings int
}

// Config tunes the scheduler. Zero values are replaced by DefaultConfig
// values at construction.
type Config struct {
	Policy Policy

	// FailureThreshold parks a worker in FAILED at this many consecutive
	// failures.
	FailureThreshold int

	// IdleTimeout is the heartbeat age that draws a staleness warning;
	// StaleWarningLimit warnings in a row park the worker in MAINTENANCE.
	IdleTimeout       time.Duration
	StaleWarningLimit int

	RebalanceInterval  time.Duration
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	MinWorkers         int
	MaxWorkers         int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Policy:             PolicyIntelligent,
		FailureThreshold:   5,
		IdleTimeout:        90 * time.Second,
		StaleWarningLimit:  3,
		RebalanceInterval:  30 * time.Second,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.3,
		MinWorkers:         2,
		MaxWorkers:         20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Policy == "" {
		c.Policy = def.Policy
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.StaleWarningLimit <= 0 {
		c.StaleWarningLimit = def.StaleWarningLimit
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = def.RebalanceInterval
	}
	if c.ScaleUpThreshold <= 0 {
		c.ScaleUpThreshold = def.ScaleUpThreshold
	}
	if c.ScaleDownThreshold <= 0 {
		c.ScaleDownThreshold = def.ScaleDownThreshold
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = def.MinWorkers
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = def.MaxWorkers
	}
	return c
}

// SchedulingDecision is a structured record of a selection or pool action,
// logged as one JSON line.
type SchedulingDecision struct {
	Component string             `json:"component"`
	Decision  string             `json:"decision"` // ASSIGNED, NO_WORKER, WORKER_FAILED, MAINTENANCE, WORKER_RESET, REBALANCE, SCALE_UP, SCALE_DOWN
	TaskID    string             `json:"task_id,omitempty"`
	WorkerID  string             `json:"worker_id,omitempty"`
	Policy    string             `json:"policy"`
	Priority  store.TaskPriority `json:"priority,omitempty"`
	Score     float64            `json:"score,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Metadata  interface{}        `json:"metadata,omitempty"`
}

// RebalanceReport summarizes one balance check over the registered pool.
type RebalanceReport struct {
	CheckedAt    time.Time `json:"checked_at"`
	Workers      int       `json:"workers"`
	MeanLoad     float64   `json:"mean_load"`
	LoadVariance float64   `json:"load_variance"`
	Utilization  float64   `json:"utilization"`
	Rebalance    bool      `json:"rebalance"`
	ScaleUp      bool      `json:"scale_up"`
	ScaleDown    bool      `json:"scale_down"`
	Reason       string    `json:"reason,omitempty"`
}

// ScaleRequester receives pool sizing requests from the rebalance loop.
// The pool optimizer implements it; the scheduler only recommends.
type ScaleRequester interface {
	RequestScaleUp(reason string)
	RequestScaleDown(reason string)
}
