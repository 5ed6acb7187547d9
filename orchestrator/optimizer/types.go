package optimizer

import (
	"context"
	"time"

	"github.com/driftline/crawlplane/orchestrator/scheduler"
	"github.com/driftline/crawlplane/orchestrator/store"
)

// Mode sets how aggressively the optimizer acts on rule votes.
type Mode string

const (
	ModeConservative Mode = "conservative" // decision threshold 0.6
	ModeBalanced     Mode = "balanced"     // decision threshold 0.4
	ModeAggressive   Mode = "aggressive"   // decision threshold 0.4, double step
)

// threshold returns the vote ratio a decision must clear under this mode.
func (m Mode) threshold() float64 {
	if m == ModeConservative {
		return 0.6
	}
	return 0.4
}

// Trigger names the metric a scaling rule watches.
type Trigger string

const (
	TriggerQueueDepth   Trigger = "queue_depth"
	TriggerUtilization  Trigger = "utilization"
	TriggerResponseTime Trigger = "response_time" // ratio to the locked baseline
	TriggerErrorRate    Trigger = "error_rate"
	TriggerCPU          Trigger = "cpu"
	TriggerMemory       Trigger = "memory"
)

// ActionType names an optimizer action.
type ActionType string

const (
	ActionScaleUp   ActionType = "scale_up"
	ActionScaleDown ActionType = "scale_down"
	ActionRebalance ActionType = "rebalance"
	ActionCleanup   ActionType = "cleanup"
)

// Rule votes for scaling when its metric breaches a threshold. A breach must
// hold for MinDuration before the rule votes and a rule that contributed to
// an executed action sits out its Cooldown. A DownThreshold of 0 disables
// the scale-down direction.
type Rule struct {
	Trigger       Trigger       `json:"trigger"`
	Enabled       bool          `json:"enabled"`
	UpThreshold   float64       `json:"up_threshold"`
	DownThreshold float64       `json:"down_threshold"`
	MinDuration   time.Duration `json:"min_duration"`
	Cooldown      time.Duration `json:"cooldown"`
	Weight        float64       `json:"weight"`

	upSince   time.Time
	downSince time.Time
	lastFired time.Time
}

// DefaultRules returns the production rule set. Response time votes on the
// ratio to the locked baseline; CPU and memory carry reduced weight because
// the cleanup path owns real memory pressure.
func DefaultRules() []*Rule {
	return []*Rule{
		{Trigger: TriggerQueueDepth, Enabled: true, UpThreshold: 50, DownThreshold: 5, MinDuration: 30 * time.Second, Cooldown: 2 * time.Minute, Weight: 1.5},
		{Trigger: TriggerUtilization, Enabled: true, UpThreshold: 0.8, DownThreshold: 0.3, MinDuration: 30 * time.Second, Cooldown: 2 * time.Minute, Weight: 1.2},
		{Trigger: TriggerResponseTime, Enabled: true, UpThreshold: 1.5, DownThreshold: 0.7, MinDuration: time.Minute, Cooldown: 3 * time.Minute, Weight: 1.0},
		{Trigger: TriggerErrorRate, Enabled: true, UpThreshold: 0.15, DownThreshold: 0, MinDuration: time.Minute, Cooldown: 3 * time.Minute, Weight: 1.0},
		{Trigger: TriggerCPU, Enabled: true, UpThreshold: 0.85, DownThreshold: 0.15, MinDuration: time.Minute, Cooldown: 3 * time.Minute, Weight: 0.5},
		{Trigger: TriggerMemory, Enabled: true, UpThreshold: 0.8, DownThreshold: 0, MinDuration: time.Minute, Cooldown: 3 * time.Minute, Weight: 0.5},
	}
}

// SystemSnapshot is one reading of host and process resource counters.
// Cumulative counters (disk, net, GC) are raw totals; consumers diff them.
type SystemSnapshot struct {
	CPUPercent      float64       `json:"cpu_percent"`    // 0.0-1.0, host
	MemoryPercent   float64       `json:"memory_percent"` // 0.0-1.0, host
	MemoryUsedBytes uint64        `json:"memory_used_bytes"`
	Threads         int           `json:"threads"`
	Goroutines      int           `json:"goroutines"`
	HeapAllocBytes  uint64        `json:"heap_alloc_bytes"`
	GCCycles        uint32        `json:"gc_cycles"`
	GCPauseTotal    time.Duration `json:"gc_pause_total"`
	DiskReadBytes   uint64        `json:"disk_read_bytes"`
	DiskWriteBytes  uint64        `json:"disk_write_bytes"`
	NetRxBytes      uint64        `json:"net_rx_bytes"`
	NetTxBytes      uint64        `json:"net_tx_bytes"`
	CollectedAt     time.Time     `json:"collected_at"`
}

// PoolSnapshot is one reading of queue and worker pool health.
type PoolSnapshot struct {
	Workers            int     `json:"workers"`
	ActiveWorkers      int     `json:"active_workers"`
	IdleWorkers        int     `json:"idle_workers"`
	QueueDepth         int64   `json:"queue_depth"`
	DLQDepth           int64   `json:"dlq_depth"`
	Throughput         float64 `json:"throughput_per_min"`
	ErrorRate          float64 `json:"error_rate"`
	AvgResponseSeconds float64 `json:"avg_response_seconds"`
	Utilization        float64 `json:"utilization"`
	LoadVariance       float64 `json:"load_variance"`
	MeanLoad           float64 `json:"mean_load"`

	CollectedAt time.Time `json:"collected_at"`
}

// Sample pairs the two snapshots taken on one monitoring tick.
type Sample struct {
	System SystemSnapshot `json:"system"`
	Pool   PoolSnapshot   `json:"pool"`
}

// Baseline is the reference point locked after the warm-up samples. Scaling
// decisions compare later samples against it.
type Baseline struct {
	AvgResponseSeconds float64   `json:"avg_response_seconds"`
	Throughput         float64   `json:"throughput_per_min"`
	ErrorRate          float64   `json:"error_rate"`
	Utilization        float64   `json:"utilization"`
	LockedAt           time.Time `json:"locked_at"`
}

// Action is one recorded optimizer decision.
type Action struct {
	Type            ActionType `json:"action_type"`
	Current         int        `json:"current"`
	Target          int        `json:"target"`
	Reason          string     `json:"reason"`
	Confidence      float64    `json:"confidence"`
	EstimatedImpact string     `json:"estimated_impact"`
	Executed        bool       `json:"executed"`
	CreatedAt       time.Time  `json:"created_at"`
}

// StatusSource supplies queue counters. *queue.Queue satisfies it.
type StatusSource interface {
	Status(ctx context.Context) (*store.QueueStatus, error)
}

// PoolSource supplies worker records and utilization. *scheduler.Scheduler
// satisfies it.
type PoolSource interface {
	Snapshot() []scheduler.WorkerRecord
	Utilization() float64
}

// ScaleExecutor applies scaling decisions to a live pool. The worker manager
// implements it; when absent the optimizer records recommendations only.
type ScaleExecutor interface {
	AddWorkers(n int) error
	RemoveWorkers(n int) error
	WorkerCount() int
}

// Config tunes the optimizer. Zero values are replaced by DefaultConfig
// values at construction.
type Config struct {
	Mode Mode

	MonitoringInterval   time.Duration
	OptimizationInterval time.Duration

	// HistoryLimit bounds the sample history; BaselineSamples is the warm-up
	// count before the baseline locks; EvaluationWindow is how many recent
	// samples each rule averages over.
	HistoryLimit     int
	BaselineSamples  int
	EvaluationWindow int

	ScaleStep  int
	MinWorkers int
	MaxWorkers int

	// ActionCooldown is the global floor between executed scale actions,
	// independent of per-rule cooldowns.
	ActionCooldown time.Duration

	// MemoryCleanupThreshold triggers the cleanup action; HistoryMaxAge is
	// how far back cleanup keeps samples.
	MemoryCleanupThreshold float64
	HistoryMaxAge          time.Duration

	ActionLimit int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                   ModeBalanced,
		MonitoringInterval:     10 * time.Second,
		OptimizationInterval:   30 * time.Second,
		HistoryLimit:           1000,
		BaselineSamples:        10,
		EvaluationWindow:       3,
		ScaleStep:              1,
		MinWorkers:             2,
		MaxWorkers:             20,
		ActionCooldown:         time.Minute,
		MemoryCleanupThreshold: 0.85,
		HistoryMaxAge:          24 * time.Hour,
		ActionLimit:            100,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.MonitoringInterval <= 0 {
		c.MonitoringInterval = def.MonitoringInterval
	}
	if c.OptimizationInterval <= 0 {
		c.OptimizationInterval = def.OptimizationInterval
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	if c.BaselineSamples <= 0 {
		c.BaselineSamples = def.BaselineSamples
	}
	if c.EvaluationWindow <= 0 {
		c.EvaluationWindow = def.EvaluationWindow
	}
	if c.ScaleStep <= 0 {
		c.ScaleStep = def.ScaleStep
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = def.MinWorkers
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = def.MaxWorkers
	}
	if c.ActionCooldown <= 0 {
		c.ActionCooldown = def.ActionCooldown
	}
	if c.MemoryCleanupThreshold <= 0 {
		c.MemoryCleanupThreshold = def.MemoryCleanupThreshold
	}
	if c.HistoryMaxAge <= 0 {
		c.HistoryMaxAge = def.HistoryMaxAge
	}
	if c.ActionLimit <= 0 {
		c.ActionLimit = def.ActionLimit
	}
	return c
}
