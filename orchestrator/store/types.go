package store

import (
	"time"
)

// TaskPriority is one of the five ordered queue buckets.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "CRITICAL"
	PriorityHigh     TaskPriority = "HIGH"
	PriorityNormal   TaskPriority = "NORMAL"
	PriorityLow      TaskPriority = "LOW"
	PriorityBatch    TaskPriority = "BATCH"
)

// Priorities lists the buckets in descending urgency. Bucket scan order for
// priority-first dequeue and the ordinal used in the queue score both come
// from this slice.
var Priorities = []TaskPriority{
	PriorityCritical,
	PriorityHigh,
	PriorityNormal,
	PriorityLow,
	PriorityBatch,
}

// Ordinal returns the priority base used in queue scores (CRITICAL=0 .. BATCH=4).
// Unknown priorities sort with NORMAL.
func (p TaskPriority) Ordinal() int {
	for i, known := range Priorities {
		if p == known {
			return i
		}
	}
	return 2
}

// Bucket returns the lowercase bucket name used in Redis keys.
func (p TaskPriority) Bucket() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	case PriorityBatch:
		return "batch"
	default:
		return "normal"
	}
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusQueued     TaskStatus = "QUEUED"
	StatusProcessing TaskStatus = "PROCESSING"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusFailed     TaskStatus = "FAILED"
	StatusRetrying   TaskStatus = "RETRYING"
	StatusExpired    TaskStatus = "EXPIRED"
	StatusCancelled  TaskStatus = "CANCELLED"
)

// Terminal reports whether the status ends the task lifecycle.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Task is a crawl request moving through the queue. The wire form is
// self-describing: Kind and Version travel with every record.
type Task struct {
	Kind    string `json:"kind"`
	Version int    `json:"version"`

	ID          string                 `json:"id"`
	URL         string                 `json:"url"`
	Platform    string                 `json:"platform"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	ScheduledAt *time.Time             `json:"scheduled_at,omitempty"`
	ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
	MaxRetries  int                    `json:"max_retries"`
	SessionHint string                 `json:"session_hint,omitempty"`
	Tags        []string               `json:"tags,omitempty"`

	Priority       TaskPriority           `json:"priority"`
	Status         TaskStatus             `json:"status"`
	RetryCount     int                    `json:"retry_count"`
	AssignedWorker string                 `json:"assigned_worker,omitempty"`
	LastError      string                 `json:"last_error,omitempty"`
	ErrorCategory  string                 `json:"error_category,omitempty"`
	Result         map[string]interface{} `json:"result,omitempty"`
}

const (
	TaskKind    = "crawl_task"
	TaskVersion = 1
)

// NewTask fills the identity and wire fields of a fresh task.
func NewTask(id, url, platform string, priority TaskPriority) *Task {
	return &Task{
		Kind:      TaskKind,
		Version:   TaskVersion,
		ID:        id,
		URL:       url,
		Platform:  platform,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Expired reports whether the task's expiry timestamp has passed.
func (t *Task) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// Assignment binds a PROCESSING task to exactly one worker.
type Assignment struct {
	TaskID       string       `json:"task_id"`
	WorkerID     string       `json:"worker_id"`
	AssignedAt   time.Time    `json:"assigned_at"`
	EstimatedSec float64      `json:"estimated_sec,omitempty"`
	Priority     TaskPriority `json:"priority"`
}

// WorkerRegistration is the queue-side record of a worker that has dequeued
// at least once. Liveness comes from the separate heartbeat key.
type WorkerRegistration struct {
	WorkerID     string    `json:"worker_id"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Content is an extracted post record. Append-only from the orchestrator's
// perspective; content_hash is unique across live records.
type Content struct {
	ID          string     `json:"id" db:"id"`
	URL         string     `json:"url" db:"url"`
	Title       string     `json:"title" db:"title"`
	Platform    string     `json:"platform" db:"platform"`
	Author      string     `json:"author" db:"author"`
	Text        string     `json:"content_text" db:"content_text"`
	PublishedAt *time.Time `json:"published_at,omitempty" db:"published_at"`
	ContentHash string     `json:"content_hash" db:"content_hash"`
	Tags        []string   `json:"tags,omitempty" db:"tags"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// QueueStatus is the operational snapshot published by the queue.
type QueueStatus struct {
	Depths         map[string]int64 `json:"depths"`
	DLQDepth       int64            `json:"dlq_depth"`
	Workers        int64            `json:"workers"`
	Assignments    int64            `json:"assignments"`
	Enqueued       int64            `json:"enqueued"`
	Dequeued       int64            `json:"dequeued"`
	Completed      int64            `json:"completed"`
	Failed         int64            `json:"failed"`
	DeadLettered   int64            `json:"dead_lettered"`
	Retried        int64            `json:"retried"`
	Expired        int64            `json:"expired"`
	CacheConnected bool             `json:"cache_connected"`
	CollectedAt    time.Time        `json:"collected_at"`
}

// TotalDepth sums the per-bucket depths.
func (s *QueueStatus) TotalDepth() int64 {
	var total int64
	for _, d := range s.Depths {
		total += d
	}
	return total
}
