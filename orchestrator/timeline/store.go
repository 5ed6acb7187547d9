package timeline

import (
	"sync"
	"time"
)

// Lifecycle stages recorded per task.
const (
	StageSubmitted    = "SUBMITTED"
	StageQueued       = "QUEUED"
	StageAssigned     = "ASSIGNED"
	StageFetched      = "FETCHED"
	StageDuplicate    = "DUPLICATE"
	StageStored       = "STORED"
	StageCompleted    = "COMPLETED"
	StageRetrying     = "RETRYING"
	StageFailed       = "FAILED"
	StageDeadLettered = "DEAD_LETTERED"
)

// TaskEvent is one lifecycle observation for a task.
type TaskEvent struct {
	TaskID    string            `json:"task_id"`
	Stage     string            `json:"stage"`
	Timestamp time.Time         `json:"timestamp"`
	WorkerID  string            `json:"worker_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Store holds task lifecycle events in memory, bounded to a fixed number of
// entries. Oldest events are dropped first when full.
type Store struct {
	events []TaskEvent
	limit  int
	mu     sync.RWMutex
}

const defaultLimit = 10000

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Store{
		events: make([]TaskEvent, 0, 256),
		limit:  limit,
	}
}

func (s *Store) Record(e TaskEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.events = append(s.events, e)
	if len(s.events) > s.limit {
		// One-element overflow per Record; drop exactly the oldest.
		s.events = s.events[1:]
	}
}

// Events returns the recorded lifecycle for one task, oldest first.
func (s *Store) Events(taskID string) []TaskEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []TaskEvent
	for _, e := range s.events {
		if e.TaskID == taskID {
			results = append(results, e)
		}
	}
	return results
}

// Recent returns up to limit of the newest events, oldest first.
func (s *Store) Recent(limit int) []TaskEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]TaskEvent, limit)
	copy(out, s.events[len(s.events)-limit:])
	return out
}

// Len reports the number of retained events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
