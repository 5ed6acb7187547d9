package dedup

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/driftline/crawlplane/orchestrator/store"
)

// TaskLookup resolves a task id to its stored record. The queue satisfies
// this.
type TaskLookup interface {
	GetTask(ctx context.Context, taskID string) (*store.Task, error)
}

// ClaimJanitor force-releases creator claims whose owning task has reached a
// terminal state. The normal release happens on the worker's ack path; the
// janitor covers crashes between the terminal write and the release, so a
// dead task cannot lock a creator out until the claim TTL.
type ClaimJanitor struct {
	cache    store.Cache
	keys     store.Keys
	tasks    TaskLookup
	interval time.Duration
}

func NewClaimJanitor(cache store.Cache, keys store.Keys, tasks TaskLookup, interval time.Duration) *ClaimJanitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ClaimJanitor{cache: cache, keys: keys, tasks: tasks, interval: interval}
}

func (j *ClaimJanitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *ClaimJanitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	log.Printf("dedup: claim janitor running every %v", j.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				log.Printf("dedup: claim sweep: %v", err)
			}
		}
	}
}

// Sweep scans every claim key and releases those whose task is gone or
// terminal. Returns how many claims were released.
func (j *ClaimJanitor) Sweep(ctx context.Context) (int, error) {
	keys, err := j.cache.Keys(ctx, j.keys.TaskClaimPattern())
	if err != nil {
		return 0, err
	}

	released := 0
	for _, key := range keys {
		raw, err := j.cache.Get(ctx, key)
		if err != nil || raw == "" {
			continue
		}

		var held claim
		if err := json.Unmarshal([]byte(raw), &held); err != nil {
			log.Printf("dedup: unreadable claim %s, force releasing", key)
			if ok, _ := j.cache.ReleaseOwned(ctx, key, raw); ok {
				released++
			}
			continue
		}

		task, err := j.tasks.GetTask(ctx, held.TaskID)
		if err != nil {
			continue
		}
		if task != nil && !task.Status.Terminal() {
			continue
		}

		ok, err := j.cache.ReleaseOwned(ctx, key, raw)
		if err != nil {
			log.Printf("dedup: releasing claim %s: %v", key, err)
			continue
		}
		if ok {
			released++
			log.Printf("dedup: released claim %s held by finished task %s", key, held.TaskID)
		}
	}
	return released, nil
}
