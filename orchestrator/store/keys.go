package store

import (
	"fmt"
)

// Keys builds every cache key the orchestration plane touches, rooted at a
// fixed queue prefix (default "crawl_queue"). Keeping the schema in one place
// is what makes the sweep and janitor scans safe.
type Keys struct {
	Prefix string
}

// NewKeys returns a key builder for the given prefix.
func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = "crawl_queue"
	}
	return Keys{Prefix: prefix}
}

// Bucket is the sorted set holding queue entries for one priority bucket.
func (k Keys) Bucket(p TaskPriority) string {
	return fmt.Sprintf("%s:%s", k.Prefix, p.Bucket())
}

// DeadLetter is the TTL-bounded DLQ list.
func (k Keys) DeadLetter() string {
	return k.Prefix + ":dead_letter"
}

// TaskStatus is the hash mapping task_id to its full JSON record.
func (k Keys) TaskStatus() string {
	return k.Prefix + ":task_status"
}

// Assignments is the hash mapping task_id to its assignment JSON.
func (k Keys) Assignments() string {
	return k.Prefix + ":assignments"
}

// Workers is the hash of registered workers.
func (k Keys) Workers() string {
	return k.Prefix + ":workers"
}

// WorkerHeartbeat is the per-worker liveness key (60s TTL).
func (k Keys) WorkerHeartbeat(workerID string) string {
	return fmt.Sprintf("%s:worker:%s:heartbeat", k.Prefix, workerID)
}

// Metrics is the bounded list of status snapshots.
func (k Keys) Metrics() string {
	return k.Prefix + ":metrics"
}

// BloomFilter is the URL Bloom filter bitset. Not prefixed: the filter is
// shared across queue prefixes by design of the dedup layer.
func (k Keys) BloomFilter() string {
	return "bloom_filter:urls"
}

// ContentHash caches a positive content-hash lookup.
func (k Keys) ContentHash(hash string) string {
	return "content_hash:" + hash
}

// Context is the persisted dedup context snapshot for a task.
func (k Keys) Context(taskID string) string {
	return "context:" + taskID
}

// TaskClaim is the task-level dedup claim for one creator on one platform.
func (k Keys) TaskClaim(platform, creatorURL string) string {
	return fmt.Sprintf("task:%s:%s", platform, creatorURL)
}

// TaskClaimPattern matches every task-level claim, for the janitor sweep.
func (k Keys) TaskClaimPattern() string {
	return "task:*"
}
