package queue

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"sort"
	"time"

	"github.com/driftline/crawlplane/orchestrator/store"
)

// bucketOrder returns the bucket scan order for one dequeue pass. LIFO is
// dispatched separately (popNewest); every other strategy reduces to an
// ordering, possibly restricted, over the five buckets.
func (q *Queue) bucketOrder(ctx context.Context, strategy Strategy, workerID string) ([]store.TaskPriority, error) {
	switch strategy {
	case StrategyFIFO:
		return q.fifoOrder(ctx)

	case StrategyRoundRobin:
		start := int(q.rrCursor.Add(1)) % len(store.Priorities)
		order := make([]store.TaskPriority, 0, len(store.Priorities))
		for i := 0; i < len(store.Priorities); i++ {
			order = append(order, store.Priorities[(start+i)%len(store.Priorities)])
		}
		return order, nil

	case StrategyWeightedRoundRobin:
		first := q.sampleWeighted()
		order := []store.TaskPriority{first}
		for _, p := range store.Priorities {
			if p != first {
				order = append(order, p)
			}
		}
		return order, nil

	case StrategyLeastConnections:
		load, err := q.workerLoad(ctx, workerID)
		if err != nil {
			return nil, err
		}
		if load > q.cfg.LeastConnLoad {
			reversed := make([]store.TaskPriority, len(store.Priorities))
			for i, p := range store.Priorities {
				reversed[len(store.Priorities)-1-i] = p
			}
			return reversed, nil
		}
		return store.Priorities, nil

	case StrategyFairShare:
		load, err := q.workerLoad(ctx, workerID)
		if err != nil {
			return nil, err
		}
		total, err := q.cache.HLen(ctx, q.keys.Assignments())
		if err != nil {
			return nil, err
		}
		workers, err := q.cache.HLen(ctx, q.keys.Workers())
		if err != nil {
			return nil, err
		}
		if workers > 0 && float64(load) > float64(total)/float64(workers) {
			return []store.TaskPriority{store.PriorityLow, store.PriorityBatch}, nil
		}
		return store.Priorities, nil

	default: // priority-first
		return store.Priorities, nil
	}
}

// scoreAgeBand is how far apart, in seconds, two score-proxy ages can sit
// and still trade places once the retry term is removed. Heads closer than
// this are re-ranked by the task record's true created_at.
const scoreAgeBand = 60

// trueAge resolves the task record's created_at for tie breaks, falling
// back to the score proxy when the record is missing or unreadable.
func (q *Queue) trueAge(ctx context.Context, taskID string, proxy float64) float64 {
	raw, err := q.cache.HGet(ctx, q.keys.TaskStatus(), taskID)
	if err != nil || raw == "" {
		return proxy
	}
	var task store.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return proxy
	}
	return float64(task.CreatedAt.Unix())
}

// fifoOrder sorts buckets by the age of their head entry so the globally
// oldest task pops first. The visibility part of the score (score minus the
// priority base) stands in for created_at; heads within scoreAgeBand of the
// oldest are re-ranked by the record's real created_at, since the retry
// term perturbs the proxy by up to ~30s.
func (q *Queue) fifoOrder(ctx context.Context) ([]store.TaskPriority, error) {
	type head struct {
		p   store.TaskPriority
		id  string
		age float64
		has bool
	}
	heads := make([]head, 0, len(store.Priorities))
	for _, p := range store.Priorities {
		entries, err := q.cache.ZRangeWithScores(ctx, q.keys.Bucket(p), 0, 0)
		if err != nil {
			return nil, err
		}
		h := head{p: p}
		if len(entries) > 0 {
			h.has = true
			h.id = entries[0].Member
			h.age = entries[0].Score - float64(p.Ordinal())*1000
		}
		heads = append(heads, h)
	}

	oldest, found := 0.0, false
	for _, h := range heads {
		if h.has && (!found || h.age < oldest) {
			oldest = h.age
			found = true
		}
	}
	if found {
		for i := range heads {
			if heads[i].has && heads[i].age-oldest <= scoreAgeBand {
				heads[i].age = q.trueAge(ctx, heads[i].id, heads[i].age)
			}
		}
	}

	sort.SliceStable(heads, func(i, j int) bool {
		if heads[i].has != heads[j].has {
			return heads[i].has
		}
		return heads[i].age < heads[j].age
	})
	order := make([]store.TaskPriority, len(heads))
	for i, h := range heads {
		order[i] = h.p
	}
	return order, nil
}

// sampleWeighted picks the first bucket with probability proportional to its
// configured weight.
func (q *Queue) sampleWeighted() store.TaskPriority {
	var total float64
	for _, p := range store.Priorities {
		total += q.cfg.StrategyWeights[p]
	}
	if total <= 0 {
		return store.PriorityCritical
	}
	r := rand.Float64() * total
	for _, p := range store.Priorities {
		r -= q.cfg.StrategyWeights[p]
		if r < 0 {
			return p
		}
	}
	return store.Priorities[len(store.Priorities)-1]
}

// workerLoad counts the caller's current assignments.
func (q *Queue) workerLoad(ctx context.Context, workerID string) (int, error) {
	all, err := q.cache.HGetAll(ctx, q.keys.Assignments())
	if err != nil {
		return 0, err
	}
	load := 0
	for _, raw := range all {
		var a store.Assignment
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		if a.WorkerID == workerID {
			load++
		}
	}
	return load, nil
}

// popNewest implements LIFO: claim the newest due entry across all buckets.
// The claim is the atomic ZREM; losing the race just means another worker
// took that entry first. Not-yet-due entries sit at the high-score end, so
// candidates are tried newest first and a delayed entry is put back and
// skipped rather than allowed to shadow older ready work.
func (q *Queue) popNewest(ctx context.Context) (*store.Task, error) {
	type candidate struct {
		p     store.TaskPriority
		entry store.ZMember
		age   float64
	}
	var candidates []candidate
	for _, p := range store.Priorities {
		entries, err := q.cache.ZRangeWithScores(ctx, q.keys.Bucket(p), int64(-q.cfg.PromoteBatch), -1)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			candidates = append(candidates, candidate{
				p:     p,
				entry: entry,
				age:   entry.Score - float64(p.Ordinal())*1000,
			})
		}
	}
	// Same tie break as FIFO, mirrored: candidates within the band of the
	// newest proxy are re-ranked by real created_at.
	newest, found := 0.0, false
	for _, c := range candidates {
		if !found || c.age > newest {
			newest = c.age
			found = true
		}
	}
	if found {
		for i := range candidates {
			if newest-candidates[i].age <= scoreAgeBand {
				candidates[i].age = q.trueAge(ctx, candidates[i].entry.Member, candidates[i].age)
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].age > candidates[j].age
	})

	now := time.Now().UTC()
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		claimed, err := q.cache.ZRem(ctx, q.keys.Bucket(c.p), c.entry.Member)
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue
		}

		raw, err := q.cache.HGet(ctx, q.keys.TaskStatus(), c.entry.Member)
		if err != nil {
			if aerr := q.cache.ZAdd(ctx, q.keys.Bucket(c.p), c.entry.Member, c.entry.Score); aerr != nil {
				log.Printf("queue: could not restore entry %s after fault: %v", c.entry.Member, aerr)
			}
			return nil, err
		}
		if raw == "" {
			log.Printf("queue: dropping orphan entry %s (no task record)", c.entry.Member)
			continue
		}
		var task store.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			q.deadLetterCorrupt(ctx, c.entry.Member, raw, err)
			continue
		}

		if task.Expired(now) {
			task.Status = store.StatusExpired
			task.AssignedWorker = ""
			if err := q.saveTask(ctx, &task); err != nil {
				log.Printf("queue: marking task %s expired: %v", task.ID, err)
			}
			q.expired.Add(1)
			continue
		}
		if task.ScheduledAt != nil && now.Before(*task.ScheduledAt) {
			if err := q.cache.ZAdd(ctx, q.keys.Bucket(c.p), c.entry.Member, c.entry.Score); err != nil {
				return nil, err
			}
			continue
		}
		return &task, nil
	}
	return nil, nil
}
