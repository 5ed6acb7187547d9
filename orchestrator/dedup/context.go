package dedup

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/driftline/crawlplane/orchestrator/store"
)

const latencySamples = 200

// boundedSet is an insertion-ordered string set with FIFO eviction.
type boundedSet struct {
	order  []string
	member map[string]struct{}
}

func newBoundedSet() *boundedSet {
	return &boundedSet{member: make(map[string]struct{})}
}

func (s *boundedSet) add(v string) bool {
	if _, ok := s.member[v]; ok {
		return false
	}
	s.member[v] = struct{}{}
	s.order = append(s.order, v)
	return true
}

func (s *boundedSet) has(v string) bool {
	_, ok := s.member[v]
	return ok
}

func (s *boundedSet) len() int { return len(s.order) }

// evictOldest removes up to n entries FIFO and returns how many went.
func (s *boundedSet) evictOldest(n int) int {
	if n > len(s.order) {
		n = len(s.order)
	}
	for _, v := range s.order[:n] {
		delete(s.member, v)
	}
	s.order = append([]string(nil), s.order[n:]...)
	return n
}

// Context is the per-task dedup memory: what this crawl has already seen,
// verdict counters, and rolling per-layer latency samples. All three sets
// share one cap; exceeding it evicts FIFO down to 80% of cap, taking URLs
// first, then titles, then hashes. Hashes are the last defense against
// duplicates and are retained longest.
type Context struct {
	mu sync.Mutex

	taskID string
	cap    int

	urls   *boundedSet
	titles *boundedSet
	hashes *boundedSet

	counters  map[string]int64
	latencies map[string][]float64
	updatedAt time.Time
}

// NewContext builds an empty context for the task.
func NewContext(taskID string, cap int) *Context {
	if cap <= 0 {
		cap = 10_000
	}
	return &Context{
		taskID:    taskID,
		cap:       cap,
		urls:      newBoundedSet(),
		titles:    newBoundedSet(),
		hashes:    newBoundedSet(),
		counters:  make(map[string]int64),
		latencies: make(map[string][]float64),
		updatedAt: time.Now().UTC(),
	}
}

// Remember records the outcome of a passed check so later checks in the same
// crawl can consult local memory before touching the stores.
func (c *Context) Remember(url, title, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if url != "" {
		c.urls.add(url)
	}
	if title != "" {
		c.titles.add(title)
	}
	if hash != "" {
		c.hashes.add(hash)
	}
	c.updatedAt = time.Now().UTC()
	c.evictLocked()
}

// SeenURL reports whether this crawl already recorded the normalized URL.
func (c *Context) SeenURL(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.urls.has(url)
}

// SeenHash reports whether this crawl already recorded the content hash.
func (c *Context) SeenHash(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hashes.has(hash)
}

// CountVerdict bumps the per-type verdict counter.
func (c *Context) CountVerdict(verdictType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[verdictType]++
	c.updatedAt = time.Now().UTC()
}

// ObserveLatency appends a per-layer latency sample, keeping the newest
// latencySamples per layer.
func (c *Context) ObserveLatency(layer string, seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	samples := append(c.latencies[layer], seconds)
	if len(samples) > latencySamples {
		samples = samples[len(samples)-latencySamples:]
	}
	c.latencies[layer] = samples
}

// Size returns the combined cardinality of the three sets.
func (c *Context) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizeLocked()
}

func (c *Context) sizeLocked() int {
	return c.urls.len() + c.titles.len() + c.hashes.len()
}

func (c *Context) evictLocked() {
	if c.sizeLocked() <= c.cap {
		return
	}
	target := c.cap * 8 / 10
	excess := c.sizeLocked() - target
	for _, set := range []*boundedSet{c.urls, c.titles, c.hashes} {
		if excess <= 0 {
			break
		}
		excess -= set.evictOldest(excess)
	}
}

// contextSnapshot is the persisted wire form.
type contextSnapshot struct {
	TaskID    string               `json:"task_id"`
	URLs      []string             `json:"urls"`
	Titles    []string             `json:"titles"`
	Hashes    []string             `json:"hashes"`
	Counters  map[string]int64     `json:"counters"`
	Latencies map[string][]float64 `json:"latencies,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

func (c *Context) snapshot() contextSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := contextSnapshot{
		TaskID:    c.taskID,
		URLs:      append([]string(nil), c.urls.order...),
		Titles:    append([]string(nil), c.titles.order...),
		Hashes:    append([]string(nil), c.hashes.order...),
		Counters:  make(map[string]int64, len(c.counters)),
		Latencies: make(map[string][]float64, len(c.latencies)),
		UpdatedAt: c.updatedAt,
	}
	for k, v := range c.counters {
		snap.Counters[k] = v
	}
	for k, v := range c.latencies {
		snap.Latencies[k] = append([]float64(nil), v...)
	}
	return snap
}

func contextFromSnapshot(snap contextSnapshot, cap int) *Context {
	c := NewContext(snap.TaskID, cap)
	for _, u := range snap.URLs {
		c.urls.add(u)
	}
	for _, t := range snap.Titles {
		c.titles.add(t)
	}
	for _, h := range snap.Hashes {
		c.hashes.add(h)
	}
	for k, v := range snap.Counters {
		c.counters[k] = v
	}
	for k, v := range snap.Latencies {
		c.latencies[k] = append([]float64(nil), v...)
	}
	if !snap.UpdatedAt.IsZero() {
		c.updatedAt = snap.UpdatedAt
	}
	c.evictLocked()
	return c
}

// ContextStore keeps active contexts in memory and persists them to the
// cache under context:{task_id}, from which a context rehydrates after a
// restart or on another replica.
type ContextStore struct {
	mu     sync.Mutex
	cache  store.Cache
	keys   store.Keys
	cap    int
	ttl    time.Duration
	active map[string]*Context
}

// NewContextStore builds the store. ttl bounds how long a persisted snapshot
// outlives its last write.
func NewContextStore(cache store.Cache, keys store.Keys, cap int, ttl time.Duration) *ContextStore {
	if cap <= 0 {
		cap = 10_000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ContextStore{
		cache:  cache,
		keys:   keys,
		cap:    cap,
		ttl:    ttl,
		active: make(map[string]*Context),
	}
}

// Get returns the task's context, rehydrating from the cache when the task
// is not active in this process.
func (s *ContextStore) Get(ctx context.Context, taskID string) *Context {
	s.mu.Lock()
	if c, ok := s.active[taskID]; ok {
		s.mu.Unlock()
		return c
	}
	s.mu.Unlock()

	c := s.rehydrate(ctx, taskID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.active[taskID]; ok {
		return existing
	}
	s.active[taskID] = c
	return c
}

func (s *ContextStore) rehydrate(ctx context.Context, taskID string) *Context {
	raw, err := s.cache.Get(ctx, s.keys.Context(taskID))
	if err != nil {
		log.Printf("dedup: rehydrate context %s: %v", taskID, err)
		return NewContext(taskID, s.cap)
	}
	if raw == "" {
		return NewContext(taskID, s.cap)
	}
	var snap contextSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		log.Printf("dedup: corrupt context snapshot for %s, starting fresh: %v", taskID, err)
		return NewContext(taskID, s.cap)
	}
	snap.TaskID = taskID
	return contextFromSnapshot(snap, s.cap)
}

// Persist writes one task's snapshot.
func (s *ContextStore) Persist(ctx context.Context, taskID string) error {
	s.mu.Lock()
	c, ok := s.active[taskID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	data, err := json.Marshal(c.snapshot())
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, s.keys.Context(taskID), string(data), s.ttl)
}

// PersistAll writes every active snapshot; errors are logged, not fatal.
func (s *ContextStore) PersistAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Persist(ctx, id); err != nil {
			log.Printf("dedup: persist context %s: %v", id, err)
		}
	}
}

// Release persists the context one last time and drops it from the active
// map. Called when the task reaches a terminal state.
func (s *ContextStore) Release(ctx context.Context, taskID string) {
	if err := s.Persist(ctx, taskID); err != nil {
		log.Printf("dedup: final persist of context %s: %v", taskID, err)
	}
	s.mu.Lock()
	delete(s.active, taskID)
	s.mu.Unlock()
}

// ActiveCount returns how many contexts are in memory.
func (s *ContextStore) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// StartPersister flushes all active contexts on a ticker until ctx is
// cancelled, then flushes once more on the way out.
func (s *ContextStore) StartPersister(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.PersistAll(context.Background())
				return
			case <-ticker.C:
				s.PersistAll(ctx)
			}
		}
	}()
}
