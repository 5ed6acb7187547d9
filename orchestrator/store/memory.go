package store

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryCache is an in-memory Cache twin used by tests and local runs.
// Semantics mirror RedisCache: lazy TTL expiry, lexicographic tiebreak on
// equal scores, LPUSH prepends.
type MemoryCache struct {
	mu     sync.RWMutex
	values map[string]memValue
	hashes map[string]map[string]string
	zsets  map[string]map[string]float64
	lists  map[string][]string
	bits   map[string][]byte
	expiry map[string]time.Time
}

type memValue struct {
	val string
}

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		values: make(map[string]memValue),
		hashes: make(map[string]map[string]string),
		zsets:  make(map[string]map[string]float64),
		lists:  make(map[string][]string),
		bits:   make(map[string][]byte),
		expiry: make(map[string]time.Time),
	}
}

// expireLocked drops key if its TTL elapsed. Callers hold the write lock.
func (c *MemoryCache) expireLocked(key string) {
	if exp, ok := c.expiry[key]; ok && time.Now().After(exp) {
		delete(c.values, key)
		delete(c.hashes, key)
		delete(c.zsets, key)
		delete(c.lists, key)
		delete(c.bits, key)
		delete(c.expiry, key)
	}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(key)
	v, ok := c.values[key]
	if !ok {
		return "", nil
	}
	return v.val, nil
}

func (c *MemoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = memValue{val: value}
	if ttl > 0 {
		c.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(c.expiry, key)
	}
	return nil
}

func (c *MemoryCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(key)
	if _, ok := c.values[key]; ok {
		return false, nil
	}
	c.values[key] = memValue{val: value}
	if ttl > 0 {
		c.expiry[key] = time.Now().Add(ttl)
	}
	return true, nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	delete(c.hashes, key)
	delete(c.zsets, key)
	delete(c.lists, key)
	delete(c.bits, key)
	delete(c.expiry, key)
	return nil
}

func (c *MemoryCache) ReleaseOwned(ctx context.Context, key, owner string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(key)
	v, ok := c.values[key]
	if !ok || v.val != owner {
		return false, nil
	}
	delete(c.values, key)
	delete(c.expiry, key)
	return true, nil
}

func (c *MemoryCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expiry[key] = time.Now().Add(ttl)
	return nil
}

func (c *MemoryCache) HSet(ctx context.Context, key, field, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(key)
	h, ok := c.hashes[key]
	if !ok {
		h = make(map[string]string)
		c.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (c *MemoryCache) HGet(ctx context.Context, key, field string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(key)
	return c.hashes[key][field], nil
}

func (c *MemoryCache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(key)
	out := make(map[string]string, len(c.hashes[key]))
	for f, v := range c.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (c *MemoryCache) HDel(ctx context.Context, key string, fields ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range fields {
		delete(c.hashes[key], f)
	}
	return nil
}

func (c *MemoryCache) HLen(ctx context.Context, key string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.hashes[key])), nil
}

func (c *MemoryCache) ZAdd(ctx context.Context, key, member string, score float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	z, ok := c.zsets[key]
	if !ok {
		z = make(map[string]float64)
		c.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (c *MemoryCache) ZPopMin(ctx context.Context, key string) (ZMember, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	z := c.zsets[key]
	if len(z) == 0 {
		return ZMember{}, false, nil
	}
	var best ZMember
	first := true
	for m, s := range z {
		if first || s < best.Score || (s == best.Score && m < best.Member) {
			best = ZMember{Member: m, Score: s}
			first = false
		}
	}
	delete(z, best.Member)
	return best, true, nil
}

func (c *MemoryCache) ZRem(ctx context.Context, key, member string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.zsets[key][member]; !ok {
		return false, nil
	}
	delete(c.zsets[key], member)
	return true, nil
}

func (c *MemoryCache) ZCard(ctx context.Context, key string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.zsets[key])), nil
}

func (c *MemoryCache) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	c.mu.RLock()
	members := make([]ZMember, 0, len(c.zsets[key]))
	for m, s := range c.zsets[key] {
		members = append(members, ZMember{Member: m, Score: s})
	}
	c.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})

	n := int64(len(members))
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if start >= n || stop < start {
		return nil, nil
	}
	if stop >= n {
		stop = n - 1
	}
	return members[start : stop+1], nil
}

func (c *MemoryCache) LPush(ctx context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(key)
	c.lists[key] = append([]string{value}, c.lists[key]...)
	return nil
}

func (c *MemoryCache) LLen(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(key)
	return int64(len(c.lists[key])), nil
}

func (c *MemoryCache) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(key)
	l := c.lists[key]
	n := int64(len(l))
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if start >= n || stop < start {
		return nil, nil
	}
	if stop >= n {
		stop = n - 1
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func (c *MemoryCache) LTrim(ctx context.Context, key string, start, stop int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.lists[key]
	n := int64(len(l))
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if start >= n || stop < start {
		c.lists[key] = nil
		return nil
	}
	if stop >= n {
		stop = n - 1
	}
	c.lists[key] = append([]string(nil), l[start:stop+1]...)
	return nil
}

func (c *MemoryCache) SetBit(ctx context.Context, key string, offset int64, value int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	byteIdx := offset / 8
	bitIdx := uint(7 - offset%8) // Redis numbers bits from the high end
	b := c.bits[key]
	for int64(len(b)) <= byteIdx {
		b = append(b, 0)
	}
	if value != 0 {
		b[byteIdx] |= 1 << bitIdx
	} else {
		b[byteIdx] &^= 1 << bitIdx
	}
	c.bits[key] = b
	return nil
}

func (c *MemoryCache) GetBit(ctx context.Context, key string, offset int64) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byteIdx := offset / 8
	bitIdx := uint(7 - offset%8)
	b := c.bits[key]
	if int64(len(b)) <= byteIdx {
		return 0, nil
	}
	if b[byteIdx]&(1<<bitIdx) != 0 {
		return 1, nil
	}
	return 0, nil
}

func (c *MemoryCache) AtomicEnqueue(ctx context.Context, zkey, member string, score float64, hkey, hfield, hvalue string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	z, ok := c.zsets[zkey]
	if !ok {
		z = make(map[string]float64)
		c.zsets[zkey] = z
	}
	z[member] = score
	h, ok := c.hashes[hkey]
	if !ok {
		h = make(map[string]string)
		c.hashes[hkey] = h
	}
	h[hfield] = hvalue
	return nil
}

// Keys matches the Redis glob subset used by the janitor sweeps (* and ?).
func (c *MemoryCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	re, err := globToRegexp(pattern)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]bool)
	var keys []string
	collect := func(key string) {
		c.expireLocked(key)
		if seen[key] {
			return
		}
		if re.MatchString(key) {
			if _, ok := c.values[key]; ok {
				keys = append(keys, key)
				seen[key] = true
				return
			}
			if _, ok := c.hashes[key]; ok {
				keys = append(keys, key)
				seen[key] = true
				return
			}
			if _, ok := c.zsets[key]; ok {
				keys = append(keys, key)
				seen[key] = true
				return
			}
			if _, ok := c.lists[key]; ok {
				keys = append(keys, key)
				seen[key] = true
				return
			}
			if _, ok := c.bits[key]; ok {
				keys = append(keys, key)
				seen[key] = true
			}
		}
	}
	for k := range c.values {
		collect(k)
	}
	for k := range c.hashes {
		collect(k)
	}
	for k := range c.zsets {
		collect(k)
	}
	for k := range c.lists {
		collect(k)
	}
	for k := range c.bits {
		collect(k)
	}
	sort.Strings(keys)
	return keys, nil
}

func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

func (c *MemoryCache) Ping(ctx context.Context) error {
	return nil
}

func (c *MemoryCache) Info(ctx context.Context) (string, error) {
	return "# Memory\nbackend:memory\n", nil
}

func (c *MemoryCache) Close() error {
	return nil
}
