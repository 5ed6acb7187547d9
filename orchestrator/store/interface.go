package store

import (
	"context"
	"errors"
	"time"
)

// Contract-level sentinel errors.
var (
	// ErrDuplicateHash is returned by Index.InsertContent when content_hash
	// uniqueness would be violated.
	ErrDuplicateHash = errors.New("content hash already stored")

	// ErrCorruptPayload marks a queue entry whose task record cannot be decoded.
	ErrCorruptPayload = errors.New("corrupt task payload")

	// ErrNotAssigned is returned when an ack arrives from a worker that does
	// not hold the task's assignment.
	ErrNotAssigned = errors.New("task not assigned to worker")
)

// ZMember is one sorted-set entry with its score.
type ZMember struct {
	Member string
	Score  float64
}

// Cache is the fast key/value contract shared by the queue, the dedup engine,
// and the background sweeps. RedisCache is the production implementation;
// MemoryCache is the test twin. Every blocking method takes a context.
type Cache interface {
	// Plain keys
	Get(ctx context.Context, key string) (string, error) // "" when missing
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// ReleaseOwned deletes key only if its current value equals owner.
	ReleaseOwned(ctx context.Context, key string, owner string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Hashes
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error) // "" when missing
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HLen(ctx context.Context, key string) (int64, error)

	// Sorted sets
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZPopMin(ctx context.Context, key string) (ZMember, bool, error)
	// ZRem reports whether the member was present; a true return is an
	// exclusive claim on the entry.
	ZRem(ctx context.Context, key, member string) (bool, error)
	ZCard(ctx context.Context, key string) (int64, error)
	// ZRangeWithScores supports negative indexes like the Redis command.
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)

	// Lists
	LPush(ctx context.Context, key, value string) error
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	// Bits
	SetBit(ctx context.Context, key string, offset int64, value int) error
	GetBit(ctx context.Context, key string, offset int64) (int, error)

	// AtomicEnqueue writes the queue entry and the task record in one
	// transactional pipeline: ZADD zkey (score, member) + HSET hkey hfield hvalue.
	AtomicEnqueue(ctx context.Context, zkey, member string, score float64, hkey, hfield, hvalue string) error

	// Keys returns keys matching pattern (SCAN-backed on Redis).
	Keys(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
	Info(ctx context.Context) (string, error)
	Close() error
}

// Index is the durable content collection with the secondary lookups the
// dedup engine needs. PostgresIndex is the production implementation;
// MemoryIndex is the test twin.
type Index interface {
	// EnsureIndexes bootstraps the collection and its secondary indexes once;
	// existing indexes are left alone.
	EnsureIndexes(ctx context.Context) error

	// InsertContent appends a record, assigning ID when empty. A content_hash
	// collision returns ErrDuplicateHash.
	InsertContent(ctx context.Context, c *Content) (string, error)

	FindByHash(ctx context.Context, hash string) (*Content, error)
	FindByURL(ctx context.Context, url string) (*Content, error)
	FindByURLSince(ctx context.Context, url string, since time.Time) (*Content, error)
	FindByTitlePlatformSince(ctx context.Context, title, platform string, since time.Time) (*Content, error)
	// RecentContents returns up to limit records created since the cutoff,
	// newest first.
	RecentContents(ctx context.Context, since time.Time, limit int) ([]*Content, error)

	Close()
}
