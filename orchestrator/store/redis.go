package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftline/crawlplane/orchestrator/observability"
)

// releaseOwnedScript deletes a key only when the caller still owns it.
// Used for dedup task claims so a finished task cannot release a claim
// that a newer task has since taken over.
const releaseOwnedScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// RedisCache implements Cache using Redis.
type RedisCache struct {
	client *redis.Client

	// Preloaded Lua SHA; avoids sending script text on every release.
	releaseOwnedSHA string
}

// NewRedisCache connects, verifies the connection, and preloads scripts.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	sha, err := client.ScriptLoad(ctx, releaseOwnedScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload release script: " + err.Error())
	}

	return &RedisCache{client: client, releaseOwnedSHA: sha}, nil
}

// NewRedisCacheFromClient wraps an existing client (used by miniredis tests).
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func observe(start time.Time) {
	observability.CacheLatency.Observe(time.Since(start).Seconds())
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	start := time.Now()
	defer observe(start)

	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	start := time.Now()
	defer observe(start)

	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer observe(start)

	return c.client.SetNX(ctx, key, value, ttl).Result()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// ReleaseOwned deletes key only if its value equals owner.
func (c *RedisCache) ReleaseOwned(ctx context.Context, key, owner string) (bool, error) {
	start := time.Now()
	defer observe(start)

	var res interface{}
	var err error
	if c.releaseOwnedSHA != "" {
		res, err = c.client.EvalSha(ctx, c.releaseOwnedSHA, []string{key}, owner).Result()
		if err != nil && strings.Contains(err.Error(), "NOSCRIPT") {
			res, err = c.client.Eval(ctx, releaseOwnedScript, []string{key}, owner).Result()
		}
	} else {
		res, err = c.client.Eval(ctx, releaseOwnedScript, []string{key}, owner).Result()
	}
	if err != nil {
		return false, err
	}
	if n, ok := res.(int64); ok {
		return n == 1, nil
	}
	return false, errors.New("unexpected return type from release script")
}

func (c *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

func (c *RedisCache) HSet(ctx context.Context, key, field, value string) error {
	start := time.Now()
	defer observe(start)

	return c.client.HSet(ctx, key, field, value).Err()
}

func (c *RedisCache) HGet(ctx context.Context, key, field string) (string, error) {
	start := time.Now()
	defer observe(start)

	val, err := c.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (c *RedisCache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.client.HGetAll(ctx, key).Result()
}

func (c *RedisCache) HDel(ctx context.Context, key string, fields ...string) error {
	return c.client.HDel(ctx, key, fields...).Err()
}

func (c *RedisCache) HLen(ctx context.Context, key string) (int64, error) {
	return c.client.HLen(ctx, key).Result()
}

func (c *RedisCache) ZAdd(ctx context.Context, key, member string, score float64) error {
	start := time.Now()
	defer observe(start)

	return c.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZPopMin atomically removes and returns the lowest-scored member. The pop is
// what gives the queue its at-most-once assignment.
func (c *RedisCache) ZPopMin(ctx context.Context, key string) (ZMember, bool, error) {
	start := time.Now()
	defer observe(start)

	vals, err := c.client.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return ZMember{}, false, err
	}
	if len(vals) == 0 {
		return ZMember{}, false, nil
	}
	member, _ := vals[0].Member.(string)
	return ZMember{Member: member, Score: vals[0].Score}, true, nil
}

func (c *RedisCache) ZRem(ctx context.Context, key, member string) (bool, error) {
	n, err := c.client.ZRem(ctx, key, member).Result()
	return n > 0, err
}

func (c *RedisCache) ZCard(ctx context.Context, key string) (int64, error) {
	return c.client.ZCard(ctx, key).Result()
}

func (c *RedisCache) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	vals, err := c.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	members := make([]ZMember, 0, len(vals))
	for _, z := range vals {
		m, _ := z.Member.(string)
		members = append(members, ZMember{Member: m, Score: z.Score})
	}
	return members, nil
}

func (c *RedisCache) LPush(ctx context.Context, key, value string) error {
	return c.client.LPush(ctx, key, value).Err()
}

func (c *RedisCache) LLen(ctx context.Context, key string) (int64, error) {
	return c.client.LLen(ctx, key).Result()
}

func (c *RedisCache) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.client.LRange(ctx, key, start, stop).Result()
}

func (c *RedisCache) LTrim(ctx context.Context, key string, start, stop int64) error {
	return c.client.LTrim(ctx, key, start, stop).Err()
}

func (c *RedisCache) SetBit(ctx context.Context, key string, offset int64, value int) error {
	return c.client.SetBit(ctx, key, offset, value).Err()
}

func (c *RedisCache) GetBit(ctx context.Context, key string, offset int64) (int, error) {
	val, err := c.client.GetBit(ctx, key, offset).Result()
	return int(val), err
}

// AtomicEnqueue writes the queue entry and the task record in one MULTI/EXEC
// pipeline so a crash between the two writes cannot strand either half.
func (c *RedisCache) AtomicEnqueue(ctx context.Context, zkey, member string, score float64, hkey, hfield, hvalue string) error {
	start := time.Now()
	defer observe(start)

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, zkey, redis.Z{Score: score, Member: member})
		pipe.HSet(ctx, hkey, hfield, hvalue)
		return nil
	})
	return err
}

// Keys returns keys matching pattern via SCAN, never the blocking KEYS command.
func (c *RedisCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Info(ctx context.Context) (string, error) {
	return c.client.Info(ctx).Result()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
