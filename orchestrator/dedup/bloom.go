package dedup

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"math"

	"github.com/driftline/crawlplane/orchestrator/store"
)

// BloomFilter is a cache-backed probabilistic URL set. The bits live in a
// single Redis bitstring, so every replica probes and feeds the same filter.
// Updates are bare SETBITs with no coordination: losing a race only re-sets
// a bit that is already one, and the no-false-negative property survives.
type BloomFilter struct {
	cache  store.Cache
	key    string
	bits   uint64
	hashes int
}

// NewBloomFilter sizes the filter for capacity items at the target
// false-positive rate: m = ceil(-n ln p / (ln 2)^2), k = ceil(m ln 2 / n).
func NewBloomFilter(cache store.Cache, key string, capacity int, falsePositiveRate float64) *BloomFilter {
	if capacity <= 0 {
		capacity = 1_000_000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	n := float64(capacity)
	m := math.Ceil(-n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	k := int(math.Ceil(m * math.Ln2 / n))
	if k < 1 {
		k = 1
	}
	return &BloomFilter{cache: cache, key: key, bits: uint64(m), hashes: k}
}

// Bits returns the filter's bit-array size.
func (f *BloomFilter) Bits() uint64 { return f.bits }

// Hashes returns the number of probe positions per value.
func (f *BloomFilter) Hashes() int { return f.hashes }

// offsets derives the k probe positions by double hashing:
// index_i = (md5 + i*sha1) mod m.
func (f *BloomFilter) offsets(value string) []int64 {
	data := []byte(value)
	d1 := md5.Sum(data)
	d2 := sha1.Sum(data)
	h1 := binary.BigEndian.Uint64(d1[:8])
	h2 := binary.BigEndian.Uint64(d2[:8])

	out := make([]int64, f.hashes)
	for i := 0; i < f.hashes; i++ {
		out[i] = int64((h1 + uint64(i)*h2) % f.bits)
	}
	return out
}

// Add sets every probe bit for the value.
func (f *BloomFilter) Add(ctx context.Context, value string) error {
	for _, offset := range f.offsets(value) {
		if err := f.cache.SetBit(ctx, f.key, offset, 1); err != nil {
			return err
		}
	}
	return nil
}

// Contains reports whether every probe bit is set. False positives are
// possible at the configured rate; false negatives are not.
func (f *BloomFilter) Contains(ctx context.Context, value string) (bool, error) {
	for _, offset := range f.offsets(value) {
		bit, err := f.cache.GetBit(ctx, f.key, offset)
		if err != nil {
			return false, err
		}
		if bit == 0 {
			return false, nil
		}
	}
	return true, nil
}
