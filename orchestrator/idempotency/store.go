package idempotency

import (
	"sync"
	"time"
)

// Response is a cached API reply, replayed verbatim for a repeated
// Idempotency-Key.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
}

// Store caches submit responses by idempotency key with a fixed TTL.
// Entries expire lazily on read.
type Store struct {
	cache sync.Map
	ttl   time.Duration
}

type entry struct {
	resp      Response
	timestamp time.Time
}

// NewStore builds a store; ttl <= 0 defaults to one hour.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{ttl: ttl}
}

// Get returns the cached response for key, if present and fresh.
func (s *Store) Get(key string) (Response, bool) {
	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.timestamp) > s.ttl {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.resp, true
}

// Set stores the response under key.
func (s *Store) Set(key string, resp Response) {
	s.cache.Store(key, entry{
		resp:      resp,
		timestamp: time.Now(),
	})
}
