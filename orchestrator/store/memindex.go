package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryIndex is an in-memory Index twin used by tests and cache-only runs.
type MemoryIndex struct {
	mu       sync.RWMutex
	byID     map[string]*Content
	byHash   map[string]string // content_hash -> id
	inserted []string          // ids in insertion order
}

// NewMemoryIndex returns an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		byID:   make(map[string]*Content),
		byHash: make(map[string]string),
	}
}

func (s *MemoryIndex) EnsureIndexes(ctx context.Context) error {
	return nil
}

func (s *MemoryIndex) InsertContent(ctx context.Context, c *Content) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[c.ContentHash]; ok {
		return "", ErrDuplicateHash
	}
	stored := *c
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.byID[stored.ID] = &stored
	s.byHash[stored.ContentHash] = stored.ID
	s.inserted = append(s.inserted, stored.ID)
	c.ID = stored.ID
	c.CreatedAt = stored.CreatedAt
	return stored.ID, nil
}

func (s *MemoryIndex) FindByHash(ctx context.Context, hash string) (*Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, nil
	}
	return s.copyLocked(id), nil
}

func (s *MemoryIndex) FindByURL(ctx context.Context, url string) (*Content, error) {
	return s.find(func(c *Content) bool { return c.URL == url })
}

func (s *MemoryIndex) FindByURLSince(ctx context.Context, url string, since time.Time) (*Content, error) {
	return s.find(func(c *Content) bool {
		return c.URL == url && !c.CreatedAt.Before(since)
	})
}

func (s *MemoryIndex) FindByTitlePlatformSince(ctx context.Context, title, platform string, since time.Time) (*Content, error) {
	return s.find(func(c *Content) bool {
		return c.Title == title && c.Platform == platform && !c.CreatedAt.Before(since)
	})
}

func (s *MemoryIndex) RecentContents(ctx context.Context, since time.Time, limit int) ([]*Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Content
	for _, c := range s.byID {
		if !c.CreatedAt.Before(since) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryIndex) Close() {}

// find returns the newest matching record, mirroring the SQL ORDER BY
// created_at DESC LIMIT 1 shape.
func (s *MemoryIndex) find(match func(*Content) bool) (*Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Content
	for _, c := range s.byID {
		if !match(c) {
			continue
		}
		if best == nil || c.CreatedAt.After(best.CreatedAt) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *MemoryIndex) copyLocked(id string) *Content {
	c, ok := s.byID[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}
