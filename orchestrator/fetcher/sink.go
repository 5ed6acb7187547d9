package fetcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftline/crawlplane/orchestrator/store"
)

// Sink receives deduplicated content. Append returns the stored record's id
// and must be idempotent on content_hash.
type Sink interface {
	Append(ctx context.Context, c *store.Content) (string, error)
}

// IndexSink stores content in the index. A hash collision resolves to the
// already-stored record's id, keeping retried appends idempotent.
type IndexSink struct {
	index store.Index
}

func NewIndexSink(index store.Index) *IndexSink {
	return &IndexSink{index: index}
}

func (s *IndexSink) Append(ctx context.Context, c *store.Content) (string, error) {
	id, err := s.index.InsertContent(ctx, c)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, store.ErrDuplicateHash) {
		return "", fmt.Errorf("append content: %w", err)
	}

	existing, lookupErr := s.index.FindByHash(ctx, c.ContentHash)
	if lookupErr != nil || existing == nil {
		return "", fmt.Errorf("append content: %w", err)
	}
	return existing.ID, nil
}
