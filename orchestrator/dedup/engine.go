package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/driftline/crawlplane/orchestrator/observability"
	"github.com/driftline/crawlplane/orchestrator/store"
)

// DuplicateType labels which layer matched.
type DuplicateType string

const (
	NoDuplicate          DuplicateType = "NO_DUPLICATE"
	TaskDuplicate        DuplicateType = "TASK_DUPLICATE"
	URLDuplicate         DuplicateType = "URL_DUPLICATE"
	ContentHashDuplicate DuplicateType = "CONTENT_HASH_DUPLICATE"
	TitleDuplicate       DuplicateType = "TITLE_DUPLICATE"
	SemanticDuplicate    DuplicateType = "SEMANTIC_DUPLICATE"
	TimeWindowDuplicate  DuplicateType = "TIME_WINDOW_DUPLICATE"
)

// Verdict is the engine's answer for one candidate.
type Verdict struct {
	IsDuplicate bool          `json:"is_duplicate"`
	Type        DuplicateType `json:"type"`
	Confidence  float64       `json:"confidence"`
	MatchedID   string        `json:"matched_id,omitempty"`
	Similarity  float64       `json:"similarity,omitempty"`
	Reason      string        `json:"reason"`

	// NormalizedURL and ContentHash are the identity the layers checked.
	// Callers stamp them onto the stored record so the next pass finds it
	// under the same values.
	NormalizedURL string `json:"normalized_url,omitempty"`
	ContentHash   string `json:"content_hash,omitempty"`
}

// Config carries the engine's tunables.
type Config struct {
	// Window is the base dedup window for title and time-window checks.
	Window time.Duration
	// SimilarityThreshold is the minimum Ratcliff-Obershelp ratio that
	// counts as a semantic duplicate.
	SimilarityThreshold float64
	// SemanticMinLength skips the semantic layer for shorter content.
	SemanticMinLength int
	// SemanticScanLimit caps how many recent contents one check compares.
	SemanticScanLimit int
	// ContextCap bounds the combined size of a context's three sets.
	ContextCap int
	// ClaimTTL backstops creator claims whose release never arrives.
	ClaimTTL time.Duration
	// HashCacheTTL bounds positive content-hash cache entries.
	HashCacheTTL time.Duration
	// BloomCapacity and BloomFPRate size the URL filter.
	BloomCapacity int
	BloomFPRate   float64
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		Window:              24 * time.Hour,
		SimilarityThreshold: 0.85,
		SemanticMinLength:   50,
		SemanticScanLimit:   100,
		ContextCap:          10_000,
		ClaimTTL:            time.Hour,
		HashCacheTTL:        24 * time.Hour,
		BloomCapacity:       1_000_000,
		BloomFPRate:         0.01,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		c.SimilarityThreshold = def.SimilarityThreshold
	}
	if c.SemanticMinLength <= 0 {
		c.SemanticMinLength = def.SemanticMinLength
	}
	if c.SemanticScanLimit <= 0 {
		c.SemanticScanLimit = def.SemanticScanLimit
	}
	if c.ContextCap <= 0 {
		c.ContextCap = def.ContextCap
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = def.ClaimTTL
	}
	if c.HashCacheTTL <= 0 {
		c.HashCacheTTL = def.HashCacheTTL
	}
	if c.BloomCapacity <= 0 {
		c.BloomCapacity = def.BloomCapacity
	}
	if c.BloomFPRate <= 0 || c.BloomFPRate >= 1 {
		c.BloomFPRate = def.BloomFPRate
	}
	return c
}

// claim is the value stored under a creator claim key.
type claim struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Engine runs the six dedup layers in order with short-circuit on the first
// hit. A layer fault is logged, counted, and treated as a pass: the engine
// never blocks a crawl on its own errors.
type Engine struct {
	cache    store.Cache
	index    store.Index
	keys     store.Keys
	bloom    *BloomFilter
	contexts *ContextStore
	cfg      Config
}

// New builds the engine over the shared cache and index.
func New(cache store.Cache, index store.Index, keys store.Keys, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cache:    cache,
		index:    index,
		keys:     keys,
		bloom:    NewBloomFilter(cache, keys.BloomFilter(), cfg.BloomCapacity, cfg.BloomFPRate),
		contexts: NewContextStore(cache, keys, cfg.ContextCap, cfg.Window),
		cfg:      cfg,
	}
}

// Contexts exposes the context store for the persister loop and the API.
func (e *Engine) Contexts() *ContextStore { return e.contexts }

// Bloom exposes the URL filter, mainly for tests and the status endpoint.
func (e *Engine) Bloom() *BloomFilter { return e.bloom }

// ContentHash fingerprints title plus content with whitespace runs
// collapsed, hex SHA-256.
func ContentHash(title, content string) string {
	collapsed := strings.Join(strings.Fields(title+"\n"+content), " ")
	sum := sha256.Sum256([]byte(collapsed))
	return hex.EncodeToString(sum[:])
}

// CheckDuplicate evaluates the layers for one candidate. It always returns
// a verdict; NO_DUPLICATE means every layer passed, and on that path the
// normalized URL, content hash, and title are recorded in the task context
// and the hash is cached.
func (e *Engine) CheckDuplicate(ctx context.Context, taskID, rawURL, content, title, platform, creatorURL string) *Verdict {
	dctx := e.contexts.Get(ctx, taskID)

	normalized := rawURL
	if n, err := NormalizeURL(rawURL); err == nil {
		normalized = n
	} else {
		log.Printf("dedup: normalize %q: %v", rawURL, err)
		observability.DedupLayerErrors.WithLabelValues("normalize").Inc()
	}
	hash := ContentHash(title, content)
	now := time.Now().UTC()

	type layer struct {
		name string
		fn   func() (*Verdict, error)
	}
	layers := []layer{
		{"task", func() (*Verdict, error) { return e.checkTaskClaim(ctx, taskID, platform, creatorURL) }},
		{"url", func() (*Verdict, error) { return e.checkURL(ctx, normalized) }},
		{"content_hash", func() (*Verdict, error) { return e.checkContentHash(ctx, taskID, hash) }},
		{"title_window", func() (*Verdict, error) { return e.checkTitleWindow(ctx, title, platform, now) }},
		{"semantic", func() (*Verdict, error) { return e.checkSemantic(ctx, content, now) }},
		{"time_window", func() (*Verdict, error) { return e.checkTimeWindow(ctx, normalized, now) }},
	}
	for _, l := range layers {
		if v := e.runLayer(dctx, l.name, l.fn); v != nil {
			v.NormalizedURL = normalized
			v.ContentHash = hash
			return e.conclude(dctx, v)
		}
	}

	dctx.Remember(normalized, title, hash)
	if err := e.cache.Set(ctx, e.keys.ContentHash(hash), taskID, e.cfg.HashCacheTTL); err != nil {
		log.Printf("dedup: caching content hash: %v", err)
	}
	return e.conclude(dctx, &Verdict{
		Type:          NoDuplicate,
		Reason:        "all layers passed",
		NormalizedURL: normalized,
		ContentHash:   hash,
	})
}

// runLayer times one layer and converts its error into a pass.
func (e *Engine) runLayer(dctx *Context, name string, fn func() (*Verdict, error)) *Verdict {
	start := time.Now()
	v, err := fn()
	elapsed := time.Since(start).Seconds()
	observability.DedupLayerDuration.WithLabelValues(name).Observe(elapsed)
	dctx.ObserveLatency(name, elapsed)
	if err != nil {
		log.Printf("dedup: %s layer error, treated as pass: %v", name, err)
		observability.DedupLayerErrors.WithLabelValues(name).Inc()
		return nil
	}
	return v
}

func (e *Engine) conclude(dctx *Context, v *Verdict) *Verdict {
	dctx.CountVerdict(string(v.Type))
	observability.DedupVerdicts.WithLabelValues(string(v.Type)).Inc()
	if v.IsDuplicate {
		record := struct {
			Component  string  `json:"component"`
			Type       string  `json:"type"`
			Confidence float64 `json:"confidence"`
			MatchedID  string  `json:"matched_id,omitempty"`
			Reason     string  `json:"reason"`
		}{"dedup", string(v.Type), v.Confidence, v.MatchedID, v.Reason}
		bytes, _ := json.Marshal(record)
		log.Println(string(bytes))
	}
	return v
}

// checkTaskClaim claims the creator for this task or reports who holds it.
// No creator URL means nothing to claim.
func (e *Engine) checkTaskClaim(ctx context.Context, taskID, platform, creatorURL string) (*Verdict, error) {
	if creatorURL == "" {
		return nil, nil
	}
	key := e.keys.TaskClaim(platform, creatorURL)
	data, err := json.Marshal(claim{TaskID: taskID, Status: "running", ClaimedAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	ok, err := e.cache.SetNX(ctx, key, string(data), e.cfg.ClaimTTL)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, nil
	}

	raw, err := e.cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var held claim
	if raw == "" || json.Unmarshal([]byte(raw), &held) != nil {
		// Claim vanished or is unreadable; do not block the crawl on it.
		return nil, nil
	}
	if held.TaskID == taskID {
		return nil, nil
	}
	return &Verdict{
		IsDuplicate: true,
		Type:        TaskDuplicate,
		Confidence:  1.0,
		MatchedID:   held.TaskID,
		Reason:      fmt.Sprintf("creator %s already claimed on %s", creatorURL, platform),
	}, nil
}

// checkURL probes the Bloom filter and confirms hits against the index. A
// miss feeds the filter and passes.
func (e *Engine) checkURL(ctx context.Context, normalized string) (*Verdict, error) {
	hit, err := e.bloom.Contains(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if !hit {
		if err := e.bloom.Add(ctx, normalized); err != nil {
			return nil, err
		}
		return nil, nil
	}
	existing, err := e.index.FindByURL(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// Bloom false positive.
		return nil, nil
	}
	return &Verdict{
		IsDuplicate: true,
		Type:        URLDuplicate,
		Confidence:  1.0,
		MatchedID:   existing.ID,
		Reason:      "normalized url already collected",
	}, nil
}

// checkContentHash consults the hash cache first, then the index; an index
// hit is cached for the next caller.
func (e *Engine) checkContentHash(ctx context.Context, taskID, hash string) (*Verdict, error) {
	cached, err := e.cache.Get(ctx, e.keys.ContentHash(hash))
	if err != nil {
		return nil, err
	}
	if cached != "" {
		if cached == taskID {
			// Our own earlier pass; a retry must not collide with itself.
			return nil, nil
		}
		return &Verdict{
			IsDuplicate: true,
			Type:        ContentHashDuplicate,
			Confidence:  1.0,
			MatchedID:   cached,
			Reason:      "content hash cached",
		}, nil
	}

	existing, err := e.index.FindByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	if err := e.cache.Set(ctx, e.keys.ContentHash(hash), existing.ID, e.cfg.HashCacheTTL); err != nil {
		log.Printf("dedup: caching hash hit: %v", err)
	}
	return &Verdict{
		IsDuplicate: true,
		Type:        ContentHashDuplicate,
		Confidence:  1.0,
		MatchedID:   existing.ID,
		Reason:      "content hash already collected",
	}, nil
}

func (e *Engine) checkTitleWindow(ctx context.Context, title, platform string, now time.Time) (*Verdict, error) {
	if title == "" {
		return nil, nil
	}
	existing, err := e.index.FindByTitlePlatformSince(ctx, title, platform, now.Add(-e.cfg.Window))
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	return &Verdict{
		IsDuplicate: true,
		Type:        TitleDuplicate,
		Confidence:  0.9,
		MatchedID:   existing.ID,
		Reason:      fmt.Sprintf("same title on %s within %s", platform, e.cfg.Window),
	}, nil
}

// checkSemantic compares against recent contents with the similarity ratio.
// Short content is skipped; the two cheap upper bounds prune candidates that
// cannot reach the threshold before the quadratic ratio runs.
func (e *Engine) checkSemantic(ctx context.Context, content string, now time.Time) (*Verdict, error) {
	if utf8.RuneCountInString(content) < e.cfg.SemanticMinLength {
		return nil, nil
	}
	recent, err := e.index.RecentContents(ctx, now.Add(-7*e.cfg.Window), e.cfg.SemanticScanLimit)
	if err != nil {
		return nil, err
	}

	target := strings.ToLower(content)
	best := 0.0
	bestID := ""
	for _, c := range recent {
		candidate := strings.ToLower(c.Text)
		if LengthUpperBound(target, candidate) < e.cfg.SimilarityThreshold {
			continue
		}
		if QuickRatio(target, candidate) < e.cfg.SimilarityThreshold {
			continue
		}
		if ratio := SimilarityRatio(target, candidate); ratio > best {
			best = ratio
			bestID = c.ID
		}
	}
	if best < e.cfg.SimilarityThreshold {
		return nil, nil
	}
	return &Verdict{
		IsDuplicate: true,
		Type:        SemanticDuplicate,
		Confidence:  best,
		MatchedID:   bestID,
		Similarity:  best,
		Reason:      fmt.Sprintf("similarity %.3f above %.2f", best, e.cfg.SimilarityThreshold),
	}, nil
}

func (e *Engine) checkTimeWindow(ctx context.Context, normalized string, now time.Time) (*Verdict, error) {
	existing, err := e.index.FindByURLSince(ctx, normalized, now.Add(-e.cfg.Window))
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	return &Verdict{
		IsDuplicate: true,
		Type:        TimeWindowDuplicate,
		Confidence:  0.8,
		MatchedID:   existing.ID,
		Reason:      fmt.Sprintf("url collected within %s", e.cfg.Window),
	}, nil
}

// ReleaseClaim drops the creator claim if this task holds it. Safe to call
// on every terminal transition; release of someone else's claim is a no-op.
func (e *Engine) ReleaseClaim(ctx context.Context, platform, creatorURL, taskID string) error {
	if creatorURL == "" {
		return nil
	}
	key := e.keys.TaskClaim(platform, creatorURL)
	raw, err := e.cache.Get(ctx, key)
	if err != nil || raw == "" {
		return err
	}
	var held claim
	if err := json.Unmarshal([]byte(raw), &held); err != nil {
		// Unreadable claim: force it out so it cannot wedge the creator.
		_, derr := e.cache.ReleaseOwned(ctx, key, raw)
		return derr
	}
	if held.TaskID != taskID {
		return nil
	}
	_, err = e.cache.ReleaseOwned(ctx, key, raw)
	return err
}

// ReleaseContext persists and drops the task's context. Paired with
// ReleaseClaim on terminal states.
func (e *Engine) ReleaseContext(ctx context.Context, taskID string) {
	e.contexts.Release(ctx, taskID)
}
