package ingest

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/p-n-ai/pai-ingest/internal/platform/retry"
	"github.com/p-n-ai/pai-ingest/internal/store"
)

// IDCache remembers resolved hierarchy ids. *cache.Cache satisfies it.
type IDCache interface {
	GetID(ctx context.Context, key string) (int64, bool, error)
	SetID(ctx context.Context, key string, id int64) error
}

// MemoryIDCache is a process-local IDCache.
type MemoryIDCache struct {
	mu  sync.RWMutex
	ids map[string]int64
}

func NewMemoryIDCache() *MemoryIDCache {
	return &MemoryIDCache{ids: make(map[string]int64)}
}

func (c *MemoryIDCache) GetID(_ context.Context, key string) (int64, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ids[key]
	return id, ok, nil
}

func (c *MemoryIDCache) SetID(_ context.Context, key string, id int64) error {
	c.mu.Lock()
	c.ids[key] = id
	c.mu.Unlock()
	return nil
}

// Resolver maps topic and subtopic names to store ids, creating rows on first
// encounter. It is shared by all flows and safe for concurrent use.
type Resolver struct {
	store  store.Store
	policy retry.Policy
	cache  IDCache
	logger *slog.Logger
}

// NewResolver creates a Resolver. A nil cache disables caching.
func NewResolver(s store.Store, policy retry.Policy, cache IDCache, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.Logger == nil {
		policy.Logger = logger
	}
	return &Resolver{store: s, policy: policy, cache: cache, logger: logger}
}

// Topic returns the id of the named topic.
func (r *Resolver) Topic(ctx context.Context, name string) (int64, error) {
	key := "topic:" + name
	if id, ok := r.cached(ctx, key); ok {
		return id, nil
	}

	var id int64
	_, err := r.policy.Do(ctx, "ensure topic", func(ctx context.Context) error {
		var err error
		id, err = r.store.EnsureTopic(ctx, name)
		return err
	})
	if err != nil {
		r.logger.Error("failed to resolve topic", "topic", name, "error", err)
		return 0, &HierarchyError{Kind: "topic", Name: name, Err: err}
	}
	r.remember(ctx, key, id)
	return id, nil
}

// Subtopic returns the id of the named subtopic of topicID. topic is used for
// logging only.
func (r *Resolver) Subtopic(ctx context.Context, topicID int64, topic, name string) (int64, error) {
	key := "subtopic:" + strconv.FormatInt(topicID, 10) + ":" + name
	if id, ok := r.cached(ctx, key); ok {
		return id, nil
	}

	var id int64
	_, err := r.policy.Do(ctx, "ensure subtopic", func(ctx context.Context) error {
		var err error
		id, err = r.store.EnsureSubtopic(ctx, topicID, name)
		return err
	})
	if err != nil {
		r.logger.Error("failed to resolve subtopic",
			"topic", topic,
			"topic_id", topicID,
			"subtopic", name,
			"error", err,
		)
		return 0, &HierarchyError{Kind: "subtopic", Name: name, Err: err}
	}
	r.remember(ctx, key, id)
	return id, nil
}

// Cache failures only cost a store round trip, so they are not propagated.
func (r *Resolver) cached(ctx context.Context, key string) (int64, bool) {
	if r.cache == nil {
		return 0, false
	}
	id, ok, err := r.cache.GetID(ctx, key)
	if err != nil {
		r.logger.Debug("id cache lookup failed", "key", key, "error", err)
		return 0, false
	}
	return id, ok
}

func (r *Resolver) remember(ctx context.Context, key string, id int64) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SetID(ctx, key, id); err != nil {
		r.logger.Debug("id cache store failed", "key", key, "error", err)
	}
}
