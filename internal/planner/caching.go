package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	eventbus "github.com/hanpama/fedrouter/internal/eventbus"
	events "github.com/hanpama/fedrouter/internal/events"
	"github.com/hanpama/fedrouter/internal/plan"
)

// DefaultCacheSize is used when a non-positive size is configured.
const DefaultCacheSize = 100

type cacheEntry struct {
	plan *plan.Plan
	err  *Error
}

// CachingPlanner decorates a Planner with a bounded LRU cache. Concurrent
// misses for one key share a single underlying computation; distinct keys
// never wait on each other. Plans and planning errors (*Error) are cached;
// any other error is returned without being cached.
type CachingPlanner struct {
	next   Planner
	cache  *lru.Cache
	group  singleflight.Group
	logger *slog.Logger
}

var (
	_ Planner  = (*CachingPlanner)(nil)
	_ HotKeyer = (*CachingPlanner)(nil)
)

type CachingOption func(*CachingPlanner)

func WithLogger(l *slog.Logger) CachingOption { return func(c *CachingPlanner) { c.logger = l } }

// NewCaching wraps next with a cache holding up to size entries.
func NewCaching(next Planner, size int, opts ...CachingOption) (*CachingPlanner, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create plan cache: %w", err)
	}
	c := &CachingPlanner{next: next, cache: cache, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Plan returns the cached result for key, computing it at most once across
// concurrent callers on a miss.
func (c *CachingPlanner) Plan(ctx context.Context, key QueryKey) (*plan.Plan, error) {
	start := time.Now()
	eventbus.Publish(ctx, events.PlanStart{Query: key.Query, OperationName: key.OperationName})

	if v, ok := c.cache.Get(key); ok {
		p, err := v.(cacheEntry).result()
		c.finish(ctx, key, true, err, start)
		return p, err
	}

	// the computation outlives callers that give up waiting
	ch := c.group.DoChan(key.flightKey(), func() (any, error) {
		if v, ok := c.cache.Get(key); ok {
			return v.(cacheEntry), nil
		}
		p, err := c.next.Plan(context.WithoutCancel(ctx), key)
		if err != nil {
			var perr *Error
			if !errors.As(err, &perr) {
				return nil, err
			}
			entry := cacheEntry{err: perr}
			c.cache.Add(key, entry)
			return entry, nil
		}
		entry := cacheEntry{plan: p}
		c.cache.Add(key, entry)
		return entry, nil
	})

	select {
	case <-ctx.Done():
		c.finish(ctx, key, false, ctx.Err(), start)
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			c.finish(ctx, key, false, r.Err, start)
			return nil, r.Err
		}
		p, err := r.Val.(cacheEntry).result()
		c.finish(ctx, key, false, err, start)
		return p, err
	}
}

func (e cacheEntry) result() (*plan.Plan, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.plan, nil
}

func (c *CachingPlanner) finish(ctx context.Context, key QueryKey, hit bool, err error, start time.Time) {
	eventbus.Publish(ctx, events.PlanFinish{
		Query:         key.Query,
		OperationName: key.OperationName,
		CacheHit:      hit,
		Err:           err,
		Duration:      time.Since(start),
	})
}

// HotKeys returns the resident keys, most recently used first.
func (c *CachingPlanner) HotKeys() []QueryKey {
	keys := c.cache.Keys()
	out := make([]QueryKey, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		out = append(out, keys[i].(QueryKey))
	}
	return out
}

// Len reports the number of cached entries.
func (c *CachingPlanner) Len() int { return c.cache.Len() }

// WarmUp plans keys one at a time, least recent first, so the resulting
// recency order matches the source. keys are ordered most recent first as
// returned by HotKeys. Failures are logged and skipped. It returns how many
// keys produced a plan.
func (c *CachingPlanner) WarmUp(ctx context.Context, keys []QueryKey) int {
	warmed := 0
	for i := len(keys) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return warmed
		}
		key := keys[i]
		if _, err := c.Plan(ctx, key); err != nil {
			c.logger.WarnContext(ctx, "plan cache warm-up failed",
				slog.String("operation", key.OperationName),
				slog.Any("error", err))
			eventbus.Publish(ctx, events.WarmUpFailure{Query: key.Query, OperationName: key.OperationName, Err: err})
			continue
		}
		warmed++
	}
	return warmed
}
