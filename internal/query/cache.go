package query

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	schema "github.com/hanpama/fedrouter/internal/schema"
)

// DefaultCacheSize is used when a non-positive size is configured.
const DefaultCacheSize = 100

type entry struct {
	query *Query
	err   error
}

// Cache holds parsed queries keyed by their exact text. Parsing happens at
// most once per text among concurrent callers.
type Cache struct {
	schema *schema.Schema
	cache  *lru.Cache
	group  singleflight.Group
}

func NewCache(size int, s *schema.Schema) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create query cache: %w", err)
	}
	return &Cache{schema: s, cache: c}, nil
}

// Get returns the parsed query for text, parsing it on first use. Parse
// failures are cached too.
func (c *Cache) Get(ctx context.Context, text string) (*Query, error) {
	if v, ok := c.cache.Get(text); ok {
		e := v.(entry)
		return e.query, e.err
	}
	ch := c.group.DoChan(text, func() (any, error) {
		if v, ok := c.cache.Get(text); ok {
			return v, nil
		}
		q, err := Parse(text, c.schema)
		e := entry{query: q, err: err}
		c.cache.Add(text, e)
		return e, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		e := r.Val.(entry)
		return e.query, e.err
	}
}

// Len reports the number of cached texts.
func (c *Cache) Len() int { return c.cache.Len() }
