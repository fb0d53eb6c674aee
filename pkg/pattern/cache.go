/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pattern

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache is the shared, category-indexed pattern cache described in
// the shared-resource policy: "refreshes are coordinated by a single-flight mechanism (only
// one refresh in flight, others await its result)". Backed by Redis so
// the cache is shared across classifier-request goroutines and
// process instances alike.
type Cache struct {
	rdb   *redis.Client
	group singleflight.Group
	ttl   time.Duration
}

// NewCache builds a Cache over rdb with the given entry TTL.
func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

func cacheKey(category string) string {
	return "pattern-cache:" + category
}

// GetOrLoad returns the cached pattern set for category, or calls load
// exactly once (even under concurrent callers, via singleflight) and
// populates the cache on a miss.
func (c *Cache) GetOrLoad(ctx context.Context, category string, load func(context.Context) ([]Pattern, error)) ([]Pattern, error) {
	if raw, err := c.rdb.Get(ctx, cacheKey(category)).Bytes(); err == nil {
		var patterns []Pattern
		if jsonErr := json.Unmarshal(raw, &patterns); jsonErr == nil {
			return patterns, nil
		}
	}

	v, err, _ := c.group.Do(category, func() (interface{}, error) {
		patterns, loadErr := load(ctx)
		if loadErr != nil {
			return nil, loadErr
		}
		if b, marshalErr := json.Marshal(patterns); marshalErr == nil {
			c.rdb.Set(ctx, cacheKey(category), b, c.ttl)
		}
		return patterns, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Pattern), nil
}

// Invalidate evicts category's cached entry so the next GetOrLoad call
// refreshes from source.
func (c *Cache) Invalidate(ctx context.Context, category string) {
	c.rdb.Del(ctx, cacheKey(category))
}
