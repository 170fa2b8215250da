/*
Copyright 2024 Spartan One Authors.

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
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

const (
	receiptPrefix = "spartan:receipt:"

	// DefaultReceiptTTL outlives any realistic gap between a delivery and
	// the next drain that would otherwise resend it.
	DefaultReceiptTTL = 24 * time.Hour

	localSize = 1024
	localTTL  = time.Minute
)

// ReceiptCache remembers documents the remote already accepted but that
// could not be removed from the local queue. A later drain removes them
// without sending them again.
//
// Entries live in Redis and in a small in-process TinyLFU in front of it.
type ReceiptCache struct {
	cache *cache.Cache
	ttl   time.Duration
}

// NewReceiptCache builds a cache on an existing Redis client. A non-positive
// ttl falls back to DefaultReceiptTTL.
func NewReceiptCache(client redis.UniversalClient, ttl time.Duration) *ReceiptCache {
	if ttl <= 0 {
		ttl = DefaultReceiptTTL
	}
	c := cache.New(&cache.Options{
		Redis:      client,
		LocalCache: cache.NewTinyLFU(localSize, localTTL),
	})
	return &ReceiptCache{cache: c, ttl: ttl}
}

// Record stores the status code the remote answered for document id.
func (r *ReceiptCache) Record(ctx context.Context, id string, statusCode int) error {
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   receiptPrefix + id,
		Value: statusCode,
		TTL:   r.ttl,
	})
}

// Lookup reports whether a receipt exists for id. A miss is not an error.
func (r *ReceiptCache) Lookup(ctx context.Context, id string) (int, bool, error) {
	var statusCode int
	err := r.cache.Get(ctx, receiptPrefix+id, &statusCode)
	if errors.Is(err, cache.ErrCacheMiss) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return statusCode, true, nil
}

func (r *ReceiptCache) Forget(ctx context.Context, id string) error {
	return r.cache.Delete(ctx, receiptPrefix+id)
}
