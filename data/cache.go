// Copyright 2021-2023
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package data

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru"
	"github.com/penny-vault/pvtree/common"
	"github.com/rs/zerolog/log"
)

// CachedProvider memoizes history lookups across evaluation passes. Series are kept in a
// local LRU and, when a redis client is supplied, in redis as lz4 compressed JSON so
// several processes can share downloads. Failed lookups are never cached.
type CachedProvider struct {
	inner  Provider
	local  *lru.Cache
	rdb    *redis.Client
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedProvider wraps inner with an LRU of size entries; rdb may be nil
func NewCachedProvider(inner Provider, size int, rdb *redis.Client, ttl time.Duration) (*CachedProvider, error) {
	local, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	return &CachedProvider{
		inner: inner,
		local: local,
		rdb:   rdb,
		ttl:   ttl,
	}, nil
}

func historyKey(symbol string, metric Metric, asOf time.Time, count int) string {
	return fmt.Sprintf("pvtree:history:%s:%s:%s:%d", strings.ToUpper(symbol), metric, DateOf(asOf).Format("2006-01-02"), count)
}

// History implements Provider
func (cache *CachedProvider) History(ctx context.Context, symbol string, metric Metric, asOf time.Time, count int) (*Series, error) {
	k := historyKey(symbol, metric, asOf, count)

	if v, ok := cache.local.Get(k); ok {
		cache.hits.Add(1)
		return v.(*Series), nil
	}

	if cache.rdb != nil {
		series, err := cache.remoteGet(ctx, k)
		switch {
		case err == nil:
			cache.hits.Add(1)
			cache.local.Add(k, series)
			return series, nil
		case errors.Is(err, redis.Nil):
		default:
			log.Warn().Err(err).Str("Key", k).Msg("could not read history from redis")
		}
	}

	cache.misses.Add(1)
	series, err := cache.inner.History(ctx, symbol, metric, asOf, count)
	if err != nil {
		return nil, err
	}

	cache.local.Add(k, series)
	if cache.rdb != nil {
		if err := cache.remoteSet(ctx, k, series); err != nil {
			log.Warn().Err(err).Str("Key", k).Msg("could not write history to redis")
		}
	}

	return series, nil
}

// Hits returns the number of lookups served from either cache tier
func (cache *CachedProvider) Hits() int64 {
	return cache.hits.Load()
}

// Misses returns the number of lookups forwarded to the wrapped provider
func (cache *CachedProvider) Misses() int64 {
	return cache.misses.Load()
}

func (cache *CachedProvider) remoteGet(ctx context.Context, k string) (*Series, error) {
	compressed, err := cache.rdb.Get(ctx, k).Bytes()
	if err != nil {
		return nil, err
	}

	raw, err := common.Decompress(compressed)
	if err != nil {
		return nil, err
	}

	series := &Series{}
	if err := json.Unmarshal(raw, series); err != nil {
		return nil, err
	}
	return series, nil
}

func (cache *CachedProvider) remoteSet(ctx context.Context, k string, series *Series) error {
	raw, err := json.Marshal(series)
	if err != nil {
		return err
	}

	compressed, err := common.Compress(raw)
	if err != nil {
		return err
	}

	return cache.rdb.Set(ctx, k, compressed, cache.ttl).Err()
}
