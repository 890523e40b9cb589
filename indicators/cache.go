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

package indicators

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// CacheStats counts requests made of a Cache and calls it forwarded to its Provider
type CacheStats struct {
	Requests      int64 `json:"requests"`
	ProviderCalls int64 `json:"providerCalls"`
}

// Hits is the number of requests answered without a new provider call
func (s CacheStats) Hits() int64 {
	return s.Requests - s.ProviderCalls
}

// Cache memoizes a Provider for the duration of one evaluation pass. Concurrent
// requests for the same key share a single provider call and every key reaches the
// provider at most once, failures included. Create a new Cache for each pass.
type Cache struct {
	provider Provider
	group    singleflight.Group

	locker   sync.RWMutex
	values   map[Key]float64
	failures map[Key]error

	requests atomic.Int64
	calls    atomic.Int64
}

func NewCache(provider Provider) *Cache {
	return &Cache{
		provider: provider,
		values:   make(map[Key]float64),
		failures: make(map[Key]error),
	}
}

func (c *Cache) lookup(key Key) (val float64, ok bool, err error) {
	c.locker.RLock()
	defer c.locker.RUnlock()

	if err, ok = c.failures[key]; ok {
		return 0, true, err
	}
	val, ok = c.values[key]
	return val, ok, nil
}

func (c *Cache) remember(key Key, val float64, err error) {
	c.locker.Lock()
	defer c.locker.Unlock()

	if err != nil {
		c.failures[key] = err
		return
	}
	c.values[key] = val
}

// Get returns the value for key, calling the provider only if no earlier or in-flight
// request for key exists. Errors are always *DataError.
func (c *Cache) Get(ctx context.Context, key Key) (float64, error) {
	c.requests.Add(1)

	if val, ok, err := c.lookup(key); ok {
		return val, err
	}

	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		// a previous flight may have finished between lookup and DoChan
		if val, ok, err := c.lookup(key); ok {
			return val, err
		}

		c.calls.Add(1)
		val, err := c.provider.Get(ctx, key)
		if err != nil {
			var dataErr *DataError
			if !errors.As(err, &dataErr) {
				err = &DataError{Key: key, Err: err}
			}
			// cancellation belongs to the pass, not the key
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return 0, err
			}
		}
		c.remember(key, val, err)
		return val, err
	})

	select {
	case <-ctx.Done():
		return 0, &DataError{Key: key, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(float64), nil
	}
}

// Stats returns a snapshot of the cache counters
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Requests:      c.requests.Load(),
		ProviderCalls: c.calls.Load(),
	}
}
