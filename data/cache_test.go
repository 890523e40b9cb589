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

package data_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/penny-vault/pvtree/data"
)

type countingProvider struct {
	mu    sync.Mutex
	calls int
	inner data.Provider
}

func (c *countingProvider) History(ctx context.Context, symbol string, metric data.Metric, asOf time.Time, count int) (*data.Series, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.History(ctx, symbol, metric, asOf, count)
}

var _ = Describe("CachedProvider", func() {
	var (
		inner  *countingProvider
		cached *data.CachedProvider
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		store := data.NewMemoryStore()
		store.Add("SPY", data.MetricClose, day(2023, 1, 3), 380)
		store.Add("SPY", data.MetricClose, day(2023, 1, 4), 383)

		inner = &countingProvider{inner: store}

		var err error
		cached, err = data.NewCachedProvider(inner, 16, nil, time.Hour)
		Expect(err).To(BeNil())
	})

	It("serves repeated requests from the local cache", func() {
		first, err := cached.History(ctx, "SPY", data.MetricClose, day(2023, 1, 4), 2)
		Expect(err).To(BeNil())

		second, err := cached.History(ctx, "spy", data.MetricClose, time.Date(2023, 1, 4, 16, 0, 0, 0, time.UTC), 2)
		Expect(err).To(BeNil())

		Expect(second.Values).To(Equal(first.Values))
		Expect(inner.calls).To(Equal(1))
		Expect(cached.Hits()).To(Equal(int64(1)))
		Expect(cached.Misses()).To(Equal(int64(1)))
	})

	It("keys entries by count", func() {
		_, err := cached.History(ctx, "SPY", data.MetricClose, day(2023, 1, 4), 1)
		Expect(err).To(BeNil())
		_, err = cached.History(ctx, "SPY", data.MetricClose, day(2023, 1, 4), 2)
		Expect(err).To(BeNil())

		Expect(inner.calls).To(Equal(2))
	})

	It("does not cache failures", func() {
		_, err := cached.History(ctx, "QQQ", data.MetricClose, day(2023, 1, 4), 2)
		Expect(err).To(MatchError(data.ErrNotFound))
		_, err = cached.History(ctx, "QQQ", data.MetricClose, day(2023, 1, 4), 2)
		Expect(err).To(MatchError(data.ErrNotFound))

		Expect(inner.calls).To(Equal(2))
	})

	It("rejects a non-positive cache size", func() {
		_, err := data.NewCachedProvider(inner, 0, nil, time.Hour)
		Expect(err).ToNot(BeNil())
	})
})
