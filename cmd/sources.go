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

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/penny-vault/pvtree/data"
	"github.com/penny-vault/pvtree/data/database"
	"github.com/penny-vault/pvtree/indicators"
	"github.com/penny-vault/pvtree/tradecron"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// readInput reads a file, or stdin when path is "-"
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// priceHistory returns the configured price source: a CSV export when --prices is
// given, the eod table otherwise
func priceHistory(ctx context.Context) (data.Provider, error) {
	if path := viper.GetString("data.prices"); path != "" {
		fh, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer fh.Close()

		store := data.NewMemoryStore()
		if err := store.LoadCSV(fh); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		log.Info().Str("Path", path).Int("Symbols", len(store.Symbols())).Msg("loaded prices from csv")
		return store, nil
	}

	if viper.GetString("database.url") == "" {
		return nil, fmt.Errorf("no price source: set --prices or --database-url")
	}
	if err := connectDatabase(ctx); err != nil {
		return nil, err
	}
	return data.NewPvDb(), nil
}

func connectDatabase(ctx context.Context) error {
	if database.IsConnected() {
		return nil
	}
	return database.Connect(ctx)
}

// marketCalendar loads exchange holidays when a database is configured; without one only
// weekends are closures
func marketCalendar(ctx context.Context) (*tradecron.Calendar, error) {
	if viper.GetString("database.url") == "" {
		log.Info().Msg("no database configured, market calendar only closes on weekends")
		return tradecron.NewCalendar(), nil
	}
	if err := connectDatabase(ctx); err != nil {
		return nil, err
	}
	return tradecron.LoadCalendar(ctx, "pvuser")
}

func redisClient() (*redis.Client, error) {
	if !viper.GetBool("cache.redis") {
		return nil, nil
	}

	opts, err := redis.ParseURL(viper.GetString("cache.redis_url"))
	if err != nil {
		return nil, fmt.Errorf("parse cache.redis_url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// indicatorProvider wires price history, the cross-pass history cache and the
// indicator catalogue together
func indicatorProvider(ctx context.Context) (*indicators.HistoryProvider, *data.CachedProvider, error) {
	metric, err := data.ParseMetric(viper.GetString("data.metric"))
	if err != nil {
		return nil, nil, err
	}

	store, err := priceHistory(ctx)
	if err != nil {
		return nil, nil, err
	}

	rdb, err := redisClient()
	if err != nil {
		return nil, nil, err
	}

	ttl := time.Duration(viper.GetInt("cache.ttl")) * time.Second
	cached, err := data.NewCachedProvider(store, viper.GetInt("cache.local_size"), rdb, ttl)
	if err != nil {
		return nil, nil, err
	}

	return indicators.NewHistoryProvider(cached, metric), cached, nil
}
