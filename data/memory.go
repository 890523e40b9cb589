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
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/rs/zerolog/log"
)

// MemoryStore is an in-process Provider, typically loaded from an eod CSV export
type MemoryStore struct {
	locker sync.RWMutex
	series map[string]map[Metric]*Series
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		series: make(map[string]map[Metric]*Series),
	}
}

// Add inserts or replaces the observation for symbol/metric on date
func (store *MemoryStore) Add(symbol string, metric Metric, date time.Time, val float64) {
	store.locker.Lock()
	defer store.locker.Unlock()

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	date = DateOf(date)

	metrics, ok := store.series[symbol]
	if !ok {
		metrics = make(map[Metric]*Series, 2)
		store.series[symbol] = metrics
	}

	series, ok := metrics[metric]
	if !ok {
		series = &Series{Symbol: symbol, Metric: metric}
		metrics[metric] = series
	}

	idx := sort.Search(len(series.Dates), func(i int) bool {
		return !series.Dates[i].Before(date)
	})

	if idx < len(series.Dates) && series.Dates[idx].Equal(date) {
		series.Values[idx] = val
		return
	}

	series.Dates = append(series.Dates, time.Time{})
	series.Values = append(series.Values, 0)
	copy(series.Dates[idx+1:], series.Dates[idx:])
	copy(series.Values[idx+1:], series.Values[idx:])
	series.Dates[idx] = date
	series.Values[idx] = val
}

// eodRow is one line of an eod table export. Columns absent from the header
// decode as nil.
type eodRow struct {
	EventDate     *string `csv:"event_date"`
	Ticker        *string `csv:"ticker"`
	Close         *string `csv:"close"`
	AdjustedClose *string `csv:"adj_close"`
}

func (row *eodRow) price(metric Metric) *string {
	if metric == MetricClose {
		return row.Close
	}
	return row.AdjustedClose
}

// LoadCSV reads rows in the layout of the eod table export: a header row naming at least
// event_date and ticker plus one or both of close and adj_close. Empty price cells are
// skipped.
func (store *MemoryStore) LoadCSV(r io.Reader) error {
	rows := make([]*eodRow, 0, 1024)
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	for idx, row := range rows {
		line := idx + 2
		if row.EventDate == nil {
			return fmt.Errorf("%w: event_date", ErrMissingColumn)
		}
		if row.Ticker == nil {
			return fmt.Errorf("%w: ticker", ErrMissingColumn)
		}
		if row.Close == nil && row.AdjustedClose == nil {
			return fmt.Errorf("%w: close or adj_close", ErrMissingColumn)
		}

		eventDate, err := time.Parse("2006-01-02", strings.TrimSpace(*row.EventDate))
		if err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrMalformedRecord, line, err)
		}

		for _, metric := range []Metric{MetricClose, MetricAdjustedClose} {
			cell := row.price(metric)
			if cell == nil || strings.TrimSpace(*cell) == "" {
				continue
			}
			val, err := strconv.ParseFloat(strings.TrimSpace(*cell), 64)
			if err != nil {
				return fmt.Errorf("%w: line %d: %v", ErrMalformedRecord, line, err)
			}
			store.Add(*row.Ticker, metric, eventDate, val)
		}
	}

	log.Debug().Int("Rows", len(rows)).Int("Symbols", len(store.Symbols())).Msg("loaded price history from csv")
	return nil
}

// Symbols returns the sorted list of symbols in the store
func (store *MemoryStore) Symbols() []string {
	store.locker.RLock()
	defer store.locker.RUnlock()

	symbols := make([]string, 0, len(store.series))
	for symbol := range store.series {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// History implements Provider
func (store *MemoryStore) History(ctx context.Context, symbol string, metric Metric, asOf time.Time, count int) (*Series, error) {
	if count < 1 {
		return nil, ErrInvalidCount
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	store.locker.RLock()
	defer store.locker.RUnlock()

	symbol = strings.ToUpper(symbol)
	metrics, ok := store.series[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}

	res := &Series{Symbol: symbol, Metric: metric}
	series, ok := metrics[metric]
	if !ok {
		return res, nil
	}

	asOf = DateOf(asOf)
	end := sort.Search(len(series.Dates), func(i int) bool {
		return series.Dates[i].After(asOf)
	})
	begin := end - count
	if begin < 0 {
		begin = 0
	}

	res.Dates = make([]time.Time, end-begin)
	res.Values = make([]float64, end-begin)
	copy(res.Dates, series.Dates[begin:end])
	copy(res.Values, series.Values[begin:end])
	return res, nil
}
