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
	"fmt"
	"strings"
	"time"

	"github.com/penny-vault/pvtree/data"
	"github.com/penny-vault/pvtree/observability/opentelemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Key identifies one indicator value. Use NewKey so equal requests produce equal keys.
type Key struct {
	Indicator Name
	Symbol    string
	Window    int
	AsOf      time.Time
}

// NewKey normalizes its arguments: symbols are upper cased, the as-of date is
// truncated to a calendar date and indicators that ignore their window get window 1
func NewKey(indicator Name, symbol string, window int, asOf time.Time) Key {
	if !indicator.Windowed() {
		window = 1
	}
	return Key{
		Indicator: indicator,
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		Window:    window,
		AsOf:      data.DateOf(asOf),
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%d:%s", k.Indicator, k.Symbol, k.Window, k.AsOf.Format("2006-01-02"))
}

// Provider supplies scalar indicator values. Failures are reported as *DataError.
type Provider interface {
	Get(ctx context.Context, key Key) (float64, error)
}

// HistoryProvider computes indicators from close prices served by a data.Provider
type HistoryProvider struct {
	store  data.Provider
	metric data.Metric
}

func NewHistoryProvider(store data.Provider, metric data.Metric) *HistoryProvider {
	return &HistoryProvider{
		store:  store,
		metric: metric,
	}
}

// Get implements Provider
func (p *HistoryProvider) Get(ctx context.Context, key Key) (float64, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "indicators.HistoryProvider.Get")
	defer span.End()

	span.SetAttributes(
		attribute.String("Indicator", string(key.Indicator)),
		attribute.String("Symbol", key.Symbol),
		attribute.Int("Window", key.Window),
	)

	fail := func(err error) (float64, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, &DataError{Key: key, Err: err}
	}

	if !key.Indicator.Valid() {
		return fail(fmt.Errorf("%w: %q", ErrUnknownIndicator, key.Indicator))
	}
	if key.Window < 1 {
		return fail(fmt.Errorf("%w: %d", ErrInvalidWindow, key.Window))
	}

	series, err := p.store.History(ctx, key.Symbol, p.metric, key.AsOf, key.Indicator.Lookback(key.Window))
	if err != nil {
		if !errors.Is(err, data.ErrNotFound) && ctx.Err() == nil {
			log.Warn().Err(err).Str("Key", key.String()).Msg("could not load price history")
		}
		return fail(err)
	}

	if need := key.Indicator.Bars(key.Window); series.Len() < need {
		return fail(fmt.Errorf("%w: %s has %d bars on or before %s, need %d", ErrInsufficientHistory,
			key.Symbol, series.Len(), key.AsOf.Format("2006-01-02"), need))
	}

	val, err := Compute(key.Indicator, series.Values, key.Window)
	if err != nil {
		return fail(err)
	}

	log.Trace().Str("Key", key.String()).Float64("Value", val).Msg("computed indicator")
	return val, nil
}
