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
	"strings"
	"time"

	"github.com/penny-vault/pvtree/data/database"
	"github.com/penny-vault/pvtree/observability/opentelemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// PvDb reads price history from the eod table in PostgreSQL
type PvDb struct {
	user string
}

// NewPvDb Create a new PVDB data provider
func NewPvDb() *PvDb {
	return &PvDb{
		user: "pvuser",
	}
}

func metricColumn(metric Metric) (string, error) {
	switch metric {
	case MetricClose:
		return "close", nil
	case MetricAdjustedClose:
		return "adj_close", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMetric, metric)
	}
}

// History implements Provider. The eod table has no security master so a symbol without
// rows on or before asOf is reported as ErrNotFound.
func (p *PvDb) History(ctx context.Context, symbol string, metric Metric, asOf time.Time, count int) (*Series, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "pvdb.History")
	defer span.End()

	symbol = strings.ToUpper(symbol)
	asOf = DateOf(asOf)
	span.SetAttributes(
		attribute.String("Symbol", symbol),
		attribute.String("Metric", string(metric)),
		attribute.Int("Count", count),
	)

	subLog := log.With().Str("Symbol", symbol).Str("Metric", string(metric)).Time("AsOf", asOf).Int("Count", count).Logger()

	if count < 1 {
		return nil, ErrInvalidCount
	}

	column, err := metricColumn(metric)
	if err != nil {
		return nil, err
	}

	trx, err := database.TrxForUser(ctx, p.user)
	if err != nil {
		span.RecordError(err)
		msg := "failed to load eod prices -- could not get a database transaction"
		span.SetStatus(codes.Error, msg)
		subLog.Warn().Stack().Err(err).Msg(msg)
		return nil, err
	}

	sql := fmt.Sprintf("SELECT event_date, %[1]s FROM eod WHERE ticker=$1 AND event_date <= $2 AND %[1]s IS NOT NULL ORDER BY event_date DESC LIMIT $3", column)
	rows, err := trx.Query(ctx, sql, symbol, asOf, count)
	if err != nil {
		span.RecordError(err)
		msg := "failed to load eod prices -- db query failed"
		span.SetStatus(codes.Error, msg)
		subLog.Warn().Stack().Err(err).Str("SQL", sql).Msg(msg)
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	// rows arrive newest first
	dates := make([]time.Time, 0, count)
	vals := make([]float64, 0, count)
	for rows.Next() {
		var eventDate time.Time
		var val float64
		if err := rows.Scan(&eventDate, &val); err != nil {
			rows.Close()
			subLog.Error().Stack().Err(err).Msg("failed to load eod prices -- db query scan failed")
			if err := trx.Rollback(ctx); err != nil {
				subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		dates = append(dates, DateOf(eventDate))
		vals = append(vals, val)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		subLog.Error().Stack().Err(err).Msg("failed to load eod prices -- row iteration failed")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	if err := trx.Commit(ctx); err != nil {
		subLog.Warn().Stack().Err(err).Msg("could not commit transaction")
	}

	if len(vals) == 0 {
		span.SetStatus(codes.Error, "no eod prices found")
		return nil, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}

	for ii, jj := 0, len(vals)-1; ii < jj; ii, jj = ii+1, jj-1 {
		dates[ii], dates[jj] = dates[jj], dates[ii]
		vals[ii], vals[jj] = vals[jj], vals[ii]
	}

	return &Series{
		Symbol: symbol,
		Metric: metric,
		Dates:  dates,
		Values: vals,
	}, nil
}
