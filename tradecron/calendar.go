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


package tradecron

import (
	"context"
	"time"

	"github.com/penny-vault/pvtree/data/database"
	"github.com/rs/zerolog/log"
)

// Calendar knows which dates the market is closed on. Dates are compared by
// calendar day in UTC, the convention used for as-of dates throughout pvtree.
type Calendar struct {
	holidays map[int64]struct{}
}

// NewCalendar returns a calendar whose only closures are weekends and the given holidays
func NewCalendar(holidays ...time.Time) *Calendar {
	cal := &Calendar{
		holidays: make(map[int64]struct{}, len(holidays)),
	}
	for _, dt := range holidays {
		cal.holidays[DateOf(dt).Unix()] = struct{}{}
	}
	return cal
}

// LoadCalendar reads full day closures from the market_holidays table. Early
// closes are trading days and are skipped.
func LoadCalendar(ctx context.Context, userID string) (*Calendar, error) {
	trx, err := database.TrxForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	rows, err := trx.Query(ctx, "SELECT event_date, early_close FROM market_holidays ORDER BY event_date ASC")
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not load market holidays")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	holidays := make([]time.Time, 0, 256)
	for rows.Next() {
		var dt time.Time
		var earlyClose bool
		if err := rows.Scan(&dt, &earlyClose); err != nil {
			rows.Close()
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		if !earlyClose {
			holidays = append(holidays, dt)
		}
	}
	rows.Close()

	if err := trx.Commit(ctx); err != nil {
		log.Error().Stack().Err(err).Msg("could not commit transaction")
	}

	log.Debug().Int("Holidays", len(holidays)).Msg("loaded market calendar")
	return NewCalendar(holidays...), nil
}

// DateOf truncates t to midnight UTC of its calendar day
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// IsHoliday returns true if the market is closed for a holiday on t
func (cal *Calendar) IsHoliday(t time.Time) bool {
	_, ok := cal.holidays[DateOf(t).Unix()]
	return ok
}

// IsTradingDay returns true if t is neither a weekend nor a holiday
func (cal *Calendar) IsTradingDay(t time.Time) bool {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	return !cal.IsHoliday(t)
}

// MostRecentTradingDay returns t if it is a trading day, otherwise the closest trading
// day before it
func (cal *Calendar) MostRecentTradingDay(t time.Time) time.Time {
	d := DateOf(t)
	for !cal.IsTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// FirstTradingDayOfWeek returns the first trading day of the Monday based week holding
// t, or the zero time if the market is closed all week
func (cal *Calendar) FirstTradingDayOfWeek(t time.Time) time.Time {
	monday := weekStart(t)
	return cal.scan(monday, monday.AddDate(0, 0, 4), 1)
}

// LastTradingDayOfWeek returns the last trading day of the week holding t
func (cal *Calendar) LastTradingDayOfWeek(t time.Time) time.Time {
	monday := weekStart(t)
	return cal.scan(monday.AddDate(0, 0, 4), monday, -1)
}

// FirstTradingDayOfMonth returns the first trading day of t's month
func (cal *Calendar) FirstTradingDayOfMonth(t time.Time) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return cal.scan(first, first.AddDate(0, 1, -1), 1)
}

// LastTradingDayOfMonth returns the last trading day of t's month
func (cal *Calendar) LastTradingDayOfMonth(t time.Time) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return cal.scan(first.AddDate(0, 1, -1), first, -1)
}

// scan walks from begin towards end one day at a time and returns the first trading day
func (cal *Calendar) scan(begin, end time.Time, step int) time.Time {
	for d := begin; (step > 0 && !d.After(end)) || (step < 0 && !d.Before(end)); d = d.AddDate(0, 0, step) {
		if cal.IsTradingDay(d) {
			return d
		}
	}
	return time.Time{}
}

func weekStart(t time.Time) time.Time {
	d := DateOf(t)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}
