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
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	AtWeekBegin  = "@weekbegin"
	AtWeekEnd    = "@weekend"
	AtMonthBegin = "@monthbegin"
	AtMonthEnd   = "@monthend"
)

// maxIters bounds the number of candidate days Next inspects
const maxIters = 5000

// TradeCron is a market aware schedule of evaluation dates.
type TradeCron struct {
	Schedule       cron.Schedule
	ScheduleString string
	TimeSpec       string
	DateFlag       string
	calendar       *Calendar
}

// New parses a schedule in a day level subset of the CRON format:
// DayOfMonth(DoM) Month(M) DayOfWeek(DoW). Omitted trailing fields default
// to '*' and an empty spec selects every trading day. Candidate days the
// market is closed on are skipped.
//
// One market-aware modifier may be given anywhere in the spec:
//
//	@weekbegin  - first trading day of the week
//	@weekend    - last trading day of the week
//	@monthbegin - first trading day of the month
//	@monthend   - last trading day of the month
//
// Examples:
//   - every trading day: ""
//   - mondays: * * 1
//   - last trading day of each quarter: @monthend * 3,6,9,12
//   - the 15th when it is a trading day: 15
func New(spec string, cal *Calendar) (*TradeCron, error) {
	specParser := cron.NewParser(cron.Dom | cron.Month | cron.Dow)

	timeSpecTokens := make([]string, 0, 3)
	var dateFlag string
	for _, token := range strings.Fields(spec) {
		if token[0] != '@' {
			timeSpecTokens = append(timeSpecTokens, token)
			continue
		}

		switch token {
		case AtWeekBegin, AtWeekEnd, AtMonthBegin, AtMonthEnd:
			if dateFlag != "" {
				return nil, ErrConflictingModifiers
			}
			dateFlag = token
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownModifier, token)
		}
	}

	timeSpec, err := expandBriefFormat(timeSpecTokens)
	if err != nil {
		return nil, err
	}

	schedule, err := specParser.Parse("CRON_TZ=UTC " + timeSpec)
	if err != nil {
		log.Error().Err(err).Str("TimeSpec", timeSpec).Str("TradeCronSpec", spec).Msg("robfig/cron could not parse timespec")
		return nil, fmt.Errorf("%w: %v", ErrMalformedSpec, err)
	}

	if cal == nil {
		cal = NewCalendar()
	}

	return &TradeCron{
		Schedule:       schedule,
		ScheduleString: spec,
		TimeSpec:       timeSpec,
		DateFlag:       dateFlag,
		calendar:       cal,
	}, nil
}

// IsTradeDay returns true if the schedule selects the calendar day of forDate
func (tc *TradeCron) IsTradeDay(forDate time.Time) bool {
	d := DateOf(forDate)
	return tc.Next(d.AddDate(0, 0, -1)).Equal(d)
}

// Next returns the first scheduled date after the calendar day of forDate. The zero
// time is returned when nothing matches within the search horizon.
func (tc *TradeCron) Next(forDate time.Time) time.Time {
	cursor := DateOf(forDate).Add(24*time.Hour - time.Second)
	for ii := 0; ii < maxIters; ii++ {
		next := tc.Schedule.Next(cursor)
		if next.IsZero() {
			return next
		}
		if tc.matches(next) {
			return next
		}
		cursor = next
	}

	log.Warn().Str("TimeSpec", tc.TimeSpec).Str("DateFlag", tc.DateFlag).Time("From", forDate).Msg("schedule did not match any trading day")
	return time.Time{}
}

// Dates lists every scheduled date in [from, to], oldest first
func (tc *TradeCron) Dates(from, to time.Time) ([]time.Time, error) {
	from = DateOf(from)
	to = DateOf(to)
	if to.Before(from) {
		return nil, fmt.Errorf("%w: %s > %s", ErrInvalidRange, from.Format("2006-01-02"), to.Format("2006-01-02"))
	}

	dates := make([]time.Time, 0, 16)
	for next := tc.Next(from.AddDate(0, 0, -1)); !next.IsZero() && !next.After(to); next = tc.Next(next) {
		dates = append(dates, next)
	}
	return dates, nil
}

func (tc *TradeCron) matches(d time.Time) bool {
	if !tc.calendar.IsTradingDay(d) {
		return false
	}

	switch tc.DateFlag {
	case AtWeekBegin:
		return d.Equal(tc.calendar.FirstTradingDayOfWeek(d))
	case AtWeekEnd:
		return d.Equal(tc.calendar.LastTradingDayOfWeek(d))
	case AtMonthBegin:
		return d.Equal(tc.calendar.FirstTradingDayOfMonth(d))
	case AtMonthEnd:
		return d.Equal(tc.calendar.LastTradingDayOfMonth(d))
	default:
		return true
	}
}

// expandBriefFormat pads a timespec that has trailing fields omitted for brevity
func expandBriefFormat(tokens []string) (string, error) {
	if len(tokens) > 3 {
		return "", fmt.Errorf("%w: expected at most 3 fields, found %d: %v", ErrMalformedSpec, len(tokens), tokens)
	}

	for len(tokens) < 3 {
		tokens = append(tokens, "*")
	}
	return strings.Join(tokens, " "), nil
}
