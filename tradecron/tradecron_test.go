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


package tradecron_test

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pashagolub/pgxmock"

	"github.com/penny-vault/pvtree/data/database"
	"github.com/penny-vault/pvtree/tradecron"
)

func day(year int, month time.Month, dayOfMonth int) time.Time {
	return time.Date(year, month, dayOfMonth, 0, 0, 0, 0, time.UTC)
}

// holidays2023 are the full day NYSE closures of 2023
var holidays2023 = []time.Time{
	day(2023, 1, 2), day(2023, 1, 16), day(2023, 2, 20), day(2023, 4, 7), day(2023, 5, 29),
	day(2023, 6, 19), day(2023, 7, 4), day(2023, 9, 4), day(2023, 11, 23), day(2023, 12, 25),
}

var _ = Describe("Calendar", func() {
	var cal *tradecron.Calendar

	BeforeEach(func() {
		cal = tradecron.NewCalendar(holidays2023...)
	})

	It("closes on weekends and holidays", func() {
		Expect(cal.IsTradingDay(day(2023, 1, 3))).To(BeTrue())
		Expect(cal.IsTradingDay(day(2023, 1, 7))).To(BeFalse())
		Expect(cal.IsTradingDay(day(2023, 1, 16))).To(BeFalse())
		Expect(cal.IsHoliday(time.Date(2023, 7, 4, 15, 30, 0, 0, time.UTC))).To(BeTrue())
	})

	It("finds the first and last trading days of weeks and months", func() {
		Expect(cal.FirstTradingDayOfWeek(day(2023, 1, 4))).To(Equal(day(2023, 1, 3)))
		Expect(cal.LastTradingDayOfWeek(day(2023, 4, 3))).To(Equal(day(2023, 4, 6)))
		Expect(cal.LastTradingDayOfWeek(day(2023, 4, 9))).To(Equal(day(2023, 4, 6)))
		Expect(cal.FirstTradingDayOfMonth(day(2023, 1, 20))).To(Equal(day(2023, 1, 3)))
		Expect(cal.LastTradingDayOfMonth(day(2023, 9, 1))).To(Equal(day(2023, 9, 29)))
	})

	It("steps back to the most recent trading day", func() {
		Expect(cal.MostRecentTradingDay(day(2023, 1, 16))).To(Equal(day(2023, 1, 13)))
		Expect(cal.MostRecentTradingDay(day(2023, 1, 17))).To(Equal(day(2023, 1, 17)))
	})

	It("returns the zero time when the market is closed all week", func() {
		closed := tradecron.NewCalendar(day(2023, 1, 9), day(2023, 1, 10), day(2023, 1, 11), day(2023, 1, 12), day(2023, 1, 13))
		Expect(closed.FirstTradingDayOfWeek(day(2023, 1, 11)).IsZero()).To(BeTrue())
	})

	Context("when loading from the database", func() {
		var dbPool pgxmock.PgxConnIface

		BeforeEach(func() {
			var err error
			dbPool, err = pgxmock.NewConn()
			Expect(err).To(BeNil())
			database.SetPool(dbPool)
		})

		It("skips early closes", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectExec("SET ROLE").WillReturnResult(pgconn.CommandTag("SET ROLE"))
			dbPool.ExpectQuery("SELECT event_date, early_close FROM market_holidays").WillReturnRows(
				pgxmock.NewRows([]string{"event_date", "early_close"}).
					AddRow(day(2023, 7, 3), true).
					AddRow(day(2023, 7, 4), false))
			dbPool.ExpectCommit()

			loaded, err := tradecron.LoadCalendar(context.Background(), "pvuser")
			Expect(err).To(BeNil())
			Expect(loaded.IsTradingDay(day(2023, 7, 3))).To(BeTrue())
			Expect(loaded.IsTradingDay(day(2023, 7, 4))).To(BeFalse())
			Expect(dbPool.ExpectationsWereMet()).To(Succeed())
		})

		It("rolls back when the query fails", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectExec("SET ROLE").WillReturnResult(pgconn.CommandTag("SET ROLE"))
			dbPool.ExpectQuery("SELECT event_date, early_close FROM market_holidays").WillReturnError(errors.New("relation does not exist"))
			dbPool.ExpectRollback()

			_, err := tradecron.LoadCalendar(context.Background(), "pvuser")
			Expect(err).To(HaveOccurred())
			Expect(dbPool.ExpectationsWereMet()).To(Succeed())
		})
	})
})

var _ = Describe("Tradecron", func() {
	var cal *tradecron.Calendar

	BeforeEach(func() {
		cal = tradecron.NewCalendar(holidays2023...)
	})

	DescribeTable("when parsing tradecron spec",
		func(spec string, expectedTimeSpec string, expectedDateFlag string, expectedError error) {
			tc, err := tradecron.New(spec, cal)
			if expectedError == nil {
				Expect(err).To(BeNil())
				Expect(tc.ScheduleString).To(Equal(spec))
				Expect(tc.TimeSpec).To(Equal(expectedTimeSpec))
				Expect(tc.DateFlag).To(Equal(expectedDateFlag))
			} else {
				Expect(err).To(MatchError(expectedError))
			}
		},
		Entry("every trading day", "", "* * *", "", nil),
		Entry("brief form", "15", "15 * *", "", nil),
		Entry("leading and trailing whitespace", "  * * 1 ", "* * 1", "", nil),
		Entry("month end", "@monthend", "* * *", "@monthend", nil),
		Entry("quarter end", "@monthend * 3,6,9,12", "* 3,6,9,12 *", "@monthend", nil),
		Entry("modifier after fields", "* * 1-5 @weekbegin", "* * 1-5", "@weekbegin", nil),
		Entry("too many fields", "* * * *", "", "", tradecron.ErrMalformedSpec),
		Entry("day of month out of range", "32", "", "", tradecron.ErrMalformedSpec),
		Entry("invalid characters", "$ * *", "", "", tradecron.ErrMalformedSpec),
		Entry("both @weekbegin @weekend", "@weekbegin @weekend", "", "", tradecron.ErrConflictingModifiers),
		Entry("both @monthbegin @monthend", "@monthbegin @monthend", "", "", tradecron.ErrConflictingModifiers),
		Entry("intraday modifier", "@open", "", "", tradecron.ErrUnknownModifier),
	)

	DescribeTable("when listing dates",
		func(spec string, from, to time.Time, expected []time.Time) {
			tc, err := tradecron.New(spec, cal)
			Expect(err).To(BeNil())
			dates, err := tc.Dates(from, to)
			Expect(err).To(BeNil())
			Expect(dates).To(HaveLen(len(expected)))
			for ii := range expected {
				Expect(dates[ii]).To(BeTemporally("==", expected[ii]))
			}
		},
		Entry("every trading day across a holiday", "", day(2023, 1, 13), day(2023, 1, 18),
			[]time.Time{day(2023, 1, 13), day(2023, 1, 17), day(2023, 1, 18)}),
		Entry("month end", "@monthend", day(2023, 1, 1), day(2023, 4, 30),
			[]time.Time{day(2023, 1, 31), day(2023, 2, 28), day(2023, 3, 31), day(2023, 4, 28)}),
		Entry("month begin after new year", "@monthbegin", day(2023, 1, 1), day(2023, 3, 15),
			[]time.Time{day(2023, 1, 3), day(2023, 2, 1), day(2023, 3, 1)}),
		Entry("week end before good friday", "@weekend", day(2023, 4, 3), day(2023, 4, 16),
			[]time.Time{day(2023, 4, 6), day(2023, 4, 14)}),
		Entry("week begin after monday holidays", "@weekbegin", day(2023, 1, 2), day(2023, 1, 20),
			[]time.Time{day(2023, 1, 3), day(2023, 1, 9), day(2023, 1, 17)}),
		Entry("quarter end", "@monthend * 3,6,9,12", day(2023, 1, 1), day(2023, 12, 31),
			[]time.Time{day(2023, 3, 31), day(2023, 6, 30), day(2023, 9, 29), day(2023, 12, 29)}),
		Entry("fixed day of month skips closures", "15", day(2023, 1, 1), day(2023, 4, 30),
			[]time.Time{day(2023, 2, 15), day(2023, 3, 15)}),
		Entry("mondays", "* * 1", day(2023, 1, 9), day(2023, 1, 23),
			[]time.Time{day(2023, 1, 9), day(2023, 1, 23)}),
		Entry("single day range", "", day(2023, 1, 17), day(2023, 1, 17),
			[]time.Time{day(2023, 1, 17)}),
	)

	It("rejects a range that ends before it begins", func() {
		tc, err := tradecron.New("", cal)
		Expect(err).To(BeNil())
		_, err = tc.Dates(day(2023, 2, 1), day(2023, 1, 1))
		Expect(err).To(MatchError(tradecron.ErrInvalidRange))
	})

	DescribeTable("when evaluating IsTradeDay",
		func(spec string, given time.Time, expected bool) {
			tc, err := tradecron.New(spec, cal)
			Expect(err).To(BeNil())
			Expect(tc.IsTradeDay(given)).To(Equal(expected))
		},
		Entry("saturday", "", day(2023, 1, 7), false),
		Entry("holiday", "", day(2023, 7, 4), false),
		Entry("intraday time on a trading day", "", time.Date(2023, 7, 5, 13, 0, 0, 0, time.UTC), true),
		Entry("month end, date given not month end", "@monthend", day(2023, 6, 29), false),
		Entry("month end, date given is month end", "@monthend", day(2023, 6, 30), true),
		Entry("week begin, date given is week begin (holiday)", "@weekbegin", day(2023, 9, 5), true),
		Entry("week begin, date given is not week begin", "@weekbegin", day(2023, 9, 6), false),
	)

	It("uses a weekends only calendar when none is given", func() {
		tc, err := tradecron.New("", nil)
		Expect(err).To(BeNil())
		Expect(tc.IsTradeDay(day(2023, 1, 2))).To(BeTrue())
		Expect(tc.Next(day(2023, 1, 6))).To(BeTemporally("==", day(2023, 1, 9)))
	})
})
