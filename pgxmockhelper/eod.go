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

package pgxmockhelper

import (
	"time"

	"github.com/jackc/pgconn"
	"github.com/pashagolub/pgxmock"
)

// EodRecord is a single row of the eod table for one price column
type EodRecord struct {
	Date  time.Time
	Value float64
}

// Closes builds consecutive daily records starting at begin, skipping weekends
func Closes(begin time.Time, vals ...float64) []EodRecord {
	records := make([]EodRecord, 0, len(vals))
	dt := begin
	for _, val := range vals {
		for dt.Weekday() == time.Saturday || dt.Weekday() == time.Sunday {
			dt = dt.AddDate(0, 0, 1)
		}
		records = append(records, EodRecord{Date: dt, Value: val})
		dt = dt.AddDate(0, 0, 1)
	}
	return records
}

// Rows returns pgxmock rows for column newest first, the order the history query uses
func Rows(column string, records []EodRecord) *pgxmock.Rows {
	r := pgxmock.NewRows([]string{"event_date", column})
	for ii := len(records) - 1; ii >= 0; ii-- {
		r.AddRow(records[ii].Date, records[ii].Value)
	}
	return r
}

// MockHistoryQuery expects one role scoped transaction that selects column from eod
func MockHistoryQuery(db pgxmock.PgxConnIface, column string, records []EodRecord) {
	db.ExpectBegin()
	db.ExpectExec("SET ROLE").WillReturnResult(pgconn.CommandTag("SET ROLE"))
	db.ExpectQuery("SELECT event_date, " + column + " FROM eod").WillReturnRows(Rows(column, records))
	db.ExpectCommit()
}
