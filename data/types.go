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
	"fmt"
	"strings"
	"time"
)

// Metric is an end-of-day price field
type Metric string

const (
	MetricClose         Metric = "close"
	MetricAdjustedClose Metric = "adj_close"
)

// ParseMetric accepts the column name or its common spelling (e.g. AdjustedClose)
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "")) {
	case "close":
		return MetricClose, nil
	case "adjclose", "adjustedclose":
		return MetricAdjustedClose, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMetric, s)
	}
}

// Series is a date ordered (oldest first) run of observations of one metric for one
// symbol. Series handed out by providers may be shared and must not be modified.
type Series struct {
	Symbol string      `json:"symbol"`
	Metric Metric      `json:"metric"`
	Dates  []time.Time `json:"dates"`
	Values []float64   `json:"values"`
}

// Len returns the number of observations
func (s *Series) Len() int {
	return len(s.Values)
}

// Last returns the most recent observation; ok is false for an empty series
func (s *Series) Last() (date time.Time, val float64, ok bool) {
	if len(s.Values) == 0 {
		return time.Time{}, 0, false
	}
	idx := len(s.Values) - 1
	return s.Dates[idx], s.Values[idx], true
}

// DateOf truncates t to its calendar date in UTC; all history lookups compare dates
// rather than instants
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
