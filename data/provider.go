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
	"time"
)

// Provider retrieves price history
type Provider interface {
	// History returns at most count observations of metric for symbol, oldest first, where
	// the newest observation is dated on or before asOf. A known symbol with no
	// observations before asOf yields an empty series; an unknown symbol yields ErrNotFound.
	History(ctx context.Context, symbol string, metric Metric, asOf time.Time, count int) (*Series, error)
}
