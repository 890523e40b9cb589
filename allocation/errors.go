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

package allocation

import "errors"

var (
	ErrEmptyAllocation   = errors.New("allocation is empty")
	ErrInvalidWeight     = errors.New("weight must be a finite non-negative number")
	ErrOutsideRepairBand = errors.New("allocation total is outside the repair band")
	ErrInvalidPrecision  = errors.New("precision must be between 1 and 15 decimals")
)
