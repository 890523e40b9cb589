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
	"errors"
	"fmt"

	"github.com/penny-vault/pvtree/data"
)

var (
	ErrInsufficientHistory = errors.New("insufficient history")
	ErrUnknownSymbol       = data.ErrNotFound
	ErrNonFinite           = errors.New("indicator value is not finite")
	ErrNonPositiveBase     = errors.New("non-positive base price")
	ErrUnknownIndicator    = errors.New("unknown indicator")
	ErrInvalidWindow       = errors.New("window must be a positive number of periods")
)

// DataError reports that the value for Key could not be supplied
type DataError struct {
	Key Key
	Err error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("indicator %s: %v", e.Key, e.Err)
}

func (e *DataError) Unwrap() error {
	return e.Err
}
