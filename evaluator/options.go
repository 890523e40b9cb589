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

package evaluator

import (
	"fmt"
	"strings"
	"time"

	"github.com/penny-vault/pvtree/allocation"
)

// OverflowPolicy decides what happens when a filter asks for more assets than it has
// candidates
type OverflowPolicy int

const (
	// Clamp selects every candidate
	Clamp OverflowPolicy = iota
	// Fail rejects the document before evaluation
	Fail
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "clamp":
		return Clamp, nil
	case "fail":
		return Fail, nil
	default:
		return Clamp, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

func (p OverflowPolicy) String() string {
	if p == Fail {
		return "fail"
	}
	return "clamp"
}

type Options struct {
	// Workers is the number of goroutines expanding nodes; 1 evaluates sequentially
	Workers int

	// Timeout bounds a single pass; zero means no deadline beyond the caller's context
	Timeout time.Duration

	FilterOverflow OverflowPolicy
	Normalizer     allocation.Options
}

func DefaultOptions() Options {
	return Options{
		Workers:        1,
		Timeout:        time.Minute,
		FilterOverflow: Clamp,
		Normalizer:     allocation.DefaultOptions(),
	}
}
