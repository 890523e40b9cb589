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
	"time"

	"github.com/penny-vault/pvtree/allocation"
	"github.com/penny-vault/pvtree/document"
	"github.com/penny-vault/pvtree/indicators"
)

// Score is a filter candidate's indicator value
type Score struct {
	Symbol string  `json:"symbol"`
	Value  float64 `json:"value"`
}

// Justification records why a conditional or filter resolved the way it did
type Justification struct {
	NodeID document.NodeID `json:"nodeId"`
	Path   string          `json:"path"`
	Kind   string          `json:"kind"`
	Budget float64         `json:"budget"`

	// conditionals
	Condition  string   `json:"condition,omitempty"`
	LeftValue  *float64 `json:"leftValue,omitempty"`
	RightValue *float64 `json:"rightValue,omitempty"`
	Taken      string   `json:"taken,omitempty"`

	// filters
	Scores   []Score  `json:"scores,omitempty"`
	Selected []string `json:"selected,omitempty"`
}

// Result is the outcome of one evaluation pass
type Result struct {
	PassID         string                `json:"passId"`
	AsOf           time.Time             `json:"asOf"`
	Digest         string                `json:"digest"`
	Allocation     allocation.Allocation `json:"allocation"`
	Raw            allocation.Allocation `json:"raw"`
	Justifications []Justification       `json:"justifications"`
	Warnings       []document.Issue      `json:"warnings,omitempty"`
	Stats          indicators.CacheStats `json:"stats"`
	Duration       time.Duration         `json:"duration"`
}
