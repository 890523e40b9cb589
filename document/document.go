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

// Package document holds the typed representation of a strategy tree. Nodes live in
// a flat table and refer to their children by index so documents of any depth can
// be walked without recursion.
package document

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/penny-vault/pvtree/indicators"
)

// NodeID indexes Document.Nodes
type NodeID int

const NoNode NodeID = -1

type Kind int

const (
	KindInvalid Kind = iota
	KindAsset
	KindGroup
	KindWeightEqual
	KindWeightSpecified
	KindConditional
	KindFilter
)

func (k Kind) String() string {
	switch k {
	case KindAsset:
		return "asset"
	case KindGroup:
		return "group"
	case KindWeightEqual:
		return "wt-equal"
	case KindWeightSpecified:
		return "wt-specified"
	case KindConditional:
		return "if"
	case KindFilter:
		return "filter"
	default:
		return "invalid"
	}
}

type Comparator int

const (
	LessThan Comparator = iota + 1
	LessOrEqual
	GreaterThan
	GreaterOrEqual
)

// ParseComparator accepts lt, lte, gt, gte and their symbolic forms
func ParseComparator(s string) (Comparator, error) {
	switch s {
	case "lt", "<":
		return LessThan, nil
	case "lte", "<=":
		return LessOrEqual, nil
	case "gt", ">":
		return GreaterThan, nil
	case "gte", ">=":
		return GreaterOrEqual, nil
	default:
		return 0, fmt.Errorf("unknown comparator %q", s)
	}
}

// Compare reports whether left <comparator> right holds
func (c Comparator) Compare(left, right float64) bool {
	switch c {
	case LessThan:
		return left < right
	case LessOrEqual:
		return left <= right
	case GreaterThan:
		return left > right
	case GreaterOrEqual:
		return left >= right
	default:
		return false
	}
}

func (c Comparator) String() string {
	switch c {
	case LessThan:
		return "<"
	case LessOrEqual:
		return "<="
	case GreaterThan:
		return ">"
	case GreaterOrEqual:
		return ">="
	default:
		return "?"
	}
}

// Rule is the ranking direction of a filter
type Rule int

const (
	Top Rule = iota + 1
	Bottom
)

func ParseRule(s string) (Rule, error) {
	switch s {
	case "top":
		return Top, nil
	case "bottom":
		return Bottom, nil
	default:
		return 0, fmt.Errorf("unknown selection rule %q", s)
	}
}

func (r Rule) String() string {
	switch r {
	case Top:
		return "top"
	case Bottom:
		return "bottom"
	default:
		return "?"
	}
}

// Operand is one side of a comparison: an indicator expression, or a numeric
// constant when Indicator is empty
type Operand struct {
	Value     float64         `json:"value,omitempty"`
	Indicator indicators.Name `json:"fn,omitempty"`
	Symbol    string          `json:"symbol,omitempty"`
	Window    int             `json:"window,omitempty"`
}

func Constant(val float64) Operand {
	return Operand{Value: val}
}

func (o Operand) IsConstant() bool {
	return o.Indicator == ""
}

func (o Operand) String() string {
	if o.IsConstant() {
		return strconv.FormatFloat(o.Value, 'g', -1, 64)
	}
	return fmt.Sprintf("%s(%s,%d)", o.Indicator, o.Symbol, o.Window)
}

type Condition struct {
	Left       Operand
	Comparator Comparator
	Right      Operand
	Then       NodeID
	Else       NodeID
}

// Selection ranks filter candidates by Indicator over Window and keeps K of them
type Selection struct {
	Indicator indicators.Name
	Window    int
	Rule      Rule
	K         int
}

// Node is one entry of the node table. Which fields are meaningful depends on Kind:
// Symbol for assets; Children for groups, weightings and filters; Fractions (one
// per child) for WeightSpecified; Condition for conditionals; Selection for filters.
type Node struct {
	ID        NodeID
	Kind      Kind
	Path      string
	Symbol    string
	Name      string
	Children  []NodeID
	Fractions []float64
	Condition *Condition
	Selection *Selection
}

// Document is an immutable strategy tree
type Document struct {
	Version     int
	Name        string
	Description string
	Digest      string
	Root        NodeID
	Nodes       []Node
}

// Node returns the node with the given id
func (d *Document) Node(id NodeID) (*Node, bool) {
	if id < 0 || int(id) >= len(d.Nodes) {
		return nil, false
	}
	return &d.Nodes[id], true
}

// Symbols returns the sorted set of asset symbols appearing anywhere in the document
func (d *Document) Symbols() []string {
	seen := make(map[string]struct{})
	for idx := range d.Nodes {
		if d.Nodes[idx].Kind == KindAsset {
			seen[d.Nodes[idx].Symbol] = struct{}{}
		}
	}

	symbols := make([]string, 0, len(seen))
	for symbol := range seen {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}
