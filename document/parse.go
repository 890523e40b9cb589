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

package document

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/penny-vault/pvtree/indicators"
	"github.com/zeebo/blake3"
)

const CurrentVersion = 1

type wireDocument struct {
	Version     *int            `json:"version"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Root        json.RawMessage `json:"root"`
}

type wireNode struct {
	Step       string            `json:"step"`
	Symbol     string            `json:"symbol"`
	Name       string            `json:"name"`
	Children   []json.RawMessage `json:"children"`
	LHS        *wireOperand      `json:"lhs"`
	Comparator string            `json:"comparator"`
	RHS        *wireOperand      `json:"rhs"`
	Then       json.RawMessage   `json:"then"`
	Else       json.RawMessage   `json:"else"`
	Sort       *wireSort         `json:"sort"`
	Select     *wireSelect       `json:"select"`
}

type wireWeighted struct {
	Weight *float64        `json:"weight"`
	Node   json.RawMessage `json:"node"`
}

type wireOperand struct {
	Fn     string   `json:"fn"`
	Symbol string   `json:"symbol"`
	Window *int     `json:"window"`
	Value  *float64 `json:"value"`
}

type wireSort struct {
	Fn     string `json:"fn"`
	Window *int   `json:"window"`
}

type wireSelect struct {
	Rule string `json:"rule"`
	K    *int   `json:"k"`
}

// pending is a node whose id has been allocated but whose JSON is not decoded yet
type pending struct {
	raw       json.RawMessage
	id        NodeID
	path      string
	candidate bool
}

func absent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func missing(path, field string) error {
	return &ParseError{Path: path, Err: fmt.Errorf("%w: %s", ErrMissingField, field)}
}

func malformed(path string, err error) error {
	return &ParseError{Path: path, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
}

// Parse decodes a serialized strategy tree. The tree is walked with an explicit work
// stack, so nesting depth is limited only by memory.
func Parse(raw []byte) (*Document, error) {
	var wire wireDocument
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, malformed("document", err)
	}

	version := CurrentVersion
	if wire.Version != nil {
		version = *wire.Version
	}
	if version != CurrentVersion {
		return nil, &ParseError{Path: "version", Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)}
	}

	if absent(wire.Root) {
		return nil, missing("root", "root")
	}

	digest := blake3.Sum256(raw)
	doc := &Document{
		Version:     version,
		Name:        wire.Name,
		Description: wire.Description,
		Digest:      hex.EncodeToString(digest[:]),
		Root:        0,
		Nodes:       []Node{{ID: 0, Path: "root"}},
	}

	stack := []pending{{raw: wire.Root, id: 0, path: "root"}}
	alloc := func(raw json.RawMessage, path string, candidate bool) NodeID {
		id := NodeID(len(doc.Nodes))
		doc.Nodes = append(doc.Nodes, Node{ID: id, Path: path})
		stack = append(stack, pending{raw: raw, id: id, path: path, candidate: candidate})
		return id
	}

	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if absent(item.raw) {
			return nil, missing(item.path, "node")
		}

		var wn wireNode
		if err := json.Unmarshal(item.raw, &wn); err != nil {
			return nil, malformed(item.path, err)
		}

		node := Node{ID: item.id, Path: item.path, Name: wn.Name}
		switch wn.Step {
		case "asset":
			node.Kind = KindAsset
			node.Symbol = strings.ToUpper(strings.TrimSpace(wn.Symbol))
			if node.Symbol == "" {
				return nil, missing(item.path, "symbol")
			}
		case "group", "wt-equal":
			node.Kind = KindGroup
			if wn.Step == "wt-equal" {
				node.Kind = KindWeightEqual
			}
			node.Children = make([]NodeID, len(wn.Children))
			for idx, child := range wn.Children {
				node.Children[idx] = alloc(child, fmt.Sprintf("%s.children[%d]", item.path, idx), false)
			}
		case "wt-specified":
			node.Kind = KindWeightSpecified
			node.Children = make([]NodeID, len(wn.Children))
			node.Fractions = make([]float64, len(wn.Children))
			for idx, child := range wn.Children {
				path := fmt.Sprintf("%s.children[%d]", item.path, idx)
				var weighted wireWeighted
				if err := json.Unmarshal(child, &weighted); err != nil {
					return nil, malformed(path, err)
				}
				if weighted.Weight == nil {
					return nil, missing(path, "weight")
				}
				if absent(weighted.Node) {
					return nil, missing(path, "node")
				}
				node.Fractions[idx] = *weighted.Weight
				node.Children[idx] = alloc(weighted.Node, path+".node", false)
			}
		case "if":
			cond, err := parseCondition(item.path, &wn)
			if err != nil {
				return nil, err
			}
			node.Kind = KindConditional
			node.Condition = cond
			// else is pushed first so the then branch is decoded first
			cond.Then = NodeID(len(doc.Nodes))
			cond.Else = cond.Then + 1
			thenRaw, elseRaw := wn.Then, wn.Else
			doc.Nodes = append(doc.Nodes,
				Node{ID: cond.Then, Path: item.path + ".then"},
				Node{ID: cond.Else, Path: item.path + ".else"})
			stack = append(stack,
				pending{raw: elseRaw, id: cond.Else, path: item.path + ".else"},
				pending{raw: thenRaw, id: cond.Then, path: item.path + ".then"})
		case "filter":
			sel, err := parseSelection(item.path, &wn)
			if err != nil {
				return nil, err
			}
			node.Kind = KindFilter
			node.Selection = sel
			node.Children = make([]NodeID, len(wn.Children))
			for idx, child := range wn.Children {
				node.Children[idx] = alloc(child, fmt.Sprintf("%s.children[%d]", item.path, idx), true)
			}
		case "":
			return nil, missing(item.path, "step")
		default:
			return nil, &ParseError{Path: item.path, Err: fmt.Errorf("%w: %q", ErrUnknownNodeType, wn.Step)}
		}

		if item.candidate && node.Kind != KindAsset {
			return nil, &ParseError{Path: item.path, Err: fmt.Errorf("%w: got %s", ErrInvalidCandidate, node.Kind)}
		}

		doc.Nodes[item.id] = node
	}

	return doc, nil
}

func parseOperand(path string, wire *wireOperand) (Operand, error) {
	if wire == nil {
		return Operand{}, missing(path, "operand")
	}

	if wire.Fn == "" {
		if wire.Value == nil {
			return Operand{}, missing(path, "fn or value")
		}
		return Constant(*wire.Value), nil
	}

	name, err := indicators.ParseName(wire.Fn)
	if err != nil {
		return Operand{}, &ParseError{Path: path, Err: err}
	}

	symbol := strings.ToUpper(strings.TrimSpace(wire.Symbol))
	if symbol == "" {
		return Operand{}, missing(path, "symbol")
	}

	window, err := parseWindow(path, name, wire.Window)
	if err != nil {
		return Operand{}, err
	}

	return Operand{Indicator: name, Symbol: symbol, Window: window}, nil
}

func parseWindow(path string, name indicators.Name, window *int) (int, error) {
	if !name.Windowed() {
		return 1, nil
	}
	if window == nil {
		return 0, missing(path, "window")
	}
	return *window, nil
}

func parseCondition(path string, wn *wireNode) (*Condition, error) {
	left, err := parseOperand(path+".lhs", wn.LHS)
	if err != nil {
		return nil, err
	}
	right, err := parseOperand(path+".rhs", wn.RHS)
	if err != nil {
		return nil, err
	}

	if wn.Comparator == "" {
		return nil, missing(path, "comparator")
	}
	comparator, err := ParseComparator(wn.Comparator)
	if err != nil {
		return nil, malformed(path+".comparator", err)
	}

	if absent(wn.Then) {
		return nil, missing(path, "then")
	}
	if absent(wn.Else) {
		return nil, missing(path, "else")
	}

	return &Condition{
		Left:       left,
		Comparator: comparator,
		Right:      right,
		Then:       NoNode,
		Else:       NoNode,
	}, nil
}

func parseSelection(path string, wn *wireNode) (*Selection, error) {
	if wn.Sort == nil {
		return nil, missing(path, "sort")
	}
	if wn.Select == nil {
		return nil, missing(path, "select")
	}

	if wn.Sort.Fn == "" {
		return nil, missing(path+".sort", "fn")
	}
	name, err := indicators.ParseName(wn.Sort.Fn)
	if err != nil {
		return nil, &ParseError{Path: path + ".sort", Err: err}
	}
	window, err := parseWindow(path+".sort", name, wn.Sort.Window)
	if err != nil {
		return nil, err
	}

	if wn.Select.Rule == "" {
		return nil, missing(path+".select", "rule")
	}
	rule, err := ParseRule(wn.Select.Rule)
	if err != nil {
		return nil, malformed(path+".select.rule", err)
	}
	if wn.Select.K == nil {
		return nil, missing(path+".select", "k")
	}

	return &Selection{
		Indicator: name,
		Window:    window,
		Rule:      rule,
		K:         *wn.Select.K,
	}, nil
}
