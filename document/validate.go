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
	"fmt"
	"math"
)

type Severity int

const (
	SeverityError Severity = iota + 1
	SeverityWarning
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return "unknown"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IssueCode categorizes validation issues
type IssueCode string

const (
	IssueMalformedNode        IssueCode = "malformed-node"
	IssueEmptyComposite       IssueCode = "empty-composite"
	IssueEmptyCandidates      IssueCode = "empty-candidates"
	IssueInvalidCandidate     IssueCode = "invalid-candidate"
	IssueNonPositiveK         IssueCode = "non-positive-k"
	IssueKExceedsCandidates   IssueCode = "k-exceeds-candidates" // warning
	IssueNegativeFraction     IssueCode = "negative-fraction"
	IssueInvalidFraction      IssueCode = "invalid-fraction"
	IssueZeroFractionSum      IssueCode = "zero-fraction-sum"
	IssueFractionSum          IssueCode = "fraction-sum" // warning
	IssueFractionMismatch     IssueCode = "fraction-mismatch"
	IssueCycle                IssueCode = "cycle"
	IssueDanglingReference    IssueCode = "dangling-reference"
	IssueMissingSymbol        IssueCode = "missing-symbol"
	IssueNonPositiveWindow    IssueCode = "non-positive-window"
	IssueUnknownIndicator     IssueCode = "unknown-indicator"
	IssueIncompatibleOperands IssueCode = "incompatible-operands"
	IssueInvalidConstant      IssueCode = "invalid-constant"
	IssueAllocationSum        IssueCode = "allocation-sum"
)

// FractionTolerance is how far WeightSpecified fractions may sum from 1 before a
// warning is raised; fractions are always renormalized by their sum
const FractionTolerance = 1e-6

type Issue struct {
	NodeID   NodeID    `json:"nodeId"`
	Path     string    `json:"path"`
	Code     IssueCode `json:"code"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s [%s]: %s", i.Severity, i.Path, i.Code, i.Message)
}

// Errors returns the error severity issues
func Errors(issues []Issue) []Issue {
	var res []Issue
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			res = append(res, issue)
		}
	}
	return res
}

func Warnings(issues []Issue) []Issue {
	var res []Issue
	for _, issue := range issues {
		if issue.Severity == SeverityWarning {
			res = append(res, issue)
		}
	}
	return res
}

type validator struct {
	doc    *Document
	issues []Issue
}

func (v *validator) report(node *Node, code IssueCode, severity Severity, format string, args ...interface{}) {
	v.issues = append(v.issues, Issue{
		NodeID:   node.ID,
		Path:     node.Path,
		Code:     code,
		Severity: severity,
		Message:  fmt.Sprintf(format, args...),
	})
}

// Validate checks the structural invariants of doc and returns every issue found in
// depth-first order. Nodes reachable from more than one parent are checked once.
func Validate(doc *Document) []Issue {
	v := &validator{doc: doc}

	root, ok := doc.Node(doc.Root)
	if !ok {
		v.issues = append(v.issues, Issue{NodeID: doc.Root, Path: "root", Code: IssueDanglingReference,
			Severity: SeverityError, Message: "document has no root node"})
		return v.issues
	}

	const (
		white = iota
		gray
		black
	)
	color := make([]uint8, len(doc.Nodes))

	type frame struct {
		id   NodeID
		next int
	}
	stack := []frame{{id: root.ID}}
	color[root.ID] = gray
	v.check(root)

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		node := &doc.Nodes[top.id]
		edges := outgoing(node)

		if top.next >= len(edges) {
			color[top.id] = black
			stack = stack[:len(stack)-1]
			continue
		}

		childID := edges[top.next]
		top.next++

		child, ok := doc.Node(childID)
		if !ok {
			v.report(node, IssueDanglingReference, SeverityError, "references missing node %d", childID)
			continue
		}

		switch color[childID] {
		case gray:
			v.report(node, IssueCycle, SeverityError, "node %d at %s is its own ancestor", childID, child.Path)
		case white:
			color[childID] = gray
			v.check(child)
			stack = append(stack, frame{id: childID})
		}
	}

	return v.issues
}

func outgoing(node *Node) []NodeID {
	if node.Kind == KindConditional && node.Condition != nil {
		return []NodeID{node.Condition.Then, node.Condition.Else}
	}
	return node.Children
}

func (v *validator) check(node *Node) {
	switch node.Kind {
	case KindAsset:
		if node.Symbol == "" {
			v.report(node, IssueMissingSymbol, SeverityError, "asset has no symbol")
		}
	case KindGroup, KindWeightEqual:
		if len(node.Children) == 0 {
			v.report(node, IssueEmptyComposite, SeverityError, "%s has no children", node.Kind)
		}
	case KindWeightSpecified:
		v.checkFractions(node)
	case KindConditional:
		v.checkCondition(node)
	case KindFilter:
		v.checkFilter(node)
	default:
		v.report(node, IssueMalformedNode, SeverityError, "node has no kind")
	}
}

func (v *validator) checkFractions(node *Node) {
	if len(node.Children) == 0 {
		v.report(node, IssueEmptyComposite, SeverityError, "%s has no children", node.Kind)
		return
	}
	if len(node.Fractions) != len(node.Children) {
		v.report(node, IssueFractionMismatch, SeverityError, "%d fractions for %d children",
			len(node.Fractions), len(node.Children))
		return
	}

	sum := 0.0
	valid := true
	for idx, fraction := range node.Fractions {
		switch {
		case math.IsNaN(fraction) || math.IsInf(fraction, 0):
			v.report(node, IssueInvalidFraction, SeverityError, "fraction %d is not a finite number", idx)
			valid = false
		case fraction < 0:
			v.report(node, IssueNegativeFraction, SeverityError, "fraction %d is negative (%g)", idx, fraction)
			valid = false
		default:
			sum += fraction
		}
	}
	if !valid {
		return
	}

	if sum <= 0 {
		v.report(node, IssueZeroFractionSum, SeverityError, "fractions sum to zero")
		return
	}
	if math.Abs(sum-1) > FractionTolerance {
		v.report(node, IssueFractionSum, SeverityWarning, "fractions sum to %g and will be renormalized", sum)
	}
}

func (v *validator) checkOperand(node *Node, side string, op Operand) {
	if op.IsConstant() {
		if math.IsNaN(op.Value) || math.IsInf(op.Value, 0) {
			v.report(node, IssueInvalidConstant, SeverityError, "%s constant is not a finite number", side)
		}
		return
	}
	if !op.Indicator.Valid() {
		v.report(node, IssueUnknownIndicator, SeverityError, "%s uses unknown indicator %q", side, op.Indicator)
		return
	}
	if op.Symbol == "" {
		v.report(node, IssueMissingSymbol, SeverityError, "%s has no symbol", side)
	}
	if op.Indicator.Windowed() && op.Window < 1 {
		v.report(node, IssueNonPositiveWindow, SeverityError, "%s window must be at least 1, got %d", side, op.Window)
	}
}

func (v *validator) checkCondition(node *Node) {
	cond := node.Condition
	if cond == nil {
		v.report(node, IssueMalformedNode, SeverityError, "conditional has no condition")
		return
	}
	if cond.Comparator.String() == "?" {
		v.report(node, IssueMalformedNode, SeverityError, "conditional has no comparator")
	}

	v.checkOperand(node, "lhs", cond.Left)
	v.checkOperand(node, "rhs", cond.Right)

	left, right := cond.Left, cond.Right
	if !left.IsConstant() && !right.IsConstant() && left.Indicator.Valid() && right.Indicator.Valid() &&
		left.Indicator.Unit() != right.Indicator.Unit() {
		v.report(node, IssueIncompatibleOperands, SeverityError, "cannot compare %s (%s) with %s (%s)",
			left, left.Indicator.Unit(), right, right.Indicator.Unit())
	}
}

func (v *validator) checkFilter(node *Node) {
	sel := node.Selection
	if sel == nil {
		v.report(node, IssueMalformedNode, SeverityError, "filter has no selection")
		return
	}

	if !sel.Indicator.Valid() {
		v.report(node, IssueUnknownIndicator, SeverityError, "filter sorts by unknown indicator %q", sel.Indicator)
	} else if sel.Indicator.Windowed() && sel.Window < 1 {
		v.report(node, IssueNonPositiveWindow, SeverityError, "filter window must be at least 1, got %d", sel.Window)
	}
	if sel.Rule != Top && sel.Rule != Bottom {
		v.report(node, IssueMalformedNode, SeverityError, "filter has no selection rule")
	}

	count := len(node.Children)
	switch {
	case sel.K < 1:
		v.report(node, IssueNonPositiveK, SeverityError, "k must be at least 1, got %d", sel.K)
	case count > 0 && sel.K > count:
		v.report(node, IssueKExceedsCandidates, SeverityWarning, "k is %d but there are only %d candidates", sel.K, count)
	}
	if count == 0 {
		v.report(node, IssueEmptyCandidates, SeverityError, "filter has no candidates")
	}

	for _, childID := range node.Children {
		if child, ok := v.doc.Node(childID); ok && child.Kind != KindAsset {
			v.report(node, IssueInvalidCandidate, SeverityError, "candidate %s is a %s, not an asset", child.Path, child.Kind)
		}
	}
}

// ComparisonErrorFor builds the ComparisonError for an incompatible-operands issue
func ComparisonErrorFor(doc *Document, issue Issue) *ComparisonError {
	node, ok := doc.Node(issue.NodeID)
	if !ok || node.Condition == nil {
		return nil
	}
	return &ComparisonError{
		NodeID: node.ID,
		Path:   node.Path,
		Left:   node.Condition.Left,
		Right:  node.Condition.Right,
	}
}
