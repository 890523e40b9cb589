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
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/penny-vault/pvtree/allocation"
	"github.com/penny-vault/pvtree/document"
	"github.com/penny-vault/pvtree/indicators"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// task is a node waiting to be expanded with the share of the portfolio it allocates
type task struct {
	id     document.NodeID
	budget float64
}

type expansion struct {
	children  []task
	positions []allocation.Position
}

// pass is the state of one evaluation; it is discarded when the pass ends
type pass struct {
	doc     *document.Document
	asOf    time.Time
	cache   *indicators.Cache
	workers int
	log     zerolog.Logger

	locker         sync.Mutex
	justifications []Justification
}

func (p *pass) runSequential(ctx context.Context) ([]allocation.Position, error) {
	var positions []allocation.Position
	stack := []task{{id: p.doc.Root, budget: 1}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("evaluation cancelled: %w", err)
		}

		t := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		out, err := p.expand(ctx, t)
		if err != nil {
			return nil, err
		}
		positions = append(positions, out.positions...)

		// push in reverse so children are expanded in declared order
		for idx := len(out.children) - 1; idx >= 0; idx-- {
			stack = append(stack, out.children[idx])
		}
	}

	return positions, nil
}

// runParallel expands the tree one level at a time, each level on a bounded pool
func (p *pass) runParallel(ctx context.Context) ([]allocation.Position, error) {
	var positions []allocation.Position
	frontier := []task{{id: p.doc.Root, budget: 1}}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("evaluation cancelled: %w", err)
		}

		outs := make([]expansion, len(frontier))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.workers)
		for idx, t := range frontier {
			idx, t := idx, t
			g.Go(func() error {
				out, err := p.expand(gctx, t)
				outs[idx] = out
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		var next []task
		for _, out := range outs {
			positions = append(positions, out.positions...)
			next = append(next, out.children...)
		}
		frontier = next
	}

	return positions, nil
}

func (p *pass) node(id document.NodeID) (*document.Node, error) {
	node, ok := p.doc.Node(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrMissingNode, id)
	}
	return node, nil
}

// expand resolves one node: assets become positions, composites hand their budget
// to the children that apply
func (p *pass) expand(ctx context.Context, t task) (expansion, error) {
	node, err := p.node(t.id)
	if err != nil {
		return expansion{}, err
	}

	switch node.Kind {
	case document.KindAsset:
		return expansion{positions: []allocation.Position{{Symbol: node.Symbol, Weight: t.budget}}}, nil
	case document.KindGroup:
		if len(node.Children) == 1 {
			return expansion{children: []task{{id: node.Children[0], budget: t.budget}}}, nil
		}
		return p.equal(node, t.budget)
	case document.KindWeightEqual:
		return p.equal(node, t.budget)
	case document.KindWeightSpecified:
		return p.specified(node, t.budget)
	case document.KindConditional:
		return p.conditional(ctx, node, t.budget)
	case document.KindFilter:
		return p.filter(ctx, node, t.budget)
	default:
		return expansion{}, fmt.Errorf("%w: %s at %s", ErrUnhandledKind, node.Kind, node.Path)
	}
}

func invalid(node *document.Node, code document.IssueCode, msg string) error {
	return &document.ValidationError{
		Issues: []document.Issue{{
			NodeID:   node.ID,
			Path:     node.Path,
			Code:     code,
			Severity: document.SeverityError,
			Message:  msg,
		}},
		Err: document.ErrInvalid,
	}
}

// split hands out shares of budget; children with no share are skipped
func split(children []document.NodeID, shares []float64) expansion {
	out := expansion{children: make([]task, 0, len(children))}
	for idx, child := range children {
		if shares[idx] > 0 {
			out.children = append(out.children, task{id: child, budget: shares[idx]})
		}
	}
	return out
}

func (p *pass) equal(node *document.Node, budget float64) (expansion, error) {
	if len(node.Children) == 0 {
		return expansion{}, invalid(node, document.IssueEmptyComposite, fmt.Sprintf("%s has no children", node.Kind))
	}

	share := budget / float64(len(node.Children))
	shares := make([]float64, len(node.Children))
	for idx := range shares {
		shares[idx] = share
	}
	return split(node.Children, shares), nil
}

func (p *pass) specified(node *document.Node, budget float64) (expansion, error) {
	if len(node.Children) == 0 || len(node.Fractions) != len(node.Children) {
		return expansion{}, invalid(node, document.IssueFractionMismatch, "weights do not match children")
	}

	sum := 0.0
	for _, fraction := range node.Fractions {
		sum += fraction
	}
	if sum <= 0 {
		return expansion{}, invalid(node, document.IssueZeroFractionSum, "fractions sum to zero")
	}

	shares := make([]float64, len(node.Fractions))
	for idx, fraction := range node.Fractions {
		shares[idx] = budget * fraction / sum
	}
	return split(node.Children, shares), nil
}

// values fetches operand values through the pass cache, concurrently when the pass
// has more than one worker
func (p *pass) values(ctx context.Context, keys []indicators.Key) ([]float64, error) {
	vals := make([]float64, len(keys))
	if p.workers <= 1 || len(keys) < 2 {
		for idx, key := range keys {
			val, err := p.cache.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			vals[idx] = val
		}
		return vals, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for idx, key := range keys {
		idx, key := idx, key
		g.Go(func() error {
			val, err := p.cache.Get(gctx, key)
			vals[idx] = val
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vals, nil
}

func (p *pass) operands(ctx context.Context, cond *document.Condition) (float64, float64, error) {
	ops := []document.Operand{cond.Left, cond.Right}
	res := []float64{cond.Left.Value, cond.Right.Value}

	var keys []indicators.Key
	var slots []int
	for idx, op := range ops {
		if op.IsConstant() {
			continue
		}
		keys = append(keys, indicators.NewKey(op.Indicator, op.Symbol, op.Window, p.asOf))
		slots = append(slots, idx)
	}

	vals, err := p.values(ctx, keys)
	if err != nil {
		return 0, 0, err
	}
	for idx, slot := range slots {
		res[slot] = vals[idx]
	}
	return res[0], res[1], nil
}

func (p *pass) conditional(ctx context.Context, node *document.Node, budget float64) (expansion, error) {
	cond := node.Condition
	if cond == nil {
		return expansion{}, invalid(node, document.IssueMalformedNode, "conditional has no condition")
	}

	left, right, err := p.operands(ctx, cond)
	if err != nil {
		return expansion{}, fmt.Errorf("%s: %w", node.Path, err)
	}

	taken, branch := "else", cond.Else
	if cond.Comparator.Compare(left, right) {
		taken, branch = "then", cond.Then
	}

	expr := fmt.Sprintf("%s %s %s", cond.Left, cond.Comparator, cond.Right)
	p.log.Debug().Str("Path", node.Path).Str("Condition", expr).Float64("Left", left).
		Float64("Right", right).Str("Taken", taken).Msg("resolved conditional")

	p.justify(Justification{
		NodeID:     node.ID,
		Path:       node.Path,
		Kind:       node.Kind.String(),
		Budget:     budget,
		Condition:  expr,
		LeftValue:  &left,
		RightValue: &right,
		Taken:      taken,
	})

	return expansion{children: []task{{id: branch, budget: budget}}}, nil
}

func (p *pass) filter(ctx context.Context, node *document.Node, budget float64) (expansion, error) {
	sel := node.Selection
	if sel == nil {
		return expansion{}, invalid(node, document.IssueMalformedNode, "filter has no selection")
	}
	if len(node.Children) == 0 {
		return expansion{}, invalid(node, document.IssueEmptyCandidates, "filter has no candidates")
	}
	if sel.K < 1 {
		return expansion{}, invalid(node, document.IssueNonPositiveK, fmt.Sprintf("k must be at least 1, got %d", sel.K))
	}

	candidates := make([]*document.Node, len(node.Children))
	keys := make([]indicators.Key, len(node.Children))
	for idx, childID := range node.Children {
		child, err := p.node(childID)
		if err != nil {
			return expansion{}, err
		}
		if child.Kind != document.KindAsset {
			return expansion{}, invalid(node, document.IssueInvalidCandidate, fmt.Sprintf("candidate %s is not an asset", child.Path))
		}
		candidates[idx] = child
		keys[idx] = indicators.NewKey(sel.Indicator, child.Symbol, sel.Window, p.asOf)
	}

	vals, err := p.values(ctx, keys)
	if err != nil {
		return expansion{}, fmt.Errorf("%s: %w", node.Path, err)
	}

	order := make([]int, len(candidates))
	for idx := range order {
		order[idx] = idx
	}
	sort.SliceStable(order, func(i, j int) bool {
		if sel.Rule == document.Bottom {
			return vals[order[i]] < vals[order[j]]
		}
		return vals[order[i]] > vals[order[j]]
	})

	k := sel.K
	if k > len(order) {
		k = len(order)
	}

	share := budget / float64(k)
	out := expansion{children: make([]task, 0, k)}
	selected := make([]string, 0, k)
	for _, idx := range order[:k] {
		out.children = append(out.children, task{id: candidates[idx].ID, budget: share})
		selected = append(selected, candidates[idx].Symbol)
	}

	scores := make([]Score, len(candidates))
	for idx, candidate := range candidates {
		scores[idx] = Score{Symbol: candidate.Symbol, Value: vals[idx]}
	}

	p.log.Debug().Str("Path", node.Path).Str("Rule", sel.Rule.String()).Int("K", sel.K).
		Strs("Selected", selected).Msg("resolved filter")

	p.justify(Justification{
		NodeID:   node.ID,
		Path:     node.Path,
		Kind:     node.Kind.String(),
		Budget:   budget,
		Scores:   scores,
		Selected: selected,
	})

	return out, nil
}

func (p *pass) justify(j Justification) {
	p.locker.Lock()
	defer p.locker.Unlock()
	p.justifications = append(p.justifications, j)
}

func (p *pass) sortedJustifications() []Justification {
	p.locker.Lock()
	defer p.locker.Unlock()

	res := make([]Justification, len(p.justifications))
	copy(res, p.justifications)
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].NodeID != res[j].NodeID {
			return res[i].NodeID < res[j].NodeID
		}
		return res[i].Budget < res[j].Budget
	})
	return res
}
