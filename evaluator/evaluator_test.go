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

package evaluator_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/penny-vault/pvtree/allocation"
	"github.com/penny-vault/pvtree/document"
	"github.com/penny-vault/pvtree/evaluator"
	"github.com/penny-vault/pvtree/indicators"
)

const guardDoc = `{"root": {
  "step": "if",
  "lhs": {"fn": "relative-strength-index", "symbol": "AAA", "window": 10},
  "comparator": "gt",
  "rhs": {"value": 70},
  "then": {"step": "asset", "symbol": "BBB"},
  "else": {
    "step": "filter",
    "sort": {"fn": "cumulative-return", "window": 30},
    "select": {"rule": "top", "k": 2},
    "children": [
      {"step": "asset", "symbol": "CCC"},
      {"step": "asset", "symbol": "DDD"},
      {"step": "asset", "symbol": "EEE"}
    ]
  }
}}`

func sequential() evaluator.Options {
	return evaluator.DefaultOptions()
}

func parallel() evaluator.Options {
	opts := evaluator.DefaultOptions()
	opts.Workers = 8
	return opts
}

var _ = Describe("Evaluator", func() {
	var (
		snap *snapshot
		ctx  context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		snap = newSnapshot()
	})

	evaluate := func(raw string, opts evaluator.Options) (*evaluator.Result, error) {
		return evaluator.New(snap, opts).Evaluate(ctx, parse(raw), asOf)
	}

	Context("with the rsi guard strategy", func() {
		BeforeEach(func() {
			snap.set(indicators.CumulativeReturn, "CCC", 30, 5).
				set(indicators.CumulativeReturn, "DDD", 30, 9).
				set(indicators.CumulativeReturn, "EEE", 30, 2)
		})

		It("takes the then branch when rsi is above 70", func() {
			snap.set(indicators.RSI, "AAA", 10, 80)

			res, err := evaluate(guardDoc, sequential())
			Expect(err).To(BeNil())
			Expect(res.Allocation).To(Equal(allocation.Allocation{"BBB": 1}))
		})

		It("never queries data used only by the untaken branch", func() {
			snap.set(indicators.RSI, "AAA", 10, 80)

			res, err := evaluate(guardDoc, sequential())
			Expect(err).To(BeNil())
			Expect(snap.totalCalls()).To(Equal(1))
			Expect(snap.callsFor(indicators.CumulativeReturn, "CCC", 30)).To(Equal(0))
			Expect(res.Stats.ProviderCalls).To(Equal(int64(1)))
		})

		It("selects the top two by cumulative return otherwise", func() {
			snap.set(indicators.RSI, "AAA", 10, 50)

			res, err := evaluate(guardDoc, sequential())
			Expect(err).To(BeNil())
			Expect(res.Allocation).To(Equal(allocation.Allocation{"CCC": 0.5, "DDD": 0.5}))
		})

		It("justifies its decisions", func() {
			snap.set(indicators.RSI, "AAA", 10, 50)

			res, err := evaluate(guardDoc, sequential())
			Expect(err).To(BeNil())
			Expect(res.Justifications).To(HaveLen(2))

			cond := res.Justifications[0]
			Expect(cond.Path).To(Equal("root"))
			Expect(cond.Condition).To(Equal("relative-strength-index(AAA,10) > 70"))
			Expect(*cond.LeftValue).To(Equal(50.0))
			Expect(cond.Taken).To(Equal("else"))

			filter := res.Justifications[1]
			Expect(filter.Path).To(Equal("root.else"))
			Expect(filter.Selected).To(Equal([]string{"DDD", "CCC"}))
			Expect(filter.Scores).To(Equal([]evaluator.Score{{Symbol: "CCC", Value: 5}, {Symbol: "DDD", Value: 9}, {Symbol: "EEE", Value: 2}}))
		})

		It("keeps zero operands in the json trace", func() {
			snap.set(indicators.CumulativeReturn, "AAA", 5, -1.5)

			res, err := evaluate(`{"root": {
			  "step": "if",
			  "lhs": {"fn": "cumulative-return", "symbol": "AAA", "window": 5},
			  "comparator": "gt",
			  "rhs": {"value": 0},
			  "then": `+asset("BBB")+`,
			  "else": `+asset("CCC")+`
			}}`, sequential())
			Expect(err).To(BeNil())
			Expect(res.Justifications).To(HaveLen(1))

			out, err := json.Marshal(res.Justifications[0])
			Expect(err).To(BeNil())
			Expect(string(out)).To(ContainSubstring(`"leftValue":-1.5`))
			Expect(string(out)).To(ContainSubstring(`"rightValue":0`))
			Expect(string(out)).To(ContainSubstring(`"taken":"else"`))
		})

		It("leaves operand values out of filter justifications", func() {
			snap.set(indicators.RSI, "AAA", 10, 50)

			res, err := evaluate(guardDoc, sequential())
			Expect(err).To(BeNil())

			filter := res.Justifications[1]
			Expect(filter.LeftValue).To(BeNil())
			out, err := json.Marshal(filter)
			Expect(err).To(BeNil())
			Expect(string(out)).NotTo(ContainSubstring("leftValue"))
		})

		It("is deterministic across repeated runs", func() {
			snap.set(indicators.RSI, "AAA", 10, 50)

			first, err := evaluate(guardDoc, sequential())
			Expect(err).To(BeNil())
			second, err := evaluate(guardDoc, sequential())
			Expect(err).To(BeNil())

			Expect(second.Allocation).To(Equal(first.Allocation))
			Expect(second.Raw).To(Equal(first.Raw))
			Expect(second.PassID).ToNot(Equal(first.PassID))
			Expect(second.Digest).To(Equal(first.Digest))
		})

		It("fails with a data error for missing data on the taken branch", func() {
			snap.set(indicators.RSI, "AAA", 10, 50)
			delete(snap.values, indicators.NewKey(indicators.CumulativeReturn, "EEE", 30, asOf))

			res, err := evaluate(guardDoc, sequential())
			Expect(res).To(BeNil())

			var dataErr *indicators.DataError
			Expect(errors.As(err, &dataErr)).To(BeTrue())
			Expect(dataErr.Key.Symbol).To(Equal("EEE"))
			Expect(err).To(MatchError(indicators.ErrUnknownSymbol))
		})
	})

	Context("when splitting budgets", func() {
		It("reports normalization failures as invalid documents", func() {
			opts := sequential()
			opts.Normalizer.Precision = 0

			res, err := evaluate(`{"root": `+asset("SPY")+`}`, opts)
			Expect(res).To(BeNil())
			Expect(err).To(MatchError(document.ErrInvalid))

			var valErr *document.ValidationError
			Expect(errors.As(err, &valErr)).To(BeTrue())
			Expect(valErr.Issues).To(HaveLen(1))
			Expect(valErr.Issues[0].Code).To(Equal(document.IssueAllocationSum))
			Expect(valErr.Issues[0].Message).To(ContainSubstring("precision"))
		})

		It("weights N distinct assets 1/N", func() {
			res, err := evaluate(`{"root": {"step": "wt-equal", "children": [`+
				strings.Join([]string{asset("A"), asset("B"), asset("C"), asset("D")}, ",")+`]}}`, sequential())
			Expect(err).To(BeNil())
			Expect(res.Allocation).To(Equal(allocation.Allocation{"A": 0.25, "B": 0.25, "C": 0.25, "D": 0.25}))
		})

		It("keeps raw weights before rounding", func() {
			res, err := evaluate(`{"root": {"step": "wt-equal", "children": [`+
				strings.Join([]string{asset("A"), asset("B"), asset("C")}, ",")+`]}}`, sequential())
			Expect(err).To(BeNil())
			Expect(res.Raw["A"]).To(BeNumerically("~", 1.0/3.0, 1e-12))
			Expect(res.Allocation.Total()).To(BeNumerically("~", 1.0, 1e-9))
		})

		It("scales subtrees by their specified fractions", func() {
			res, err := evaluate(`{"root": {"step": "wt-specified", "children": [
				{"weight": 0.15, "node": `+asset("A")+`},
				{"weight": 0.20, "node": `+asset("B")+`},
				{"weight": 0.25, "node": `+asset("C")+`},
				{"weight": 0.40, "node": {"step": "wt-equal", "children": [`+asset("D")+`,`+asset("E")+`]}}
			]}}`, sequential())
			Expect(err).To(BeNil())
			Expect(res.Allocation).To(Equal(allocation.Allocation{"A": 0.15, "B": 0.2, "C": 0.25, "D": 0.2, "E": 0.2}))
		})

		It("renormalizes fractions that do not sum to one", func() {
			res, err := evaluate(`{"root": {"step": "wt-specified", "children": [
				{"weight": 3, "node": `+asset("A")+`},
				{"weight": 1, "node": `+asset("B")+`}
			]}}`, sequential())
			Expect(err).To(BeNil())
			Expect(res.Allocation).To(Equal(allocation.Allocation{"A": 0.75, "B": 0.25}))
			Expect(res.Warnings).To(HaveLen(1))
			Expect(res.Warnings[0].Code).To(Equal(document.IssueFractionSum))
		})

		It("skips subtrees with a zero fraction", func() {
			res, err := evaluate(`{"root": {"step": "wt-specified", "children": [
				{"weight": 1, "node": `+asset("A")+`},
				{"weight": 0, "node": {"step": "filter", "sort": {"fn": "cumulative-return", "window": 5},
					"select": {"rule": "top", "k": 1}, "children": [`+asset("NODATA")+`]}}
			]}}`, sequential())
			Expect(err).To(BeNil())
			Expect(res.Allocation).To(Equal(allocation.Allocation{"A": 1}))
			Expect(snap.totalCalls()).To(Equal(0))
		})

		It("sums symbols reached through several branches", func() {
			res, err := evaluate(`{"root": {"step": "wt-equal", "children": [`+asset("SPY")+`,
				{"step": "wt-equal", "children": [`+asset("SPY")+`,`+asset("TLT")+`]}]}}`, sequential())
			Expect(err).To(BeNil())
			Expect(res.Allocation).To(Equal(allocation.Allocation{"SPY": 0.75, "TLT": 0.25}))
		})

		It("treats a single-child group as transparent and a larger group as an equal weighting", func() {
			res, err := evaluate(`{"root": {"step": "group", "name": "outer", "children": [
				{"step": "group", "name": "inner", "children": [`+asset("A")+`,`+asset("B")+`]}]}}`, sequential())
			Expect(err).To(BeNil())
			Expect(res.Allocation).To(Equal(allocation.Allocation{"A": 0.5, "B": 0.5}))
		})

		It("fails a zero-child weighting with a validation error", func() {
			res, err := evaluate(`{"root": {"step": "wt-equal", "children": []}}`, sequential())
			Expect(res).To(BeNil())

			var valErr *document.ValidationError
			Expect(errors.As(err, &valErr)).To(BeTrue())
			Expect(valErr.Issues[0].Code).To(Equal(document.IssueEmptyComposite))
		})
	})

	Context("when filtering", func() {
		filterDoc := func(rule string, k int, symbols ...string) string {
			children := make([]string, len(symbols))
			for idx, symbol := range symbols {
				children[idx] = asset(symbol)
			}
			return fmt.Sprintf(`{"root": {"step": "filter", "sort": {"fn": "max-drawdown", "window": 20},
				"select": {"rule": %q, "k": %d}, "children": [%s]}}`, rule, k, strings.Join(children, ","))
		}

		BeforeEach(func() {
			snap.set(indicators.MaxDrawdown, "A", 20, 3).
				set(indicators.MaxDrawdown, "B", 20, 1).
				set(indicators.MaxDrawdown, "C", 20, 3).
				set(indicators.MaxDrawdown, "D", 20, 7)
		})

		It("selects the bottom k", func() {
			res, err := evaluate(filterDoc("bottom", 2, "A", "B", "C", "D"), sequential())
			Expect(err).To(BeNil())
			Expect(res.Allocation).To(Equal(allocation.Allocation{"A": 0.5, "B": 0.5}))
		})

		It("breaks ties by declared order", func() {
			res, err := evaluate(filterDoc("top", 2, "C", "A", "B", "D"), sequential())
			Expect(err).To(BeNil())
			Expect(res.Allocation).To(Equal(allocation.Allocation{"D": 0.5, "C": 0.5}))

			res, err = evaluate(filterDoc("top", 2, "A", "C", "B", "D"), sequential())
			Expect(err).To(BeNil())
			Expect(res.Allocation).To(Equal(allocation.Allocation{"D": 0.5, "A": 0.5}))
		})

		It("degenerates to an equal weighting when k equals the candidate count", func() {
			res, err := evaluate(filterDoc("top", 4, "A", "B", "C", "D"), sequential())
			Expect(err).To(BeNil())
			Expect(res.Allocation).To(Equal(allocation.Allocation{"A": 0.25, "B": 0.25, "C": 0.25, "D": 0.25}))
		})

		It("clamps k to the candidate count by default", func() {
			res, err := evaluate(filterDoc("top", 5, "A", "B"), sequential())
			Expect(err).To(BeNil())
			Expect(res.Allocation).To(Equal(allocation.Allocation{"A": 0.5, "B": 0.5}))
			Expect(res.Warnings[0].Code).To(Equal(document.IssueKExceedsCandidates))
		})

		It("fails when k exceeds the candidate count under the fail policy", func() {
			opts := sequential()
			opts.FilterOverflow = evaluator.Fail

			_, err := evaluate(filterDoc("top", 5, "A", "B"), opts)
			var valErr *document.ValidationError
			Expect(errors.As(err, &valErr)).To(BeTrue())
			Expect(valErr.Issues[0].Code).To(Equal(document.IssueKExceedsCandidates))
			Expect(snap.totalCalls()).To(Equal(0))
		})
	})

	It("rejects incompatible operands before calling the provider", func() {
		_, err := evaluate(`{"root": {"step": "if",
			"lhs": {"fn": "relative-strength-index", "symbol": "A", "window": 10}, "comparator": "gt",
			"rhs": {"fn": "current-price", "symbol": "A"},
			"then": `+asset("A")+`, "else": `+asset("B")+`}}`, sequential())

		var cmpErr *document.ComparisonError
		Expect(errors.As(err, &cmpErr)).To(BeTrue())
		Expect(cmpErr.Path).To(Equal("root"))
		Expect(snap.totalCalls()).To(Equal(0))
	})

	Context("when indicators are shared between branches", func() {
		const sharedDoc = `{"root": {"step": "wt-equal", "children": [
			{"step": "if", "lhs": {"fn": "relative-strength-index", "symbol": "SPY", "window": 10}, "comparator": "lt",
				"rhs": {"value": 30}, "then": {"step": "asset", "symbol": "SPY"}, "else": {"step": "asset", "symbol": "TLT"}},
			{"step": "if", "lhs": {"fn": "relative-strength-index", "symbol": "SPY", "window": 10}, "comparator": "lt",
				"rhs": {"value": 30}, "then": {"step": "asset", "symbol": "QQQ"}, "else": {"step": "asset", "symbol": "BIL"}},
			{"step": "filter", "sort": {"fn": "relative-strength-index", "window": 10}, "select": {"rule": "bottom", "k": 1},
				"children": [{"step": "asset", "symbol": "SPY"}, {"step": "asset", "symbol": "TLT"}]}
		]}}`

		BeforeEach(func() {
			snap.set(indicators.RSI, "SPY", 10, 25).set(indicators.RSI, "TLT", 10, 60)
		})

		It("calls the provider once per key", func() {
			res, err := evaluate(sharedDoc, sequential())
			Expect(err).To(BeNil())
			Expect(snap.callsFor(indicators.RSI, "SPY", 10)).To(Equal(1))
			Expect(res.Stats.Requests).To(Equal(int64(4)))
			Expect(res.Stats.ProviderCalls).To(Equal(int64(2)))
		})

		It("calls the provider once per key when evaluating in parallel", func() {
			_, err := evaluate(sharedDoc, parallel())
			Expect(err).To(BeNil())
			Expect(snap.maxCallsPerKey()).To(Equal(1))
		})

		It("produces identical results sequentially and in parallel", func() {
			seq, err := evaluate(sharedDoc, sequential())
			Expect(err).To(BeNil())
			par, err := evaluate(sharedDoc, parallel())
			Expect(err).To(BeNil())

			Expect(par.Allocation).To(Equal(seq.Allocation))
			Expect(par.Raw).To(Equal(seq.Raw))
			Expect(par.Justifications).To(Equal(seq.Justifications))
			Expect(seq.Allocation.Total()).To(BeNumerically("~", 1.0, 1e-6))
		})
	})

	It("produces bit-identical weights for wide trees in parallel", func() {
		var children []string
		for ii := 0; ii < 40; ii++ {
			symbol := fmt.Sprintf("S%02d", ii%7)
			children = append(children, fmt.Sprintf(`{"step": "wt-specified", "children": [
				{"weight": 0.%d1, "node": %s}, {"weight": 0.7, "node": %s}]}`, ii%9, asset(symbol), asset("CORE")))
		}
		raw := `{"root": {"step": "wt-equal", "children": [` + strings.Join(children, ",") + `]}}`

		seq, err := evaluate(raw, sequential())
		Expect(err).To(BeNil())
		par, err := evaluate(raw, parallel())
		Expect(err).To(BeNil())
		Expect(par.Raw).To(Equal(seq.Raw))
		Expect(par.Allocation).To(Equal(seq.Allocation))
	})

	It("evaluates very deep trees without recursion", func() {
		const depth = 5000
		doc := &document.Document{Root: 0, Nodes: make([]document.Node, depth+1)}
		for idx := 0; idx < depth; idx++ {
			doc.Nodes[idx] = document.Node{
				ID:       document.NodeID(idx),
				Kind:     document.KindWeightEqual,
				Path:     fmt.Sprintf("level%d", idx),
				Children: []document.NodeID{document.NodeID(idx + 1)},
			}
		}
		doc.Nodes[depth] = document.Node{ID: depth, Kind: document.KindAsset, Path: "leaf", Symbol: "DEEP"}

		res, err := evaluator.New(snap, sequential()).Evaluate(ctx, doc, asOf)
		Expect(err).To(BeNil())
		Expect(res.Allocation).To(Equal(allocation.Allocation{"DEEP": 1}))
	})

	It("aborts the pass when the provider times out", func() {
		snap.block = true
		opts := sequential()
		opts.Timeout = 20 * time.Millisecond

		res, err := evaluate(guardDoc, opts)
		Expect(res).To(BeNil())
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})

	It("aborts the pass when the caller cancels", func() {
		snap.block = true
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		time.AfterFunc(10*time.Millisecond, cancel)

		res, err := evaluate(guardDoc, parallel())
		Expect(res).To(BeNil())
		Expect(err).To(MatchError(context.Canceled))
	})

	It("evaluates each as-of date with a fresh cache", func() {
		later := asOf.AddDate(0, 0, 7)
		snap.set(indicators.RSI, "AAA", 10, 80).setOn(indicators.RSI, "AAA", 10, later, 90)

		results, err := evaluator.New(snap, sequential()).EvaluateDates(ctx, parse(guardDoc), []time.Time{asOf, later})
		Expect(err).To(BeNil())
		Expect(results).To(HaveLen(2))
		Expect(results[0].Stats.ProviderCalls).To(Equal(int64(1)))
		Expect(results[1].Stats.ProviderCalls).To(Equal(int64(1)))
		Expect(results[1].AsOf).To(Equal(later))
	})

	DescribeTable("parsing overflow policies",
		func(in string, expected evaluator.OverflowPolicy, fails bool) {
			policy, err := evaluator.ParseOverflowPolicy(in)
			if fails {
				Expect(err).To(MatchError(evaluator.ErrUnknownPolicy))
				return
			}
			Expect(err).To(BeNil())
			Expect(policy).To(Equal(expected))
		},
		Entry("clamp", "clamp", evaluator.Clamp, false),
		Entry("fail", "FAIL", evaluator.Fail, false),
		Entry("unknown", "drop", evaluator.Clamp, true),
	)
})
