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

// Package evaluator interprets a strategy tree against indicator values for an as-of
// date and produces a normalized allocation.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/penny-vault/pvtree/allocation"
	"github.com/penny-vault/pvtree/document"
	"github.com/penny-vault/pvtree/indicators"
	"github.com/penny-vault/pvtree/observability/opentelemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Evaluator holds no per-pass state; a single Evaluator may run passes concurrently
type Evaluator struct {
	provider indicators.Provider
	opts     Options
}

func New(provider indicators.Provider, opts Options) *Evaluator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Evaluator{
		provider: provider,
		opts:     opts,
	}
}

// check validates doc and turns fatal issues into typed errors. Structural errors
// are reported as a ValidationError before operand mismatches are reported as a
// ComparisonError.
func (e *Evaluator) check(doc *document.Document, subLog zerolog.Logger) ([]document.Issue, error) {
	issues := document.Validate(doc)

	var fatal []document.Issue
	var comparison *document.ComparisonError
	var warnings []document.Issue

	for _, issue := range issues {
		switch {
		case issue.Severity == document.SeverityError && issue.Code == document.IssueIncompatibleOperands:
			if comparison == nil {
				comparison = document.ComparisonErrorFor(doc, issue)
			}
		case issue.Severity == document.SeverityError:
			fatal = append(fatal, issue)
		case issue.Code == document.IssueKExceedsCandidates && e.opts.FilterOverflow == Fail:
			issue.Severity = document.SeverityError
			fatal = append(fatal, issue)
		default:
			subLog.Warn().Str("Path", issue.Path).Str("Code", string(issue.Code)).Msg(issue.Message)
			warnings = append(warnings, issue)
		}
	}

	if len(fatal) > 0 {
		return nil, &document.ValidationError{Issues: fatal, Err: document.ErrInvalid}
	}
	if comparison != nil {
		return nil, comparison
	}
	return warnings, nil
}

// Evaluate runs one pass over doc for asOf. It returns a complete allocation or an
// error; a pass that fails never yields a partial allocation.
func (e *Evaluator) Evaluate(ctx context.Context, doc *document.Document, asOf time.Time) (*Result, error) {
	start := time.Now()
	passID := uuid.New().String()

	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "evaluator.Evaluate", trace.WithAttributes(
		attribute.String("PassID", passID),
		attribute.String("Digest", doc.Digest),
		attribute.String("AsOf", asOf.Format("2006-01-02")),
		attribute.Int("Workers", e.opts.Workers),
	))
	defer span.End()

	subLog := log.With().Str("PassID", passID).Str("Digest", doc.Digest).Time("AsOf", asOf).Logger()

	fail := func(msg string, err error) (*Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		if cancelled(err) {
			subLog.Warn().Err(err).Msg(msg)
		} else {
			subLog.Error().Err(err).Msg(msg)
		}
		return nil, err
	}

	warnings, err := e.check(doc, subLog)
	if err != nil {
		return fail("document is not valid", err)
	}

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	p := &pass{
		doc:     doc,
		asOf:    asOf,
		cache:   indicators.NewCache(e.provider),
		workers: e.opts.Workers,
		log:     subLog,
	}

	var positions []allocation.Position
	if e.opts.Workers > 1 {
		positions, err = p.runParallel(ctx)
	} else {
		positions, err = p.runSequential(ctx)
	}
	if err != nil {
		return fail("evaluation failed", err)
	}

	raw, err := allocation.Consolidate(positions)
	if err != nil {
		return fail("could not consolidate allocation", err)
	}

	final, err := allocation.Normalize(positions, e.opts.Normalizer)
	if err != nil {
		valErr := &document.ValidationError{
			Issues: []document.Issue{{
				NodeID:   doc.Root,
				Path:     "root",
				Code:     document.IssueAllocationSum,
				Severity: document.SeverityError,
				Message:  err.Error(),
			}},
			Err: document.ErrInvalid,
		}
		return fail("could not normalize allocation", valErr)
	}

	res := &Result{
		PassID:         passID,
		AsOf:           asOf,
		Digest:         doc.Digest,
		Allocation:     final,
		Raw:            raw,
		Justifications: p.sortedJustifications(),
		Warnings:       warnings,
		Stats:          p.cache.Stats(),
		Duration:       time.Since(start),
	}

	subLog.Info().
		Object("Allocation", final).
		Int64("ProviderCalls", res.Stats.ProviderCalls).
		Int64("CacheHits", res.Stats.Hits()).
		Dur("Duration", res.Duration).
		Msg("evaluated strategy")

	return res, nil
}

// EvaluateDates runs an independent pass for each date. The first failing pass
// aborts the run.
func (e *Evaluator) EvaluateDates(ctx context.Context, doc *document.Document, dates []time.Time) ([]*Result, error) {
	results := make([]*Result, 0, len(dates))
	for _, asOf := range dates {
		res, err := e.Evaluate(ctx, doc, asOf)
		if err != nil {
			return nil, fmt.Errorf("as of %s: %w", asOf.Format("2006-01-02"), err)
		}
		results = append(results, res)
	}
	return results, nil
}

func cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
