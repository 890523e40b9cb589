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
	"errors"
	"fmt"

	"github.com/penny-vault/pvtree/indicators"
)

var (
	ErrMalformed            = errors.New("malformed document")
	ErrUnknownNodeType      = errors.New("unknown node type")
	ErrMissingField         = errors.New("missing required field")
	ErrUnsupportedVersion   = errors.New("unsupported document version")
	ErrInvalidCandidate     = errors.New("filter candidates must be assets")
	ErrUnknownIndicator     = indicators.ErrUnknownIndicator
	ErrInvalid              = errors.New("document failed validation")
	ErrIncompatibleOperands = errors.New("incompatible operands")
)

// ParseError is returned by Parse; Path locates the offending JSON value
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse document: %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ValidationError carries the error severity issues that make a document unusable
type ValidationError struct {
	Issues []Issue
	Err    error
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return e.Err.Error()
	}
	first := e.Issues[0]
	if len(e.Issues) == 1 {
		return fmt.Sprintf("%v: %s: %s", e.Err, first.Path, first.Message)
	}
	return fmt.Sprintf("%v: %s: %s (and %d more)", e.Err, first.Path, first.Message, len(e.Issues)-1)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ComparisonError is raised for a conditional whose operands measure different units
type ComparisonError struct {
	NodeID NodeID
	Path   string
	Left   Operand
	Right  Operand
}

func (e *ComparisonError) Error() string {
	return fmt.Sprintf("%v at %s: %s is %s, %s is %s", ErrIncompatibleOperands, e.Path,
		e.Left, e.Left.Indicator.Unit(), e.Right, e.Right.Indicator.Unit())
}

func (e *ComparisonError) Unwrap() error {
	return ErrIncompatibleOperands
}
