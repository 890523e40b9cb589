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

package allocation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
)

// Allocation maps symbols to portfolio weights
type Allocation map[string]float64

// Position is one contribution of weight to a symbol; a symbol may receive several
type Position struct {
	Symbol string
	Weight float64
}

// Symbols returns the allocation's symbols in ascending order
func (a Allocation) Symbols() []string {
	symbols := make([]string, 0, len(a))
	for symbol := range a {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// Total sums the weights in symbol order so the result does not depend on map order
func (a Allocation) Total() float64 {
	total := 0.0
	for _, symbol := range a.Symbols() {
		total += a[symbol]
	}
	return total
}

// Table renders the allocation as an ASCII table
func (a Allocation) Table(precision int) string {
	if len(a) == 0 {
		return "<EMPTY ALLOCATION>"
	}

	s := &strings.Builder{}
	table := tablewriter.NewWriter(s)
	table.SetHeader([]string{"Symbol", "Weight"})
	table.SetFooter([]string{"Total", fmt.Sprintf("%.*f", precision, a.Total())})
	table.SetBorder(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)

	for _, symbol := range a.Symbols() {
		table.Append([]string{symbol, fmt.Sprintf("%.*f", precision, a[symbol])})
	}

	table.Render()
	return s.String()
}

func (a Allocation) MarshalZerologObject(e *zerolog.Event) {
	for _, symbol := range a.Symbols() {
		e.Float64(symbol, a[symbol])
	}
}
