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
	"math"
	"sort"

	"github.com/rs/zerolog/log"
)

type Options struct {
	// Tolerance is the distance from 1 the total may have without being repaired
	Tolerance float64

	// RepairBand is the distance from 1 within which the total is rescaled to 1;
	// anything further fails
	RepairBand float64

	// Precision is the number of decimals weights are rounded to
	Precision int
}

func DefaultOptions() Options {
	return Options{
		Tolerance:  1e-6,
		RepairBand: 1e-3,
		Precision:  6,
	}
}

// Consolidate merges positions by symbol. Each symbol's contributions are summed
// smallest first so the result is independent of the order positions arrive in.
func Consolidate(positions []Position) (Allocation, error) {
	bySymbol := make(map[string][]float64, len(positions))
	for _, pos := range positions {
		if math.IsNaN(pos.Weight) || math.IsInf(pos.Weight, 0) || pos.Weight < 0 {
			return nil, fmt.Errorf("%w: %s %g", ErrInvalidWeight, pos.Symbol, pos.Weight)
		}
		bySymbol[pos.Symbol] = append(bySymbol[pos.Symbol], pos.Weight)
	}

	res := make(Allocation, len(bySymbol))
	for symbol, weights := range bySymbol {
		sort.Float64s(weights)
		total := 0.0
		for _, w := range weights {
			total += w
		}
		res[symbol] = total
	}
	return res, nil
}

type remainder struct {
	symbol string
	units  int64
	frac   float64
}

// Normalize consolidates positions, verifies the total is 1 within opts.Tolerance
// (rescaling it when within opts.RepairBand) and rounds each weight to
// opts.Precision decimals with the largest remainder method so the rounded weights
// sum to exactly 10^Precision units. Ties in the remainder go to the symbol that
// sorts first. Symbols that round to zero are dropped.
func Normalize(positions []Position, opts Options) (Allocation, error) {
	if opts.Precision < 1 || opts.Precision > 15 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPrecision, opts.Precision)
	}

	raw, err := Consolidate(positions)
	if err != nil {
		return nil, err
	}

	total := raw.Total()
	if len(raw) == 0 || total <= 0 {
		return nil, ErrEmptyAllocation
	}

	deviation := math.Abs(total - 1)
	switch {
	case deviation > opts.RepairBand:
		return nil, fmt.Errorf("%w: total %g", ErrOutsideRepairBand, total)
	case deviation > opts.Tolerance:
		log.Warn().Float64("Total", total).Msg("allocation total outside tolerance; rescaling to 1")
	}

	scale := math.Pow10(opts.Precision)
	budget := int64(math.Round(scale))

	parts := make([]remainder, 0, len(raw))
	var assigned int64
	for _, symbol := range raw.Symbols() {
		exact := raw[symbol] / total * scale
		units := int64(math.Floor(exact))
		parts = append(parts, remainder{symbol: symbol, units: units, frac: exact - float64(units)})
		assigned += units
	}

	sort.SliceStable(parts, func(i, j int) bool {
		return parts[i].frac > parts[j].frac
	})
	for idx := 0; assigned < budget; idx = (idx + 1) % len(parts) {
		parts[idx].units++
		assigned++
	}

	res := make(Allocation, len(parts))
	for _, part := range parts {
		if part.units == 0 {
			log.Debug().Str("Symbol", part.symbol).Msg("dropping symbol that rounds to zero weight")
			continue
		}
		res[part.symbol] = float64(part.units) / scale
	}
	return res, nil
}
