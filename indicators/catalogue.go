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

package indicators

import (
	"fmt"
	"math"
	"strings"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Name identifies an indicator by its document spelling
type Name string

const (
	CurrentPrice     Name = "current-price"
	MovingAvgPrice   Name = "moving-average-price"
	MovingAvgReturn  Name = "moving-average-return"
	EMAPrice         Name = "exponential-moving-average-price"
	RSI              Name = "relative-strength-index"
	CumulativeReturn Name = "cumulative-return"
	StdDevReturn     Name = "standard-deviation-return"
	StdDevPrice      Name = "standard-deviation-price"
	MaxDrawdown      Name = "max-drawdown"
)

// Unit is the class of quantity an indicator produces. Only values of the same
// unit can be meaningfully compared.
type Unit int

const (
	UnitPrice Unit = iota + 1
	UnitPercent
	UnitOscillator
)

func (u Unit) String() string {
	switch u {
	case UnitPrice:
		return "price"
	case UnitPercent:
		return "percent"
	case UnitOscillator:
		return "oscillator"
	default:
		return "unknown"
	}
}

type definition struct {
	unit Unit

	// bars is the minimum number of closes needed for a window
	bars func(window int) int

	// lookback is the number of closes requested from the data layer
	lookback func(window int) int

	compute func(closes []float64, window int) (float64, error)
}

func sameAs(window int) int { return window }
func onePlus(window int) int { return window + 1 }
func fixedOne(_ int) int { return 1 }
func fourTimes(window int) int { return 4 * window }

var catalogue = map[Name]definition{
	CurrentPrice:     {unit: UnitPrice, bars: fixedOne, lookback: fixedOne, compute: currentPrice},
	MovingAvgPrice:   {unit: UnitPrice, bars: sameAs, lookback: sameAs, compute: movingAvgPrice},
	MovingAvgReturn:  {unit: UnitPercent, bars: onePlus, lookback: onePlus, compute: movingAvgReturn},
	EMAPrice:         {unit: UnitPrice, bars: sameAs, lookback: fourTimes, compute: emaPrice},
	RSI:              {unit: UnitOscillator, bars: onePlus, lookback: func(w int) int { return 4*w + 1 }, compute: wilderRSI},
	CumulativeReturn: {unit: UnitPercent, bars: onePlus, lookback: onePlus, compute: cumulativeReturn},
	StdDevReturn:     {unit: UnitPercent, bars: onePlus, lookback: onePlus, compute: stdDevReturn},
	StdDevPrice:      {unit: UnitPrice, bars: sameAs, lookback: sameAs, compute: stdDevPrice},
	MaxDrawdown:      {unit: UnitPercent, bars: sameAs, lookback: sameAs, compute: maxDrawdown},
}

// ParseName resolves the document spelling of an indicator
func ParseName(s string) (Name, error) {
	name := Name(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := catalogue[name]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownIndicator, s)
	}
	return name, nil
}

// Names lists every indicator in the catalogue
func Names() []Name {
	return []Name{CurrentPrice, MovingAvgPrice, MovingAvgReturn, EMAPrice, RSI,
		CumulativeReturn, StdDevReturn, StdDevPrice, MaxDrawdown}
}

func (n Name) Valid() bool {
	_, ok := catalogue[n]
	return ok
}

// Unit returns the unit class of the indicator, 0 if the name is unknown
func (n Name) Unit() Unit {
	return catalogue[n].unit
}

// Windowed reports whether the indicator uses its window; current-price does not
func (n Name) Windowed() bool {
	return n != CurrentPrice
}

// Bars returns the minimum number of closes needed to compute n over window
func (n Name) Bars(window int) int {
	def, ok := catalogue[n]
	if !ok {
		return 0
	}
	return def.bars(window)
}

// Lookback returns the number of closes that should be fetched for n over window;
// it is never less than Bars
func (n Name) Lookback(window int) int {
	def, ok := catalogue[n]
	if !ok {
		return 0
	}
	return def.lookback(window)
}

// Compute evaluates indicator n over window using closes (oldest first). Only as
// many trailing closes as Lookback reports are used.
func Compute(n Name, closes []float64, window int) (float64, error) {
	def, ok := catalogue[n]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownIndicator, n)
	}

	if !n.Windowed() {
		window = 1
	}
	if window < 1 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidWindow, window)
	}

	need := def.bars(window)
	if len(closes) < need {
		return 0, fmt.Errorf("%w: have %d bars, need %d", ErrInsufficientHistory, len(closes), need)
	}
	if lookback := def.lookback(window); len(closes) > lookback {
		closes = closes[len(closes)-lookback:]
	}

	val, err := def.compute(closes, window)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return 0, ErrNonFinite
	}
	return val, nil
}

func tail(closes []float64, count int) []float64 {
	return closes[len(closes)-count:]
}

// returns computes the simple percentage returns of the last window periods
func returns(closes []float64, window int) ([]float64, error) {
	prices := tail(closes, window+1)
	rets := make([]float64, window)
	for idx := 1; idx < len(prices); idx++ {
		base := prices[idx-1]
		if base <= 0 {
			return nil, fmt.Errorf("%w: %g", ErrNonPositiveBase, base)
		}
		rets[idx-1] = prices[idx]/base - 1
	}
	floats.Scale(100, rets)
	return rets, nil
}

func sampleStdDev(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	return stat.StdDev(vals, nil)
}

func currentPrice(closes []float64, _ int) (float64, error) {
	return closes[len(closes)-1], nil
}

func movingAvgPrice(closes []float64, window int) (float64, error) {
	return stat.Mean(tail(closes, window), nil), nil
}

func movingAvgReturn(closes []float64, window int) (float64, error) {
	rets, err := returns(closes, window)
	if err != nil {
		return 0, err
	}
	return stat.Mean(rets, nil), nil
}

func emaPrice(closes []float64, window int) (float64, error) {
	if window == 1 {
		return closes[len(closes)-1], nil
	}
	ema := talib.Ema(closes, window)
	return ema[len(ema)-1], nil
}

// wilderRSI seeds the average gain and loss with simple means over the first window
// changes and applies Wilder smoothing to the remainder
func wilderRSI(closes []float64, window int) (float64, error) {
	var avgGain, avgLoss float64
	for idx := 1; idx <= window; idx++ {
		change := closes[idx] - closes[idx-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(window)
	avgLoss /= float64(window)

	periods := float64(window)
	for idx := window + 1; idx < len(closes); idx++ {
		change := closes[idx] - closes[idx-1]
		var gain, loss float64
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*(periods-1) + gain) / periods
		avgLoss = (avgLoss*(periods-1) + loss) / periods
	}

	switch {
	case avgLoss == 0 && avgGain == 0:
		return 50, nil
	case avgLoss == 0:
		return 100, nil
	}
	return 100 - 100/(1+avgGain/avgLoss), nil
}

func cumulativeReturn(closes []float64, window int) (float64, error) {
	prices := tail(closes, window+1)
	base := prices[0]
	if base <= 0 {
		return 0, fmt.Errorf("%w: %g", ErrNonPositiveBase, base)
	}
	return (prices[window]/base - 1) * 100, nil
}

func stdDevReturn(closes []float64, window int) (float64, error) {
	rets, err := returns(closes, window)
	if err != nil {
		return 0, err
	}
	return sampleStdDev(rets), nil
}

func stdDevPrice(closes []float64, window int) (float64, error) {
	return sampleStdDev(tail(closes, window)), nil
}

func maxDrawdown(closes []float64, window int) (float64, error) {
	prices := tail(closes, window)
	peak := prices[0]
	worst := 0.0
	for _, price := range prices {
		if price > peak {
			peak = price
		}
		if peak <= 0 {
			return 0, fmt.Errorf("%w: %g", ErrNonPositiveBase, peak)
		}
		if dd := (peak - price) / peak * 100; dd > worst {
			worst = dd
		}
	}
	return worst, nil
}
