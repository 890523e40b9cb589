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

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/penny-vault/pvtree/document"
	"github.com/penny-vault/pvtree/evaluator"
	"github.com/penny-vault/pvtree/observability/opentelemetry"
	"github.com/penny-vault/pvtree/tradecron"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().StringSlice("as-of", []string{}, "Evaluation date (YYYY-MM-DD); repeat for several passes, defaults to the most recent trading day")
	viper.BindPFlag("evaluate.as_of", evaluateCmd.Flags().Lookup("as-of"))

	evaluateCmd.Flags().String("schedule", "", "Evaluate on every date of a market aware schedule between --from and --to, e.g. @monthend")
	viper.BindPFlag("evaluate.schedule", evaluateCmd.Flags().Lookup("schedule"))

	evaluateCmd.Flags().String("from", "", "First date (YYYY-MM-DD) considered by --schedule")
	viper.BindPFlag("evaluate.from", evaluateCmd.Flags().Lookup("from"))

	evaluateCmd.Flags().String("to", "", "Last date (YYYY-MM-DD) considered by --schedule, defaults to today")
	viper.BindPFlag("evaluate.to", evaluateCmd.Flags().Lookup("to"))

	evaluateCmd.Flags().String("prices", "", "CSV export of the eod table to read prices from instead of the database")
	viper.BindPFlag("data.prices", evaluateCmd.Flags().Lookup("prices"))

	evaluateCmd.Flags().String("metric", "adj_close", "Price column indicators are computed from: close or adj_close")
	viper.BindPFlag("data.metric", evaluateCmd.Flags().Lookup("metric"))

	evaluateCmd.Flags().StringP("format", "f", "table", "Output format: table or json")
	viper.BindPFlag("evaluate.format", evaluateCmd.Flags().Lookup("format"))

	evaluateCmd.Flags().Bool("justify", false, "Print the decisions made by conditionals and filters")
	viper.BindPFlag("evaluate.justify", evaluateCmd.Flags().Lookup("justify"))

	evaluateCmd.Flags().Int("workers", 1, "Goroutines used to expand the tree; 1 evaluates sequentially")
	viper.BindPFlag("evaluate.workers", evaluateCmd.Flags().Lookup("workers"))

	evaluateCmd.Flags().Duration("timeout", time.Minute, "Deadline for a single evaluation pass")
	viper.BindPFlag("evaluate.timeout", evaluateCmd.Flags().Lookup("timeout"))

	evaluateCmd.Flags().String("filter-overflow", "clamp", "What to do when a filter selects more assets than it has: clamp or fail")
	viper.BindPFlag("evaluate.filter_overflow", evaluateCmd.Flags().Lookup("filter-overflow"))

	evaluateCmd.Flags().Int("precision", 6, "Decimals allocation weights are rounded to")
	viper.BindPFlag("evaluate.precision", evaluateCmd.Flags().Lookup("precision"))

	evaluateCmd.Flags().Float64("tolerance", 1e-6, "Allowed distance of the allocation total from 1")
	viper.BindPFlag("evaluate.tolerance", evaluateCmd.Flags().Lookup("tolerance"))

	evaluateCmd.Flags().Float64("repair-band", 1e-3, "Distance from 1 within which the allocation total is rescaled")
	viper.BindPFlag("evaluate.repair_band", evaluateCmd.Flags().Lookup("repair-band"))

	evaluateCmd.Flags().Int("cache-size", 1024, "Price series kept in the in-process history cache")
	viper.BindPFlag("cache.local_size", evaluateCmd.Flags().Lookup("cache-size"))

	evaluateCmd.Flags().Bool("redis", false, "Share price history between runs through redis")
	viper.BindPFlag("cache.redis", evaluateCmd.Flags().Lookup("redis"))

	viper.BindEnv("cache.redis_url", "REDIS_URL")
	evaluateCmd.Flags().String("redis-url", "redis://localhost:6379/0", "Redis connection URL")
	viper.BindPFlag("cache.redis_url", evaluateCmd.Flags().Lookup("redis-url"))

	evaluateCmd.Flags().Int("cache-ttl", 3600, "Seconds price history is kept in redis")
	viper.BindPFlag("cache.ttl", evaluateCmd.Flags().Lookup("cache-ttl"))
}

func evaluatorOptions() (evaluator.Options, error) {
	opts := evaluator.DefaultOptions()

	policy, err := evaluator.ParseOverflowPolicy(viper.GetString("evaluate.filter_overflow"))
	if err != nil {
		return opts, err
	}

	opts.Workers = viper.GetInt("evaluate.workers")
	opts.Timeout = viper.GetDuration("evaluate.timeout")
	opts.FilterOverflow = policy
	opts.Normalizer.Precision = viper.GetInt("evaluate.precision")
	opts.Normalizer.Tolerance = viper.GetFloat64("evaluate.tolerance")
	opts.Normalizer.RepairBand = viper.GetFloat64("evaluate.repair_band")
	return opts, nil
}

func parseDate(val string) (time.Time, error) {
	dt, err := time.Parse("2006-01-02", strings.TrimSpace(val))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", val, err)
	}
	return dt, nil
}

// asOfDates resolves the dates to evaluate on: explicit --as-of values win, then a
// --schedule between --from and --to, then the most recent trading day
func asOfDates(cal *tradecron.Calendar, vals []string, schedule, from, to string) ([]time.Time, error) {
	if len(vals) != 0 {
		dates := make([]time.Time, 0, len(vals))
		for _, val := range vals {
			dt, err := parseDate(val)
			if err != nil {
				return nil, err
			}
			dates = append(dates, dt)
		}
		return dates, nil
	}

	today := tradecron.DateOf(time.Now())
	if schedule == "" {
		return []time.Time{cal.MostRecentTradingDay(today)}, nil
	}

	if from == "" {
		return nil, fmt.Errorf("--schedule requires --from")
	}
	begin, err := parseDate(from)
	if err != nil {
		return nil, err
	}
	end := today
	if to != "" {
		if end, err = parseDate(to); err != nil {
			return nil, err
		}
	}

	tc, err := tradecron.New(schedule, cal)
	if err != nil {
		return nil, err
	}
	dates, err := tc.Dates(begin, end)
	if err != nil {
		return nil, err
	}
	if len(dates) == 0 {
		return nil, fmt.Errorf("schedule %q selects no trading days between %s and %s", schedule, from, end.Format("2006-01-02"))
	}
	return dates, nil
}

func printResults(w io.Writer, results []*evaluator.Result, format string, justify bool, precision int) error {
	switch format {
	case "json":
		out, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(out))
	case "table":
		for _, res := range results {
			fmt.Fprintf(w, "As Of: %s  Pass: %s\n", res.AsOf.Format("2006-01-02"), res.PassID)
			fmt.Fprintln(w, res.Allocation.Table(precision))
			if justify {
				for _, j := range res.Justifications {
					if j.Condition != "" {
						fmt.Fprintf(w, "  %s: %s (%g vs %g) -> %s\n", j.Path, j.Condition, *j.LeftValue, *j.RightValue, j.Taken)
					} else {
						fmt.Fprintf(w, "  %s: selected %s\n", j.Path, strings.Join(j.Selected, ", "))
					}
				}
				fmt.Fprintln(w)
			}
		}
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	return nil
}

var evaluateCmd = &cobra.Command{
	Use:        "evaluate [flags] DOCUMENT",
	Short:      "Evaluate a strategy document into a target allocation",
	Args:       cobra.ExactArgs(1),
	ArgAliases: []string{"DOCUMENT"},
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		shutdown, err := opentelemetry.Setup(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("could not configure tracing")
		}
		defer func() {
			if err := shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("could not flush traces")
			}
		}()

		raw, err := readInput(args[0])
		if err != nil {
			log.Fatal().Err(err).Str("Document", args[0]).Msg("could not read strategy document")
		}

		doc, err := document.Parse(raw)
		if err != nil {
			log.Fatal().Err(err).Msg("could not parse strategy document")
		}

		opts, err := evaluatorOptions()
		if err != nil {
			log.Fatal().Err(err).Msg("invalid evaluation options")
		}

		provider, history, err := indicatorProvider(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("could not configure price history")
		}

		cal, err := marketCalendar(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("could not load market calendar")
		}

		dates, err := asOfDates(cal, viper.GetStringSlice("evaluate.as_of"), viper.GetString("evaluate.schedule"),
			viper.GetString("evaluate.from"), viper.GetString("evaluate.to"))
		if err != nil {
			log.Fatal().Err(err).Msg("invalid as-of dates")
		}
		log.Debug().Int("Passes", len(dates)).Msg("resolved evaluation dates")

		results, err := evaluator.New(provider, opts).EvaluateDates(ctx, doc, dates)
		if err != nil {
			log.Fatal().Err(err).Msg("evaluation failed")
		}

		log.Debug().Int64("Hits", history.Hits()).Int64("Misses", history.Misses()).Msg("price history cache")

		if err := printResults(os.Stdout, results, viper.GetString("evaluate.format"), viper.GetBool("evaluate.justify"), opts.Normalizer.Precision); err != nil {
			log.Fatal().Err(err).Msg("could not print results")
		}
	},
}
