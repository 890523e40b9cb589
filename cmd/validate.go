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
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/penny-vault/pvtree/document"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().Bool("json", false, "print issues as JSON")
	viper.BindPFlag("validate.json", validateCmd.Flags().Lookup("json"))
}

// printIssues writes issues as an indented JSON array or, when there are any, as a table
func printIssues(w io.Writer, issues []document.Issue, asJSON bool) error {
	if asJSON {
		out, err := json.MarshalIndent(issues, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(out))
		return nil
	}

	if len(issues) == 0 {
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Severity", "Path", "Code", "Message"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, issue := range issues {
		table.Append([]string{issue.Severity.String(), issue.Path, string(issue.Code), issue.Message})
	}
	table.Render()
	return nil
}

var validateCmd = &cobra.Command{
	Use:        "validate [flags] DOCUMENT",
	Short:      "Check a strategy document for structural problems",
	Long:       `Parse a strategy document and report validation issues. Exits non-zero when any issue is an error.`,
	Args:       cobra.ExactArgs(1),
	ArgAliases: []string{"DOCUMENT"},
	Run: func(cmd *cobra.Command, args []string) {
		raw, err := readInput(args[0])
		if err != nil {
			log.Fatal().Err(err).Str("Document", args[0]).Msg("could not read strategy document")
		}

		doc, err := document.Parse(raw)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		issues := document.Validate(doc)

		asJSON := viper.GetBool("validate.json")
		if !asJSON {
			fmt.Printf("%s: %d nodes, %d symbols, digest %s\n", args[0], len(doc.Nodes), len(doc.Symbols()), doc.Digest)
		}
		if err := printIssues(os.Stdout, issues, asJSON); err != nil {
			log.Fatal().Err(err).Msg("could not print issues")
		}

		if len(document.Errors(issues)) > 0 {
			os.Exit(1)
		}
	},
}
