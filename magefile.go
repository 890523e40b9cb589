//go:build mage

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

package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binaryName  = "pvtree"
	modulePath  = "github.com/penny-vault/pvtree"
	packageName = "."
)

var ldflags = "-X " + modulePath + "/common.commitHash=$COMMIT_HASH -X " + modulePath + "/common.buildDate=$BUILD_DATE"

// allow user to override go executable by running as GOEXE=xxx mage ... on unix-like systems
var goexe = "go"

func init() {
	if exe := os.Getenv("GOEXE"); exe != "" {
		goexe = exe
	}
}

// Build the pvtree binary with version information embedded
func Build() error {
	fmt.Println("Building...")
	return sh.RunWith(flagEnv(), goexe, append([]string{"build", "-o", binaryName, "-ldflags", ldflags}, append(buildFlags(), packageName)...)...)
}

// Install pvtree into GOPATH/bin
func Install() error {
	return sh.RunWith(flagEnv(), goexe, append([]string{"install", "-ldflags", ldflags}, append(buildFlags(), packageName)...)...)
}

// Clean removes build artifacts
func Clean() {
	fmt.Println("Cleaning...")
	os.RemoveAll(binaryName)
	os.RemoveAll("coverage.out")
}

// Check runs the formatters, vet and the race enabled test suite
func Check() {
	mg.Deps(Fmt, Vet)
	mg.Deps(TestRace)
}

// Test runs the ginkgo suites of every package
func Test() error {
	fmt.Println("Go Test")
	return runQuiet(goexe, "test", "./...")
}

// TestRace runs the test suites with the race detector; the evaluator's parallel
// mode and the indicator cache depend on it
func TestRace() error {
	fmt.Println("Go Test Race")
	return runQuiet(goexe, "test", "-race", "./...")
}

// Fmt fails when any go file is not gofmt'ed
func Fmt() error {
	fmt.Println("Go Format")

	// gofmt exits zero even when files need formatting, so look at its output
	out, err := sh.Output("gofmt", "-l", ".")
	if err != nil {
		return err
	}

	var unformatted []string
	for _, f := range strings.Split(out, "\n") {
		if f != "" && !strings.HasPrefix(f, "_") {
			unformatted = append(unformatted, f)
		}
	}
	if len(unformatted) > 0 {
		fmt.Println("The following files are not gofmt'ed:")
		fmt.Println(strings.Join(unformatted, "\n"))
		return errors.New("improperly formatted go files")
	}
	return nil
}

// Vet runs go vet
func Vet() error {
	fmt.Println("Go Vet")

	if err := sh.Run(goexe, "vet", "./..."); err != nil {
		return fmt.Errorf("error running go vet: %v", err)
	}
	return nil
}

// TestCoverHTML opens a coverage report of the whole module
func TestCoverHTML() error {
	fmt.Println("Generate Test Coverage HTML")

	if err := sh.Run(goexe, "test", "-coverprofile=coverage.out", "-covermode=count", "./..."); err != nil {
		return err
	}
	return sh.Run(goexe, "tool", "cover", "-html=coverage.out")
}

// Helpers

func buildFlags() []string {
	if runtime.GOOS == "windows" {
		return []string{"-buildmode", "exe"}
	}
	return nil
}

func flagEnv() map[string]string {
	hash, _ := sh.Output("git", "rev-parse", "--short", "HEAD")
	return map[string]string{
		"COMMIT_HASH": hash,
		"BUILD_DATE":  time.Now().Format("2006-01-02T15:04:05Z0700"),
	}
}

// runQuiet only prints the command's output when it fails, unless mage runs verbose
func runQuiet(cmd string, args ...string) error {
	if mg.Verbose() {
		return sh.RunV(cmd, args...)
	}
	output, err := sh.Output(cmd, args...)
	if err != nil {
		fmt.Fprint(os.Stderr, output)
	}
	return err
}
