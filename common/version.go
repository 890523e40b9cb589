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

package common

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
)

const program = "pvtree"

var (
	// commitHash contains the current Git revision.
	// Use mage to build to make sure this gets set.
	commitHash string

	// buildDate contains the date of the current build.
	buildDate string
)

// Version represents a SemVer 2.0.0 compatible build version
type Version struct {
	Major int
	Minor int
	Patch int

	// Suffix is blank for release versions
	Suffix string
}

func (v Version) String() string {
	if v.Suffix == "" {
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	}

	metadata := ""
	if commitHash != "" {
		metadata = "+" + strings.ToLower(commitHash)
	}

	return fmt.Sprintf("%d.%d.%d-%s%s", v.Major, v.Minor, v.Patch, v.Suffix, metadata)
}

// DependencyList returns the module dependencies compiled into the binary formatted
// as path="version" and sorted by path
func DependencyList() []string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return []string{}
	}

	deps := make([]string, 0, len(bi.Deps))
	for _, dep := range bi.Deps {
		deps = append(deps, fmt.Sprintf("%s=%q", dep.Path, dep.Version))
	}

	sort.Strings(deps)
	return deps
}

// BuildVersionString creates the string printed by "pvtree version"
func BuildVersionString(withDeps bool) string {
	date := buildDate
	if date == "" {
		date = "unknown"
	}

	versionString := fmt.Sprintf(`%s v%s %s/%s

Build Date: %s
Commit: %s
Built with: %s`,
		program, CurrentVersion.String(), runtime.GOOS, runtime.GOARCH, date, commitHash, runtime.Version())

	if withDeps {
		versionString += "\n\nDependencies:\n\n" + strings.Join(DependencyList(), "\n")
	}

	return versionString
}
