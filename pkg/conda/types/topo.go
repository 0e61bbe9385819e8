// Copyright 2023 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package types

import (
	"cmp"
	"slices"

	"github.com/condakit/condakit/pkg/conda/version"
)

// CompareRecords orders records by name, then version, then build string.
// This is the tie-break used wherever record ordering must be deterministic.
func CompareRecords(a, b RepoDataRecord) int {
	if c := cmp.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	if c := version.Compare(a.Version, b.Version); c != 0 {
		return c
	}
	return cmp.Compare(a.Build, b.Build)
}

// SortTopologically orders records so that every record precedes the records
// that depend on it. The result is deterministic under any permutation of
// the input: among records whose dependencies are already emitted, the
// smallest under CompareRecords goes first. Dependency cycles do not fail;
// the smallest record of a cycle is released first.
func SortTopologically(records []RepoDataRecord) []RepoDataRecord {
	if len(records) <= 1 {
		return slices.Clone(records)
	}

	nodes := slices.Clone(records)
	slices.SortFunc(nodes, CompareRecords)

	byName := make(map[string][]int, len(nodes))
	for i, rec := range nodes {
		byName[rec.Name] = append(byName[rec.Name], i)
	}

	// dependents[i] lists nodes that depend on node i
	dependents := make(map[int][]int, len(nodes))
	indegree := make([]int, len(nodes))
	for i, rec := range nodes {
		for _, dep := range rec.Depends {
			name := DependencyName(dep)
			if name == rec.Name {
				continue
			}
			for _, j := range byName[name] {
				dependents[j] = append(dependents[j], i)
				indegree[i]++
			}
		}
	}

	emitted := make([]bool, len(nodes))
	out := make([]RepoDataRecord, 0, len(nodes))
	for len(out) < len(nodes) {
		next := -1
		for i := range nodes {
			if !emitted[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			// cycle: release the smallest remaining record
			for i := range nodes {
				if !emitted[i] {
					next = i
					break
				}
			}
		}
		emitted[next] = true
		out = append(out, nodes[next])
		for _, dep := range dependents[next] {
			indegree[dep]--
		}
		indegree[next] = -1
	}
	return out
}
