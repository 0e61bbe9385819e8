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

// Package solver turns a set of package queries plus channel metadata into a
// consistent, installable record set. The search assigns at most one record
// per package name, honoring dependencies, run constraints, pins and locks,
// and backtracks when an assignment dead-ends.
package solver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/condakit/condakit/pkg/conda/gateway"
	"github.com/condakit/condakit/pkg/conda/matchspec"
	"github.com/condakit/condakit/pkg/conda/repodata"
	"github.com/condakit/condakit/pkg/conda/types"
)

// ChannelPriority decides how candidates from different channels compete.
type ChannelPriority int

const (
	// StrictPriority gives a package name to the first channel that
	// provides it; later channels' candidates for that name are dropped.
	StrictPriority ChannelPriority = iota
	// DisabledPriority lets all channels compete purely on version.
	DisabledPriority
)

// Strategy orders a name's admissible candidates.
type Strategy int

const (
	// Highest prefers the newest version of every package.
	Highest Strategy = iota
	// Lowest prefers the oldest version of every package.
	Lowest
	// LowestDirect prefers the oldest version for directly requested
	// packages and the newest for transitive dependencies.
	LowestDirect
)

// Options is one solve request. Candidates come either from a Gateway with
// Channels/Platforms or from pre-loaded sparse repodata.
type Options struct {
	Gateway   *gateway.Gateway
	Channels  []types.Channel
	Platforms []types.Platform
	RepoData  []*repodata.SparseRepoData
	Formats   repodata.FormatSelection

	Specs       []matchspec.MatchSpec
	Constraints []matchspec.MatchSpec
	// Locked records are preferred for their name but can be overridden
	// when no solution keeps them.
	Locked []types.RepoDataRecord
	// Pinned records are forced: the solve fails rather than deviate.
	Pinned          []types.RepoDataRecord
	VirtualPackages []types.GenericVirtualPackage
	ChannelPriority ChannelPriority
	Strategy        Strategy
	// ExcludeNewer drops candidates whose timestamp is after this instant.
	// Records without a timestamp are never dropped.
	ExcludeNewer *time.Time
	Timeout      time.Duration
}

// UnsatisfiableError reports that no assignment satisfies the request. Specs
// holds the conflicting spec set.
type UnsatisfiableError struct {
	Name  string
	Specs []string
}

func (e *UnsatisfiableError) Error() string {
	return fmt.Sprintf("unsatisfiable: no candidate for %q satisfies %s", e.Name, strings.Join(e.Specs, ", "))
}

// TimeoutError reports that the search did not finish within the budget. It
// is distinct from unsatisfiability: a solution may still exist.
type TimeoutError struct {
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("solve timed out after %s", e.Budget)
}

// candidate is one installable record plus its solver-relevant metadata.
type candidate struct {
	rec         types.RepoDataRecord
	channelRank int
	locked      bool
	virtual     bool
}

// Solve resolves the request to an ordered record list. It holds no state
// between calls; cancellation via ctx or Timeout discards all partial work.
func Solve(ctx context.Context, opts Options) ([]types.RepoDataRecord, error) {
	ctx, span := otel.Tracer("condakit").Start(ctx, "Solve")
	defer span.End()

	if len(opts.Specs) == 0 {
		return nil, errors.New("no specs to solve")
	}
	for _, spec := range opts.Specs {
		if !spec.IsNamed() {
			return nil, fmt.Errorf("solve specs must name a package, got %q", spec.String())
		}
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	timeoutErr := func(err error) error {
		if opts.Timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
			return &TimeoutError{Budget: opts.Timeout}
		}
		return err
	}

	candidates, err := gatherCandidates(ctx, opts)
	if err != nil {
		return nil, timeoutErr(err)
	}

	s, err := newSearch(opts, candidates)
	if err != nil {
		return nil, err
	}
	if err := s.run(ctx); err != nil {
		return nil, timeoutErr(err)
	}

	out := make([]types.RepoDataRecord, 0, len(s.assigned))
	for _, c := range s.assigned {
		if !c.virtual {
			out = append(out, c.rec)
		}
	}
	return types.SortTopologically(out), nil
}

// gatherCandidates fetches the dependency closure of the root specs from the
// configured sources and applies the candidate-level filters: exclude-newer,
// strict channel ownership.
func gatherCandidates(ctx context.Context, opts Options) (map[string][]candidate, error) {
	rootNames := make([]string, 0, len(opts.Specs))
	for _, spec := range opts.Specs {
		rootNames = append(rootNames, spec.Name)
	}

	var perSource [][]types.RepoDataRecord
	switch {
	case len(opts.RepoData) > 0:
		results, err := repodata.LoadRecordsRecursive(ctx, opts.RepoData, rootNames, opts.Formats)
		if err != nil {
			return nil, err
		}
		perSource = results

	case opts.Gateway != nil && len(opts.Channels) > 0:
		platforms := opts.Platforms
		hasNoArch := false
		for _, p := range platforms {
			if p.IsNoArch() {
				hasNoArch = true
			}
		}
		if !hasNoArch {
			platforms = append(append([]types.Platform{}, platforms...), types.NoArch)
		}
		results, err := opts.Gateway.Query(ctx, gateway.QueryOptions{
			Channels:  opts.Channels,
			Platforms: platforms,
			Specs:     nameOnlySpecs(rootNames),
			Recursive: true,
			Formats:   opts.Formats,
		})
		if err != nil {
			return nil, err
		}
		for i, res := range results {
			if res.Err != nil {
				return nil, fmt.Errorf("channel %s: %w", opts.Channels[i].Name, res.Err)
			}
			perSource = append(perSource, res.Records)
		}

	default:
		return nil, errors.New("no candidate sources: provide RepoData or Gateway plus Channels")
	}

	candidates := map[string][]candidate{}
	for rank, recs := range perSource {
		for _, rec := range recs {
			name := strings.ToLower(rec.Name)
			if opts.ExcludeNewer != nil && rec.Timestamp != nil && rec.Timestamp.After(*opts.ExcludeNewer) {
				continue
			}
			candidates[name] = append(candidates[name], candidate{rec: rec, channelRank: rank})
		}
	}

	if opts.ChannelPriority == StrictPriority {
		for name, cands := range candidates {
			owner := cands[0].channelRank
			for _, c := range cands[1:] {
				if c.channelRank < owner {
					owner = c.channelRank
				}
			}
			kept := cands[:0]
			for _, c := range cands {
				if c.channelRank == owner {
					kept = append(kept, c)
				}
			}
			candidates[name] = kept
		}
	}
	return candidates, nil
}

func nameOnlySpecs(names []string) []matchspec.MatchSpec {
	out := make([]matchspec.MatchSpec, 0, len(names))
	for _, name := range names {
		out = append(out, matchspec.MatchSpec{Name: name})
	}
	return out
}
