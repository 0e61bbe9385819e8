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

package solver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/condakit/condakit/pkg/conda/matchspec"
	"github.com/condakit/condakit/pkg/conda/types"
)

// parsedDeps caches dependency-string parses across solves.
var parsedDeps sync.Map

func cachedDepSpec(dep string) (matchspec.MatchSpec, error) {
	if cached, ok := parsedDeps.Load(dep); ok {
		return cached.(matchspec.MatchSpec), nil
	}
	ms, err := matchspec.Parse(dep)
	if err != nil {
		return matchspec.MatchSpec{}, fmt.Errorf("dependency %q: %w", dep, err)
	}
	parsedDeps.Store(dep, ms)
	return ms, nil
}

// search is the mutable state of one backtracking run. It is used by a
// single goroutine.
type search struct {
	opts       Options
	candidates map[string][]candidate
	direct     map[string]bool

	assigned map[string]candidate
	// specs holds the active requirement specs per name: the roots plus
	// the depends of every currently assigned record.
	specs map[string][]matchspec.MatchSpec
	// constraints limit a name's candidates but never require the name.
	constraints map[string][]matchspec.MatchSpec

	conflict      *UnsatisfiableError
	conflictDepth int
}

func newSearch(opts Options, candidates map[string][]candidate) (*search, error) {
	s := &search{
		opts:        opts,
		candidates:  candidates,
		direct:      map[string]bool{},
		assigned:    map[string]candidate{},
		specs:       map[string][]matchspec.MatchSpec{},
		constraints: map[string][]matchspec.MatchSpec{},
	}

	for _, spec := range opts.Specs {
		s.direct[spec.Name] = true
		s.specs[spec.Name] = append(s.specs[spec.Name], spec)
	}
	for _, spec := range opts.Constraints {
		if !spec.IsNamed() {
			return nil, fmt.Errorf("constraint specs must name a package, got %q", spec.String())
		}
		s.constraints[spec.Name] = append(s.constraints[spec.Name], spec)
	}

	// virtual packages are pre-satisfied leaves and never downloaded
	for _, vp := range opts.VirtualPackages {
		name := strings.ToLower(vp.Name)
		s.assigned[name] = candidate{
			rec:     types.RepoDataRecord{PackageRecord: vp.Record()},
			virtual: true,
		}
	}

	// pinned records are the only admissible candidate for their name
	for _, rec := range opts.Pinned {
		name := strings.ToLower(rec.Name)
		s.candidates[name] = []candidate{{rec: rec, channelRank: -1}}
	}

	// locked records sort first among their name's candidates
	for _, rec := range opts.Locked {
		name := strings.ToLower(rec.Name)
		found := false
		for i := range s.candidates[name] {
			c := &s.candidates[name][i]
			if c.rec.Version.Compare(rec.Version) == 0 && c.rec.Build == rec.Build {
				c.locked = true
				found = true
			}
		}
		if !found {
			s.candidates[name] = append(s.candidates[name], candidate{rec: rec, locked: true})
		}
	}

	for name, cands := range s.candidates {
		s.sortCandidates(name, cands)
	}
	return s, nil
}

// sortCandidates orders a name's candidates by descending preference:
// locked, then strategy, then fewer track features, then channel rank.
// Remaining ties break on build string, subdir and file name, so the order
// never depends on how candidates were gathered.
func (s *search) sortCandidates(name string, cands []candidate) {
	strat := s.opts.Strategy
	if strat == LowestDirect && !s.direct[name] {
		strat = Highest
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.locked != b.locked {
			return a.locked
		}
		if cmp := a.rec.Version.Compare(b.rec.Version); cmp != 0 {
			if strat == Lowest || strat == LowestDirect {
				return cmp < 0
			}
			return cmp > 0
		}
		if a.rec.BuildNumber != b.rec.BuildNumber {
			if strat == Lowest || strat == LowestDirect {
				return a.rec.BuildNumber < b.rec.BuildNumber
			}
			return a.rec.BuildNumber > b.rec.BuildNumber
		}
		if len(a.rec.TrackFeatures) != len(b.rec.TrackFeatures) {
			return len(a.rec.TrackFeatures) < len(b.rec.TrackFeatures)
		}
		if a.channelRank != b.channelRank {
			return a.channelRank < b.channelRank
		}
		if a.rec.Build != b.rec.Build {
			return a.rec.Build < b.rec.Build
		}
		if a.rec.Subdir != b.rec.Subdir {
			return a.rec.Subdir < b.rec.Subdir
		}
		return a.rec.FileName < b.rec.FileName
	})
}

func (s *search) run(ctx context.Context) error {
	ok, err := s.step(ctx)
	if err != nil {
		return err
	}
	if !ok {
		if s.conflict != nil {
			return s.conflict
		}
		return &UnsatisfiableError{Specs: specStrings(s.opts.Specs)}
	}
	return nil
}

// step performs one decision level: pick the open name with the fewest
// viable candidates, try each in preference order, recurse. Returns false
// when every branch dead-ends.
func (s *search) step(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	// a constrains entry binds even when its target was assigned before the
	// constraint appeared; this also covers virtual packages, which are
	// assigned without ever being required
	for name, cons := range s.constraints {
		if c, ok := s.assigned[name]; ok && !matchesAll(cons, &c.rec) {
			s.fail(name)
			return false, nil
		}
	}

	// validate assigned names against their current spec set and find the
	// most constrained open name
	next := ""
	var nextViable []candidate
	for name, specs := range s.specs {
		if c, ok := s.assigned[name]; ok {
			if !matchesAll(specs, &c.rec) {
				s.fail(name)
				return false, nil
			}
			continue
		}
		viable := s.viable(name, specs)
		if len(viable) == 0 {
			s.fail(name)
			return false, nil
		}
		if next == "" || len(viable) < len(nextViable) ||
			(len(viable) == len(nextViable) && name < next) {
			next = name
			nextViable = viable
		}
	}
	if next == "" {
		// every required name is assigned consistently
		return true, nil
	}

	for _, cand := range nextViable {
		undo, err := s.assign(next, cand)
		if err != nil {
			return false, err
		}
		ok, err := s.step(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		s.unassign(next, undo)
	}
	return false, nil
}

// viable filters a name's candidates by its active specs and constraints.
func (s *search) viable(name string, specs []matchspec.MatchSpec) []candidate {
	var out []candidate
	for _, c := range s.candidates[name] {
		rec := c.rec
		if matchesAll(specs, &rec) && matchesAll(s.constraints[name], &rec) {
			out = append(out, c)
		}
	}
	return out
}

type undoFrame struct {
	specAdds []string
	consAdds []string
}

func (s *search) assign(name string, cand candidate) (undoFrame, error) {
	var undo undoFrame
	s.assigned[name] = cand

	for _, dep := range cand.rec.Depends {
		ms, err := cachedDepSpec(dep)
		if err != nil {
			return undo, err
		}
		s.specs[ms.Name] = append(s.specs[ms.Name], ms)
		undo.specAdds = append(undo.specAdds, ms.Name)
	}
	for _, cons := range cand.rec.Constrains {
		ms, err := cachedDepSpec(cons)
		if err != nil {
			return undo, err
		}
		s.constraints[ms.Name] = append(s.constraints[ms.Name], ms)
		undo.consAdds = append(undo.consAdds, ms.Name)
	}
	return undo, nil
}

func (s *search) unassign(name string, undo undoFrame) {
	delete(s.assigned, name)
	for _, n := range undo.specAdds {
		specs := s.specs[n]
		if len(specs) == 1 {
			delete(s.specs, n)
		} else {
			s.specs[n] = specs[:len(specs)-1]
		}
	}
	for _, n := range undo.consAdds {
		cons := s.constraints[n]
		if len(cons) == 1 {
			delete(s.constraints, n)
		} else {
			s.constraints[n] = cons[:len(cons)-1]
		}
	}
}

// fail records the deepest conflict encountered, which names the spec set to
// report when the whole search is exhausted.
func (s *search) fail(name string) {
	if s.conflict != nil && len(s.assigned) < s.conflictDepth {
		return
	}
	specs := specStrings(s.specs[name])
	for _, c := range s.constraints[name] {
		specs = append(specs, c.String())
	}
	s.conflict = &UnsatisfiableError{Name: name, Specs: specs}
	s.conflictDepth = len(s.assigned)
}

func matchesAll(specs []matchspec.MatchSpec, rec *types.RepoDataRecord) bool {
	for _, spec := range specs {
		if !spec.MatchesRecord(rec) {
			return false
		}
	}
	return true
}

func specStrings(specs []matchspec.MatchSpec) []string {
	out := make([]string, 0, len(specs))
	for _, spec := range specs {
		out = append(out, spec.String())
	}
	return out
}
