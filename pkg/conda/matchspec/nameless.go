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

package matchspec

import (
	"fmt"
	"strings"

	"github.com/condakit/condakit/pkg/conda/types"
	"github.com/condakit/condakit/pkg/conda/version"
)

// NamelessMatchSpec is a package query with the name left open, as used by
// pin and dependency maps that key on name externally.
type NamelessMatchSpec struct {
	Version     *version.Spec
	Build       string
	BuildNumber *BuildNumberSpec
	FileName    string
	Channel     string
	Subdir      string
	MD5         string
	SHA256      string
	Extras      []string
	Condition   string
}

// ParseNameless parses the version/build/bracket part of a query, e.g.
// ">=1.2[build_number=0]".
func ParseNameless(s string, options ...ParseOption) (NamelessMatchSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NamelessMatchSpec{}, fmt.Errorf("empty match spec")
	}
	// reuse the named parser with a placeholder name
	ms, err := Parse("_nameless_ "+s, options...)
	if err != nil {
		return NamelessMatchSpec{}, fmt.Errorf("invalid nameless match spec %q: %w", s, err)
	}
	return NamelessMatchSpec{
		Version:     ms.Version,
		Build:       ms.Build,
		BuildNumber: ms.BuildNumber,
		FileName:    ms.FileName,
		Channel:     ms.Channel,
		Subdir:      ms.Subdir,
		MD5:         ms.MD5,
		SHA256:      ms.SHA256,
		Extras:      ms.Extras,
		Condition:   ms.Condition,
	}, nil
}

// FromNameless binds a name to a nameless query.
func FromNameless(name string, nms NamelessMatchSpec) MatchSpec {
	return MatchSpec{
		Name:        strings.ToLower(name),
		Version:     nms.Version,
		Build:       nms.Build,
		BuildNumber: nms.BuildNumber,
		FileName:    nms.FileName,
		Channel:     nms.Channel,
		Subdir:      nms.Subdir,
		MD5:         nms.MD5,
		SHA256:      nms.SHA256,
		Extras:      nms.Extras,
		Condition:   nms.Condition,
	}
}

// Matches reports whether a record satisfies every populated field; the
// record's name is not considered.
func (nms NamelessMatchSpec) Matches(rec *types.PackageRecord) bool {
	return FromNameless(rec.Name, nms).Matches(rec)
}

func (nms NamelessMatchSpec) String() string {
	s := FromNameless("*", nms).String()
	s = strings.TrimPrefix(s, "* ")
	return strings.TrimPrefix(s, "*")
}
