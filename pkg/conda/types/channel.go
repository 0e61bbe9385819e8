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
	"fmt"
	"net/url"
	"strings"
)

// DefaultChannelAlias is prepended to bare channel names such as
// "conda-forge" to form a full repository URL.
const DefaultChannelAlias = "https://conda.anaconda.org"

// Channel is a named or URL-identified package repository root, partitioned
// into per-platform subdirectories.
type Channel struct {
	// Name is the short channel name ("conda-forge") or, for ad-hoc URL
	// channels, the URL itself.
	Name string
	// BaseURL is the repository root without a trailing slash.
	BaseURL string
}

// NewChannel canonicalizes a channel given by short name, file path or URL.
// Bare names are resolved against alias; pass "" for the default alias.
func NewChannel(nameOrURL, alias string) (Channel, error) {
	s := strings.TrimRight(strings.TrimSpace(nameOrURL), "/")
	if s == "" {
		return Channel{}, fmt.Errorf("empty channel")
	}
	if alias == "" {
		alias = DefaultChannelAlias
	}
	alias = strings.TrimRight(alias, "/")

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return Channel{}, fmt.Errorf("invalid channel url %q: %w", nameOrURL, err)
		}
		name := strings.Trim(u.Path, "/")
		if name == "" {
			name = u.Host
		}
		return Channel{Name: name, BaseURL: s}, nil
	}
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, "./") {
		return Channel{Name: s, BaseURL: "file://" + s}, nil
	}
	if strings.ContainsAny(s, " \t") {
		return Channel{}, fmt.Errorf("invalid channel name %q", nameOrURL)
	}
	return Channel{Name: s, BaseURL: alias + "/" + s}, nil
}

// MustChannel is like NewChannel with the default alias, panicking on error.
// Intended for tests and fixtures.
func MustChannel(nameOrURL string) Channel {
	c, err := NewChannel(nameOrURL, "")
	if err != nil {
		panic(err)
	}
	return c
}

func (c Channel) String() string { return c.Name }

// SubdirURL returns the repodata root for one platform subdirectory.
func (c Channel) SubdirURL(platform Platform) string {
	return c.BaseURL + "/" + string(platform)
}

// PackageURL returns the canonical download URL for a file in a subdir.
func (c Channel) PackageURL(platform Platform, filename string) string {
	return c.SubdirURL(platform) + "/" + filename
}
