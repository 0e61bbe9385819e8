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

// Package types holds the package metadata records produced by repodata
// parsing and consumed by the solver: platforms, channels, package records
// and their provenance-carrying variant.
package types

import (
	"fmt"
	"runtime"
	"strings"
)

// Platform identifies one channel subdirectory: an OS/architecture pair such
// as "linux-64", or the architecture-independent "noarch".
type Platform string

const (
	Linux64    Platform = "linux-64"
	LinuxArm64 Platform = "linux-aarch64"
	LinuxPpc64 Platform = "linux-ppc64le"
	Osx64      Platform = "osx-64"
	OsxArm64   Platform = "osx-arm64"
	Win64      Platform = "win-64"
	WinArm64   Platform = "win-arm64"
	NoArch     Platform = "noarch"
)

var knownPlatforms = map[Platform]bool{
	Linux64:    true,
	LinuxArm64: true,
	LinuxPpc64: true,
	Osx64:      true,
	OsxArm64:   true,
	Win64:      true,
	WinArm64:   true,
	NoArch:     true,
}

// ParsePlatform validates a subdir name.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !knownPlatforms[p] {
		return "", fmt.Errorf("unknown platform %q", s)
	}
	return p, nil
}

// CurrentPlatform maps the running OS/arch to its subdir name.
func CurrentPlatform() Platform {
	switch runtime.GOOS {
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return OsxArm64
		}
		return Osx64
	case "windows":
		if runtime.GOARCH == "arm64" {
			return WinArm64
		}
		return Win64
	default:
		switch runtime.GOARCH {
		case "arm64":
			return LinuxArm64
		case "ppc64le":
			return LinuxPpc64
		default:
			return Linux64
		}
	}
}

func (p Platform) String() string { return string(p) }

// IsNoArch reports whether this is the architecture-independent subdir.
func (p Platform) IsNoArch() bool { return p == NoArch }

// Arch returns the architecture half of the subdir name, "" for noarch.
func (p Platform) Arch() string {
	if p.IsNoArch() {
		return ""
	}
	if i := strings.LastIndexByte(string(p), '-'); i >= 0 {
		return string(p)[i+1:]
	}
	return ""
}

// OS returns the operating-system half of the subdir name, "" for noarch.
func (p Platform) OS() string {
	if p.IsNoArch() {
		return ""
	}
	if i := strings.IndexByte(string(p), '-'); i >= 0 {
		return string(p)[:i]
	}
	return string(p)
}
