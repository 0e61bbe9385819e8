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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/condakit/condakit/pkg/conda/version"
)

// NoArchType declares how an architecture-independent package installs.
type NoArchType int

const (
	NoArchNone NoArchType = iota
	NoArchGeneric
	NoArchPython
)

func (n NoArchType) String() string {
	switch n {
	case NoArchPython:
		return "python"
	case NoArchGeneric:
		return "generic"
	}
	return ""
}

// UnmarshalJSON accepts the repodata encodings: "python", "generic", and the
// legacy bare true meaning generic.
func (n *NoArchType) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case nil:
		*n = NoArchNone
	case bool:
		if t {
			*n = NoArchGeneric
		} else {
			*n = NoArchNone
		}
	case string:
		switch t {
		case "python":
			*n = NoArchPython
		case "generic":
			*n = NoArchGeneric
		case "":
			*n = NoArchNone
		default:
			return fmt.Errorf("unknown noarch kind %q", t)
		}
	default:
		return fmt.Errorf("unexpected noarch value %v", v)
	}
	return nil
}

func (n NoArchType) MarshalJSON() ([]byte, error) {
	if n == NoArchNone {
		return []byte("null"), nil
	}
	return json.Marshal(n.String())
}

// PackageRecord is the metadata of a single package artifact as listed in a
// repodata document or a package's embedded index. Records are constructed by
// JSON decoding or through RecordBuilder and are immutable afterwards by
// convention.
type PackageRecord struct {
	Name          string
	Version       version.Version
	Build         string
	BuildNumber   uint64
	Subdir        string
	Arch          string
	Platform      string
	Depends       []string
	Constrains    []string
	NoArch        NoArchType
	TrackFeatures []string
	License       string
	// Timestamp is the build timestamp, nil when the record carries none.
	Timestamp *time.Time
	MD5       string
	SHA256    string
	Size      uint64
}

// recordJSON is the raw wire form of PackageRecord.
type recordJSON struct {
	Name          string     `json:"name"`
	Version       string     `json:"version"`
	Build         string     `json:"build"`
	BuildNumber   uint64     `json:"build_number"`
	Subdir        string     `json:"subdir,omitempty"`
	Arch          string     `json:"arch,omitempty"`
	Platform      string     `json:"platform,omitempty"`
	Depends       []string   `json:"depends,omitempty"`
	Constrains    []string   `json:"constrains,omitempty"`
	NoArch        NoArchType `json:"noarch,omitempty"`
	TrackFeatures any        `json:"track_features,omitempty"`
	License       string     `json:"license,omitempty"`
	Timestamp     int64      `json:"timestamp,omitempty"`
	MD5           string     `json:"md5,omitempty"`
	SHA256        string     `json:"sha256,omitempty"`
	Size          uint64     `json:"size,omitempty"`
}

// Timestamps in old repodata are second-resolution; anything below this is
// interpreted as seconds rather than milliseconds.
const maxSecondTimestamp = 253_402_300_799

func (p *PackageRecord) UnmarshalJSON(b []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Name == "" {
		return fmt.Errorf("package record has no name")
	}
	v, err := version.Parse(raw.Version)
	if err != nil {
		return fmt.Errorf("package record %q: %w", raw.Name, err)
	}
	p.Name = raw.Name
	p.Version = v
	p.Build = raw.Build
	p.BuildNumber = raw.BuildNumber
	p.Subdir = raw.Subdir
	p.Arch = raw.Arch
	p.Platform = raw.Platform
	p.Depends = raw.Depends
	p.Constrains = raw.Constrains
	p.NoArch = raw.NoArch
	p.License = raw.License
	p.MD5 = raw.MD5
	p.SHA256 = raw.SHA256
	p.Size = raw.Size
	p.TrackFeatures = parseTrackFeatures(raw.TrackFeatures)
	if raw.Timestamp != 0 {
		ts := raw.Timestamp
		if ts <= maxSecondTimestamp {
			ts *= 1000
		}
		t := time.UnixMilli(ts).UTC()
		p.Timestamp = &t
	}
	return nil
}

func (p PackageRecord) MarshalJSON() ([]byte, error) {
	raw := recordJSON{
		Name:        p.Name,
		Version:     p.Version.String(),
		Build:       p.Build,
		BuildNumber: p.BuildNumber,
		Subdir:      p.Subdir,
		Arch:        p.Arch,
		Platform:    p.Platform,
		Depends:     p.Depends,
		Constrains:  p.Constrains,
		NoArch:      p.NoArch,
		License:     p.License,
		MD5:         p.MD5,
		SHA256:      p.SHA256,
		Size:        p.Size,
	}
	if len(p.TrackFeatures) > 0 {
		raw.TrackFeatures = strings.Join(p.TrackFeatures, " ")
	}
	if p.Timestamp != nil {
		raw.Timestamp = p.Timestamp.UnixMilli()
	}
	return json.Marshal(raw)
}

// track_features appears both as a space- or comma-separated string and as a
// list, depending on repodata age.
func parseTrackFeatures(v any) []string {
	switch t := v.(type) {
	case string:
		return strings.FieldsFunc(t, func(r rune) bool { return r == ' ' || r == ',' })
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (p *PackageRecord) String() string {
	return fmt.Sprintf("%s=%s=%s", p.Name, p.Version, p.Build)
}

// RecordBuilder assembles a synthetic PackageRecord, the only construction
// path besides JSON decoding. Used for virtual packages and test fixtures.
type RecordBuilder struct {
	rec PackageRecord
}

func NewRecordBuilder(name string, v version.Version) *RecordBuilder {
	return &RecordBuilder{rec: PackageRecord{Name: name, Version: v}}
}

func (b *RecordBuilder) Build(build string) *RecordBuilder {
	b.rec.Build = build
	return b
}

func (b *RecordBuilder) BuildNumber(n uint64) *RecordBuilder {
	b.rec.BuildNumber = n
	return b
}

func (b *RecordBuilder) Subdir(subdir string) *RecordBuilder {
	b.rec.Subdir = subdir
	return b
}

func (b *RecordBuilder) Depends(depends ...string) *RecordBuilder {
	b.rec.Depends = depends
	return b
}

func (b *RecordBuilder) Constrains(constrains ...string) *RecordBuilder {
	b.rec.Constrains = constrains
	return b
}

func (b *RecordBuilder) NoArch(kind NoArchType) *RecordBuilder {
	b.rec.NoArch = kind
	return b
}

func (b *RecordBuilder) TrackFeatures(features ...string) *RecordBuilder {
	b.rec.TrackFeatures = features
	return b
}

func (b *RecordBuilder) Timestamp(t time.Time) *RecordBuilder {
	u := t.UTC()
	b.rec.Timestamp = &u
	return b
}

func (b *RecordBuilder) Record() PackageRecord { return b.rec }

// RepoDataRecord is a PackageRecord plus its provenance: where the artifact
// can be downloaded and which channel listed it. It is always derived from a
// record plus channel context.
type RepoDataRecord struct {
	PackageRecord
	// URL is the canonical download location of the artifact.
	URL string
	// Channel is the originating channel identifier.
	Channel string
	// FileName is the artifact file name within the subdir.
	FileName string
}

// NewRepoDataRecord attaches channel provenance to a package record.
func NewRepoDataRecord(rec PackageRecord, channel Channel, platform Platform, filename string) RepoDataRecord {
	return RepoDataRecord{
		PackageRecord: rec,
		URL:           channel.PackageURL(platform, filename),
		Channel:       channel.Name,
		FileName:      filename,
	}
}

// GenericVirtualPackage represents a detected host capability (glibc
// version, CUDA level, ...) injected into a solve as an already-satisfied,
// non-downloadable package.
type GenericVirtualPackage struct {
	Name        string
	Version     version.Version
	BuildString string
}

func (g GenericVirtualPackage) String() string {
	return fmt.Sprintf("%s=%s=%s", g.Name, g.Version, g.BuildString)
}

// Record converts the capability to a synthetic package record.
func (g GenericVirtualPackage) Record() PackageRecord {
	return NewRecordBuilder(g.Name, g.Version).Build(g.BuildString).Record()
}

// DependencyName extracts the package name a dependency constraint refers
// to: the text before any space or comparison operator, so both
// "python >=3.9" and "python>=3.9" yield "python".
func DependencyName(dep string) string {
	dep = strings.TrimSpace(dep)
	for i := 0; i < len(dep); i++ {
		switch dep[i] {
		case ' ', '\t', '=', '<', '>', '!', '~':
			return dep[:i]
		}
	}
	return dep
}
