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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/condakit/condakit/pkg/conda/version"
)

func TestPackageRecordUnmarshal(t *testing.T) {
	doc := `{
		"name": "numpy",
		"version": "1.26.4",
		"build": "py312h8813227_0",
		"build_number": 0,
		"subdir": "linux-64",
		"depends": ["python >=3.12,<3.13.0a0", "libblas >=3.9.0"],
		"constrains": ["numpy-base <0a0"],
		"track_features": "feat_a feat_b",
		"timestamp": 1707139404881,
		"md5": "0123456789abcdef0123456789abcdef",
		"sha256": "d1f2e3",
		"size": 7484186
	}`
	var rec PackageRecord
	require.NoError(t, json.Unmarshal([]byte(doc), &rec))

	ts := time.UnixMilli(1707139404881).UTC()
	want := PackageRecord{
		Name:          "numpy",
		Version:       version.MustParse("1.26.4"),
		Build:         "py312h8813227_0",
		Subdir:        "linux-64",
		Depends:       []string{"python >=3.12,<3.13.0a0", "libblas >=3.9.0"},
		Constrains:    []string{"numpy-base <0a0"},
		TrackFeatures: []string{"feat_a", "feat_b"},
		Timestamp:     &ts,
		MD5:           "0123456789abcdef0123456789abcdef",
		SHA256:        "d1f2e3",
		Size:          7484186,
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("PackageRecord mismatch (-want, +got): %s", diff)
	}
}

func TestPackageRecordSecondTimestamps(t *testing.T) {
	var rec PackageRecord
	require.NoError(t, json.Unmarshal([]byte(`{"name":"x","version":"1","build":"0","timestamp":1507139404}`), &rec))
	require.Equal(t, time.Unix(1507139404, 0).UTC(), *rec.Timestamp)
}

func TestPackageRecordRejectsBadVersion(t *testing.T) {
	var rec PackageRecord
	err := json.Unmarshal([]byte(`{"name":"x","version":"not a version","build":"0"}`), &rec)
	require.Error(t, err)
}

func TestNoArchDecoding(t *testing.T) {
	tests := []struct {
		in   string
		want NoArchType
	}{
		{`{"name":"x","version":"1","build":"0"}`, NoArchNone},
		{`{"name":"x","version":"1","build":"0","noarch":"python"}`, NoArchPython},
		{`{"name":"x","version":"1","build":"0","noarch":"generic"}`, NoArchGeneric},
		{`{"name":"x","version":"1","build":"0","noarch":true}`, NoArchGeneric},
	}
	for _, tt := range tests {
		var rec PackageRecord
		require.NoError(t, json.Unmarshal([]byte(tt.in), &rec))
		require.Equal(t, tt.want, rec.NoArch, tt.in)
	}

	var rec PackageRecord
	require.Error(t, json.Unmarshal([]byte(`{"name":"x","version":"1","build":"0","noarch":"funky"}`), &rec))
}

func TestRepoDataRecordProvenance(t *testing.T) {
	ch := MustChannel("conda-forge")
	rec := NewRecordBuilder("pip", version.MustParse("24.0")).Build("pyhd8ed1ab_0").Record()
	rdr := NewRepoDataRecord(rec, ch, NoArch, "pip-24.0-pyhd8ed1ab_0.conda")
	require.Equal(t, "https://conda.anaconda.org/conda-forge/noarch/pip-24.0-pyhd8ed1ab_0.conda", rdr.URL)
	require.Equal(t, "conda-forge", rdr.Channel)
}

func TestDependencyName(t *testing.T) {
	tests := []struct {
		dep  string
		want string
	}{
		{"python", "python"},
		{"python >=3.9", "python"},
		{"python>=3.9", "python"},
		{"openssl 3.*", "openssl"},
		{"__glibc>=2.17", "__glibc"},
		{"zlib 1.2.13 h166bdaf_4", "zlib"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, DependencyName(tt.dep), tt.dep)
	}
}

func TestVirtualPackageRecord(t *testing.T) {
	vp := GenericVirtualPackage{Name: "__glibc", Version: version.MustParse("2.35"), BuildString: "0"}
	rec := vp.Record()
	require.Equal(t, "__glibc", rec.Name)
	require.Equal(t, "2.35", rec.Version.String())
	require.Equal(t, "0", rec.Build)
}
