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

package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseChannelConfigs(t *testing.T) {
	doc := []byte(`
default:
  patches_enabled: true
  cache_action: use-cache-only
channels:
  conda-forge:
    zstd_enabled: false
  bioconda:
    cache_action: no-cache
`)
	cfgs, err := ParseChannelConfigs(doc)
	require.NoError(t, err)

	require.True(t, cfgs.Default.PatchesEnabled)
	require.Equal(t, UseCacheOnly, cfgs.Default.CacheAction)
	// defaults not named in the document survive
	require.True(t, cfgs.Default.ZstdEnabled)
	require.True(t, cfgs.Default.Bz2Enabled)

	// per-channel entries inherit the document default
	forge := cfgs.For("conda-forge")
	require.False(t, forge.ZstdEnabled)
	require.True(t, forge.PatchesEnabled)
	require.Equal(t, UseCacheOnly, forge.CacheAction)

	require.Equal(t, NoCache, cfgs.For("bioconda").CacheAction)

	// unknown channels get the default
	require.Equal(t, cfgs.Default, cfgs.For("nvidia"))
}

func TestParseChannelConfigsEmpty(t *testing.T) {
	cfgs, err := ParseChannelConfigs(nil)
	require.NoError(t, err)
	require.Equal(t, DefaultSourceConfig(), cfgs.Default)
}

func TestParseChannelConfigsRejectsBadTypes(t *testing.T) {
	bad := [][]byte{
		[]byte("default:\n  patches_enabled: \"yes please\"\n"),
		[]byte("default:\n  cache_action: 42\n"),
		[]byte("default:\n  cache_action: definitely-not-an-action\n"),
		[]byte("default:\n  unknown_key: true\n"),
		[]byte("channels:\n  conda-forge:\n    zstd_enabled: [1, 2]\n"),
	}
	for _, doc := range bad {
		_, err := ParseChannelConfigs(doc)
		require.Error(t, err, "config:\n%s", doc)
	}
}

func TestParseCacheAction(t *testing.T) {
	for _, a := range []CacheAction{CacheOrFetch, UseCacheOnly, ForceCacheOnly, NoCache} {
		parsed, err := ParseCacheAction(a.String())
		require.NoError(t, err)
		require.Equal(t, a, parsed)
	}
	_, err := ParseCacheAction("nope")
	require.Error(t, err)
}
