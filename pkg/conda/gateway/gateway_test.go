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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/condakit/condakit/pkg/conda/matchspec"
	"github.com/condakit/condakit/pkg/conda/repodata"
	"github.com/condakit/condakit/pkg/conda/types"
	"github.com/condakit/condakit/pkg/conda/version"
)

func mustVersion(s string) version.Version { return version.MustParse(s) }

func rec(name, version string, depends ...string) map[string]any {
	m := map[string]any{"name": name, "version": version, "build": "0", "build_number": 0}
	if len(depends) > 0 {
		m["depends"] = depends
	}
	return m
}

func docJSON(t *testing.T, subdir string, pkgs map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"info":             map[string]any{"subdir": subdir},
		"packages.conda":   pkgs,
		"repodata_version": 1,
	})
	require.NoError(t, err)
	return b
}

// testServer serves fixed paths and counts requests per path.
type testServer struct {
	*httptest.Server

	mu     sync.Mutex
	files  map[string][]byte
	counts map[string]int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{files: map[string][]byte{}, counts: map[string]int{}}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.counts[r.URL.Path]++
		body, ok := ts.files[r.URL.Path]
		ts.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body) //nolint:errcheck
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) set(path string, body []byte) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.files[path] = body
}

func (ts *testServer) count(path string) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.counts[path]
}

func (ts *testServer) channel(t *testing.T) types.Channel {
	t.Helper()
	ch, err := types.NewChannel(ts.URL+"/testchan", "")
	require.NoError(t, err)
	return ch
}

func plainConfig() SourceConfig {
	return SourceConfig{CacheAction: CacheOrFetch}
}

func specs(t *testing.T, texts ...string) []matchspec.MatchSpec {
	t.Helper()
	out := make([]matchspec.MatchSpec, 0, len(texts))
	for _, s := range texts {
		out = append(out, matchspec.MustParse(s))
	}
	return out
}

func recordNames(recs []types.RepoDataRecord) []string {
	names := make([]string, 0, len(recs))
	for _, r := range recs {
		names = append(names, r.Name)
	}
	return names
}

func TestQueryFetchesAndCaches(t *testing.T) {
	ts := newTestServer(t)
	ts.set("/testchan/linux-64/repodata.json", docJSON(t, "linux-64", map[string]any{
		"pkg-a-1.0-0.conda": rec("pkg-a", "1.0", "pkg-b >=1.0"),
		"pkg-b-1.0-0.conda": rec("pkg-b", "1.0"),
		"pkg-z-1.0-0.conda": rec("pkg-z", "1.0"),
	}))

	cacheDir := t.TempDir()
	g, err := New(WithCacheDir(cacheDir), WithDefaultConfig(plainConfig()))
	require.NoError(t, err)

	results, err := g.Query(context.Background(), QueryOptions{
		Channels:  []types.Channel{ts.channel(t)},
		Platforms: []types.Platform{types.Linux64},
		Specs:     specs(t, "pkg-a"),
		Recursive: true,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.ElementsMatch(t, []string{"pkg-a", "pkg-b"}, recordNames(results[0].Records))

	// the second query reuses the in-memory future, no refetch
	_, err = g.Query(context.Background(), QueryOptions{
		Channels:  []types.Channel{ts.channel(t)},
		Platforms: []types.Platform{types.Linux64},
		Specs:     specs(t, "pkg-z"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, ts.count("/testchan/linux-64/repodata.json"))

	// a fresh gateway over the same cache dir works without the network
	offline, err := New(WithCacheDir(cacheDir),
		WithDefaultConfig(SourceConfig{CacheAction: ForceCacheOnly}))
	require.NoError(t, err)
	results, err = offline.Query(context.Background(), QueryOptions{
		Channels:  []types.Channel{ts.channel(t)},
		Platforms: []types.Platform{types.Linux64},
		Specs:     specs(t, "pkg-z"),
	})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	require.Equal(t, []string{"pkg-z"}, recordNames(results[0].Records))
	require.Equal(t, 1, ts.count("/testchan/linux-64/repodata.json"))
}

func TestZstdVariantPreferred(t *testing.T) {
	doc := docJSON(t, "linux-64", map[string]any{
		"pkg-a-1.0-0.conda": rec("pkg-a", "1.0"),
	})
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(doc, nil)
	require.NoError(t, enc.Close())

	ts := newTestServer(t)
	// only the zstd variant exists
	ts.set("/testchan/linux-64/repodata.json.zst", compressed)

	g, err := New(WithCacheDir(t.TempDir()),
		WithDefaultConfig(SourceConfig{ZstdEnabled: true, CacheAction: CacheOrFetch}))
	require.NoError(t, err)

	results, err := g.Query(context.Background(), QueryOptions{
		Channels:  []types.Channel{ts.channel(t)},
		Platforms: []types.Platform{types.Linux64},
		Specs:     specs(t, "pkg-a"),
	})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	require.Equal(t, []string{"pkg-a"}, recordNames(results[0].Records))
	// the uncompressed variant was never tried
	require.Equal(t, 0, ts.count("/testchan/linux-64/repodata.json"))
}

func TestNoCacheAlwaysRefetches(t *testing.T) {
	ts := newTestServer(t)
	ts.set("/testchan/linux-64/repodata.json", docJSON(t, "linux-64", map[string]any{
		"pkg-a-1.0-0.conda": rec("pkg-a", "1.0"),
	}))

	g, err := New(WithCacheDir(t.TempDir()),
		WithDefaultConfig(SourceConfig{CacheAction: NoCache}))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		results, err := g.Query(context.Background(), QueryOptions{
			Channels:  []types.Channel{ts.channel(t)},
			Platforms: []types.Platform{types.Linux64},
			Specs:     specs(t, "pkg-a"),
		})
		require.NoError(t, err)
		require.NoError(t, results[0].Err)
	}
	require.Equal(t, 2, ts.count("/testchan/linux-64/repodata.json"))
}

func TestUseCacheOnlyWithoutCacheFails(t *testing.T) {
	ts := newTestServer(t)
	g, err := New(WithCacheDir(t.TempDir()),
		WithDefaultConfig(SourceConfig{CacheAction: UseCacheOnly}))
	require.NoError(t, err)

	results, err := g.Query(context.Background(), QueryOptions{
		Channels:  []types.Channel{ts.channel(t)},
		Platforms: []types.Platform{types.Linux64},
		Specs:     specs(t, "pkg-a"),
	})
	// the failure is attached to the source slot, the query itself succeeds
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	require.Empty(t, results[0].Records)
	require.Equal(t, 0, ts.count("/testchan/linux-64/repodata.json"))
}

func TestPatchUpdate(t *testing.T) {
	doc1 := docJSON(t, "linux-64", map[string]any{
		"pkg-a-1.0-0.conda": rec("pkg-a", "1.0"),
	})
	doc2 := docJSON(t, "linux-64", map[string]any{
		"pkg-a-1.0-0.conda": rec("pkg-a", "1.0"),
		"pkg-a-1.1-0.conda": rec("pkg-a", "1.1"),
	})
	newEntry, err := json.Marshal(rec("pkg-a", "1.1"))
	require.NoError(t, err)

	ps, err := json.Marshal(repodata.PatchSet{
		LatestHash: repodata.DocumentHash(doc2),
		Patches: []repodata.Patch{{
			Serial:   1,
			FromHash: repodata.DocumentHash(doc1),
			ToHash:   repodata.DocumentHash(doc2),
			Update: map[string]map[string]json.RawMessage{
				"packages.conda": {"pkg-a-1.1-0.conda": newEntry},
			},
		}},
	})
	require.NoError(t, err)

	ts := newTestServer(t)
	ts.set("/testchan/linux-64/repodata.json", doc1)
	cfg := SourceConfig{PatchesEnabled: true, CacheAction: CacheOrFetch}
	cacheDir := t.TempDir()

	// prime the disk cache with doc1
	g, err := New(WithCacheDir(cacheDir), WithDefaultConfig(cfg))
	require.NoError(t, err)
	_, err = g.Query(context.Background(), QueryOptions{
		Channels:  []types.Channel{ts.channel(t)},
		Platforms: []types.Platform{types.Linux64},
		Specs:     specs(t, "pkg-a"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, ts.count("/testchan/linux-64/repodata.json"))

	// the channel publishes doc2 and the patch chain leading to it
	ts.set("/testchan/linux-64/repodata.json", doc2)
	ts.set("/testchan/linux-64/repodata_patches.json", ps)

	g2, err := New(WithCacheDir(cacheDir), WithDefaultConfig(cfg))
	require.NoError(t, err)
	results, err := g2.Query(context.Background(), QueryOptions{
		Channels:  []types.Channel{ts.channel(t)},
		Platforms: []types.Platform{types.Linux64},
		Specs:     specs(t, "pkg-a >=1.1"),
	})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	require.Len(t, results[0].Records, 1)
	require.Equal(t, "1.1", results[0].Records[0].Version.String())

	// updated incrementally: the full document was not refetched
	require.Equal(t, 1, ts.count("/testchan/linux-64/repodata.json"))
	require.Equal(t, 1, ts.count("/testchan/linux-64/repodata_patches.json"))
}

func TestPatchChainMismatchForcesRefetch(t *testing.T) {
	doc1 := docJSON(t, "linux-64", map[string]any{
		"pkg-a-1.0-0.conda": rec("pkg-a", "1.0"),
	})
	// a chain that does not reach the cached document
	ps, err := json.Marshal(repodata.PatchSet{
		LatestHash: "ffff",
		Patches:    []repodata.Patch{{Serial: 9, FromHash: "eeee", ToHash: "ffff"}},
	})
	require.NoError(t, err)

	ts := newTestServer(t)
	ts.set("/testchan/linux-64/repodata.json", doc1)
	ts.set("/testchan/linux-64/repodata_patches.json", ps)
	cfg := SourceConfig{PatchesEnabled: true, CacheAction: CacheOrFetch}
	cacheDir := t.TempDir()

	g, err := New(WithCacheDir(cacheDir), WithDefaultConfig(cfg))
	require.NoError(t, err)
	_, err = g.Query(context.Background(), QueryOptions{
		Channels:  []types.Channel{ts.channel(t)},
		Platforms: []types.Platform{types.Linux64},
		Specs:     specs(t, "pkg-a"),
	})
	require.NoError(t, err)

	g2, err := New(WithCacheDir(cacheDir), WithDefaultConfig(cfg))
	require.NoError(t, err)
	results, err := g2.Query(context.Background(), QueryOptions{
		Channels:  []types.Channel{ts.channel(t)},
		Platforms: []types.Platform{types.Linux64},
		Specs:     specs(t, "pkg-a"),
	})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)

	// the broken chain forced one full refetch
	require.Equal(t, 2, ts.count("/testchan/linux-64/repodata.json"))
}

func TestSharded(t *testing.T) {
	shardA := docJSON(t, "linux-64", map[string]any{
		"pkg-a-1.0-0.conda": rec("pkg-a", "1.0", "pkg-b"),
	})
	shardB := docJSON(t, "linux-64", map[string]any{
		"pkg-b-1.0-0.conda": rec("pkg-b", "1.0"),
	})
	shardZ := docJSON(t, "linux-64", map[string]any{
		"pkg-z-1.0-0.conda": rec("pkg-z", "1.0"),
	})

	index, err := json.Marshal(map[string]any{
		"info": map[string]any{"subdir": "linux-64"},
		"shards": map[string]any{
			"pkg-a": map[string]any{"path": "shards/pkg-a.json", "sha256": repodata.DocumentHash(shardA)},
			"pkg-b": map[string]any{"path": "shards/pkg-b.json", "sha256": repodata.DocumentHash(shardB)},
			"pkg-z": map[string]any{"path": "shards/pkg-z.json", "sha256": repodata.DocumentHash(shardZ)},
		},
	})
	require.NoError(t, err)

	ts := newTestServer(t)
	ts.set("/testchan/linux-64/repodata_shards.json", index)
	ts.set("/testchan/linux-64/shards/pkg-a.json", shardA)
	ts.set("/testchan/linux-64/shards/pkg-b.json", shardB)
	ts.set("/testchan/linux-64/shards/pkg-z.json", shardZ)

	g, err := New(WithCacheDir(t.TempDir()),
		WithDefaultConfig(SourceConfig{ShardedEnabled: true, CacheAction: CacheOrFetch}))
	require.NoError(t, err)

	results, err := g.Query(context.Background(), QueryOptions{
		Channels:  []types.Channel{ts.channel(t)},
		Platforms: []types.Platform{types.Linux64},
		Specs:     specs(t, "pkg-a"),
		Recursive: true,
	})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	require.ElementsMatch(t, []string{"pkg-a", "pkg-b"}, recordNames(results[0].Records))

	// only the shards the closure touched were fetched
	require.Equal(t, 1, ts.count("/testchan/linux-64/shards/pkg-a.json"))
	require.Equal(t, 1, ts.count("/testchan/linux-64/shards/pkg-b.json"))
	require.Equal(t, 0, ts.count("/testchan/linux-64/shards/pkg-z.json"))
	// the monolithic document was never requested
	require.Equal(t, 0, ts.count("/testchan/linux-64/repodata.json"))
}

func TestShardHashMismatch(t *testing.T) {
	shardA := docJSON(t, "linux-64", map[string]any{
		"pkg-a-1.0-0.conda": rec("pkg-a", "1.0"),
	})
	index, err := json.Marshal(map[string]any{
		"info": map[string]any{"subdir": "linux-64"},
		"shards": map[string]any{
			"pkg-a": map[string]any{"path": "shards/pkg-a.json", "sha256": "0000"},
		},
	})
	require.NoError(t, err)

	ts := newTestServer(t)
	ts.set("/testchan/linux-64/repodata_shards.json", index)
	ts.set("/testchan/linux-64/shards/pkg-a.json", shardA)

	g, err := New(WithCacheDir(t.TempDir()),
		WithDefaultConfig(SourceConfig{ShardedEnabled: true, CacheAction: CacheOrFetch}))
	require.NoError(t, err)

	results, err := g.Query(context.Background(), QueryOptions{
		Channels:  []types.Channel{ts.channel(t)},
		Platforms: []types.Platform{types.Linux64},
		Specs:     specs(t, "pkg-a"),
	})
	require.NoError(t, err)
	require.Error(t, results[0].Err)
	require.Contains(t, results[0].Err.Error(), "hash mismatch")
}

func TestShardFetchHonorsContext(t *testing.T) {
	shardA := docJSON(t, "linux-64", map[string]any{
		"pkg-a-1.0-0.conda": rec("pkg-a", "1.0"),
	})
	index, err := json.Marshal(map[string]any{
		"info": map[string]any{"subdir": "linux-64"},
		"shards": map[string]any{
			"pkg-a": map[string]any{"path": "shards/pkg-a.json", "sha256": repodata.DocumentHash(shardA)},
		},
	})
	require.NoError(t, err)

	ts := newTestServer(t)
	ts.set("/testchan/linux-64/repodata_shards.json", index)
	ts.set("/testchan/linux-64/shards/pkg-a.json", shardA)

	g, err := New(WithCacheDir(t.TempDir()),
		WithDefaultConfig(SourceConfig{ShardedEnabled: true, CacheAction: CacheOrFetch}))
	require.NoError(t, err)

	sd, err := g.openSharded(context.Background(), ts.channel(t), types.Linux64, false)
	require.NoError(t, err)

	// cancellation must reach the per-name shard fetch
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sd.LoadRecords(ctx, "pkg-a", repodata.PreferConda)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, ts.count("/testchan/linux-64/shards/pkg-a.json"))
}

func TestNoCacheShardedNeverTouchesDisk(t *testing.T) {
	shardA := docJSON(t, "linux-64", map[string]any{
		"pkg-a-1.0-0.conda": rec("pkg-a", "1.0"),
	})
	index, err := json.Marshal(map[string]any{
		"info": map[string]any{"subdir": "linux-64"},
		"shards": map[string]any{
			"pkg-a": map[string]any{"path": "shards/pkg-a.json", "sha256": repodata.DocumentHash(shardA)},
		},
	})
	require.NoError(t, err)

	ts := newTestServer(t)
	ts.set("/testchan/linux-64/repodata_shards.json", index)
	ts.set("/testchan/linux-64/shards/pkg-a.json", shardA)

	cacheDir := t.TempDir()
	g, err := New(WithCacheDir(cacheDir),
		WithDefaultConfig(SourceConfig{ShardedEnabled: true, CacheAction: NoCache}))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		results, err := g.Query(context.Background(), QueryOptions{
			Channels:  []types.Channel{ts.channel(t)},
			Platforms: []types.Platform{types.Linux64},
			Specs:     specs(t, "pkg-a"),
		})
		require.NoError(t, err)
		require.NoError(t, results[0].Err)
		require.Equal(t, []string{"pkg-a"}, recordNames(results[0].Records))
	}

	// the sharded variant is still used, but nothing is reused or cached
	require.Equal(t, 2, ts.count("/testchan/linux-64/repodata_shards.json"))
	require.Equal(t, 2, ts.count("/testchan/linux-64/shards/pkg-a.json"))
	require.Equal(t, 0, ts.count("/testchan/linux-64/repodata.json"))
	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestMaxConcurrentRequestsBound(t *testing.T) {
	platforms := []types.Platform{types.Linux64, types.LinuxArm64, types.Osx64, types.NoArch}
	docs := map[string][]byte{}
	for i, p := range platforms {
		docs["/testchan/"+string(p)+"/repodata.json"] = docJSON(t, string(p), map[string]any{
			fmt.Sprintf("pkg-a-1.%d-0.conda", i): rec("pkg-a", fmt.Sprintf("1.%d", i)),
		})
	}

	var mu sync.Mutex
	inflight, maxInflight, requests := 0, 0, 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		inflight++
		if inflight > maxInflight {
			maxInflight = inflight
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		inflight--
		mu.Unlock()
		body, ok := docs[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body) //nolint:errcheck
	}))
	t.Cleanup(srv.Close)
	ch, err := types.NewChannel(srv.URL+"/testchan", "")
	require.NoError(t, err)

	g, err := New(WithCacheDir(t.TempDir()), WithDefaultConfig(plainConfig()),
		WithMaxConcurrentRequests(2))
	require.NoError(t, err)

	results, err := g.Query(context.Background(), QueryOptions{
		Channels:  []types.Channel{ch},
		Platforms: platforms,
		Specs:     specs(t, "pkg-a"),
	})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	require.Len(t, results[0].Records, len(platforms))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, len(platforms), requests)
	// the semaphore keeps concurrent fetches within the bound
	require.LessOrEqual(t, maxInflight, 2)
}

// staticSource is a custom Source backed by fixed records.
type staticSource struct {
	records map[string][]types.RepoDataRecord
	err     error
}

func (s *staticSource) PackageNames(types.Platform) ([]string, error) {
	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	return names, s.err
}

func (s *staticSource) FetchPackageRecords(_ context.Context, _ types.Platform, name string) ([]types.RepoDataRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.records[name], nil
}

func staticRecord(name, version string) types.RepoDataRecord {
	return types.NewRepoDataRecord(
		types.NewRecordBuilder(name, mustVersion(version)).Build("0").Subdir("linux-64").Record(),
		types.MustChannel("static"), types.Linux64, fmt.Sprintf("%s-%s-0.conda", name, version))
}

func TestCustomSources(t *testing.T) {
	ts := newTestServer(t)
	ts.set("/testchan/linux-64/repodata.json", docJSON(t, "linux-64", map[string]any{
		"pkg-a-1.0-0.conda": rec("pkg-a", "1.0"),
	}))

	good := &staticSource{records: map[string][]types.RepoDataRecord{
		"pkg-a": {staticRecord("pkg-a", "2.0")},
	}}
	bad := &staticSource{err: fmt.Errorf("backend unavailable")}

	g, err := New(WithCacheDir(t.TempDir()), WithDefaultConfig(plainConfig()))
	require.NoError(t, err)

	results, err := g.Query(context.Background(), QueryOptions{
		Channels:  []types.Channel{ts.channel(t)},
		Sources:   []Source{good, bad},
		Platforms: []types.Platform{types.Linux64},
		Specs:     specs(t, "pkg-a"),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	// channels come first, then custom sources in input order
	require.NoError(t, results[0].Err)
	require.Equal(t, "1.0", results[0].Records[0].Version.String())
	require.NoError(t, results[1].Err)
	require.Equal(t, "2.0", results[1].Records[0].Version.String())
	require.Error(t, results[2].Err)
	require.Empty(t, results[2].Records)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(WithMaxConcurrentRequests(0))
	require.Error(t, err)

	_, err = New(WithCacheDir(t.TempDir()), WithChannelConfigYAML([]byte("default: [broken")))
	require.Error(t, err)

	_, err = New(WithCacheDir(t.TempDir()), WithChannelConfig("", SourceConfig{}))
	require.Error(t, err)
}
