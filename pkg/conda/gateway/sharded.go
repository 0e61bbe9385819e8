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
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/condakit/condakit/pkg/conda/repodata"
	"github.com/condakit/condakit/pkg/conda/types"
)

// shardMeta locates one package's shard document.
type shardMeta struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// shardIndex is the channel-published name-to-shard map.
type shardIndex struct {
	Info   struct {
		Subdir string `json:"subdir"`
	} `json:"info"`
	Shards map[string]shardMeta `json:"shards"`
}

// shardedData answers per-name queries by fetching one shard document per
// package on demand, verified against the index's hashes.
type shardedData struct {
	g        *Gateway
	channel  types.Channel
	platform types.Platform
	index    map[string]shardMeta
	// noCache skips the hash-addressed disk cache for shard bodies
	noCache bool

	mu     sync.Mutex
	shards map[string]*repodata.SparseRepoData
}

// openSharded fetches and validates a channel's shard index. A missing index
// (404) reports errNotFound so the caller falls back to whole documents.
func (g *Gateway) openSharded(ctx context.Context, channel types.Channel, platform types.Platform, noCache bool) (*shardedData, error) {
	b, err := g.httpGet(ctx, channel.SubdirURL(platform)+"/"+shardIndexFile)
	if err != nil {
		return nil, err
	}
	var idx shardIndex
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("decoding shard index for %s/%s: %w", channel.Name, platform, err)
	}
	if idx.Info.Subdir != "" && idx.Info.Subdir != string(platform) {
		return nil, fmt.Errorf("shard index for %s claims subdir %q, expected %q", channel.Name, idx.Info.Subdir, platform)
	}
	shards := make(map[string]shardMeta, len(idx.Shards))
	for name, meta := range idx.Shards {
		shards[strings.ToLower(name)] = meta
	}
	return &shardedData{
		g:        g,
		channel:  channel,
		platform: platform,
		index:    shards,
		noCache:  noCache,
		shards:   map[string]*repodata.SparseRepoData{},
	}, nil
}

func (s *shardedData) PackageNames(_ context.Context, _ repodata.FormatSelection) ([]string, error) {
	names := make([]string, 0, len(s.index))
	for name := range s.index {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *shardedData) LoadRecords(ctx context.Context, name string, sel repodata.FormatSelection) ([]types.RepoDataRecord, error) {
	name = strings.ToLower(name)
	meta, ok := s.index[name]
	if !ok {
		return nil, nil
	}

	s.mu.Lock()
	sp, ok := s.shards[name]
	s.mu.Unlock()
	if !ok {
		doc, err := s.fetchShard(ctx, meta)
		if err != nil {
			return nil, fmt.Errorf("shard for %q: %w", name, err)
		}
		sp, err = repodata.New(s.channel, string(s.platform), doc)
		if err != nil {
			return nil, fmt.Errorf("shard for %q: %w", name, err)
		}
		s.mu.Lock()
		if prior, ok := s.shards[name]; ok {
			sp = prior
		} else {
			s.shards[name] = sp
		}
		s.mu.Unlock()
	}
	return sp.LoadRecords(name, sel)
}

// fetchShard returns one shard's document bytes, from the hash-addressed
// disk cache when present, verifying content against the index hash.
func (s *shardedData) fetchShard(ctx context.Context, meta shardMeta) ([]byte, error) {
	cachePath := filepath.Join(s.g.cacheDir, url.QueryEscape(s.channel.BaseURL), string(s.platform), "shards", meta.SHA256+".json")
	if !s.noCache {
		if doc, err := os.ReadFile(cachePath); err == nil {
			if repodata.DocumentHash(doc) == meta.SHA256 {
				return doc, nil
			}
			// corrupt cache entry, refetch
			os.Remove(cachePath) //nolint:errcheck
		}
	}

	doc, err := s.g.httpGet(ctx, s.channel.SubdirURL(s.platform)+"/"+meta.Path)
	if err != nil {
		return nil, err
	}
	if got := repodata.DocumentHash(doc); got != meta.SHA256 {
		return nil, fmt.Errorf("shard hash mismatch: want %s, got %s", meta.SHA256, got)
	}
	if s.noCache {
		return doc, nil
	}
	if err := writeFileAtomic(cachePath, doc); err != nil {
		return nil, err
	}
	return doc, nil
}
