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

// Package gateway fetches and caches channel metadata and answers record
// queries across channels and custom sources. A Gateway outlives individual
// queries and is safe for concurrent use.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chainguard-dev/clog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/condakit/condakit/pkg/conda/matchspec"
	"github.com/condakit/condakit/pkg/conda/repodata"
	"github.com/condakit/condakit/pkg/conda/types"
)

const defaultMaxConcurrentRequests = 50

// Source is a pluggable record provider. Channels are adapted to this
// interface internally; custom sources manage their own caching, the gateway
// never caches for them.
type Source interface {
	// PackageNames lists every package name the source can provide for a
	// platform.
	PackageNames(platform types.Platform) ([]string, error)
	// FetchPackageRecords returns all records for one package name, which
	// may require backend I/O.
	FetchPackageRecords(ctx context.Context, platform types.Platform, name string) ([]types.RepoDataRecord, error)
}

// Gateway orchestrates channel metadata fetching. Fetched subdir data is held
// in a process-scoped LRU of futures keyed (channel, subdir), and all network
// fetches issued by all in-flight queries share one concurrency bound.
type Gateway struct {
	cacheDir string
	client   *http.Client
	configs  ChannelConfigs
	sem      *semaphore.Weighted

	subdirsMux sync.Mutex
	subdirs    *lru.Cache[subdirKey, func() (subdirData, error)]
}

type subdirKey struct {
	channel string
	subdir  string
}

// subdirData is the query surface of one fetched (channel, subdir) pair,
// provided either by a whole document or by sharded per-name fetching. The
// context governs any backend I/O a read still needs.
type subdirData interface {
	PackageNames(ctx context.Context, sel repodata.FormatSelection) ([]string, error)
	LoadRecords(ctx context.Context, name string, sel repodata.FormatSelection) ([]types.RepoDataRecord, error)
}

type opts struct {
	cacheDir      string
	client        *http.Client
	defaultConfig *SourceConfig
	channelCfgs   map[string]SourceConfig
	configYAML    []byte
	maxConcurrent int64
	lruSize       int
}

// Option configures a Gateway.
type Option func(*opts) error

// WithCacheDir sets the root directory for cached documents.
func WithCacheDir(dir string) Option {
	return func(o *opts) error {
		o.cacheDir = dir
		return nil
	}
}

// WithClient sets the HTTP client used for all fetches.
func WithClient(client *http.Client) Option {
	return func(o *opts) error {
		if client == nil {
			return fmt.Errorf("client is nil")
		}
		o.client = client
		return nil
	}
}

// WithDefaultConfig sets the policy for channels without their own config.
func WithDefaultConfig(cfg SourceConfig) Option {
	return func(o *opts) error {
		o.defaultConfig = &cfg
		return nil
	}
}

// WithChannelConfig sets the policy for one channel by name.
func WithChannelConfig(channel string, cfg SourceConfig) Option {
	return func(o *opts) error {
		if channel == "" {
			return fmt.Errorf("empty channel name in config")
		}
		if o.channelCfgs == nil {
			o.channelCfgs = map[string]SourceConfig{}
		}
		o.channelCfgs[channel] = cfg
		return nil
	}
}

// WithChannelConfigYAML supplies a policy document. It is parsed during New,
// so a malformed document fails construction, not the first query.
func WithChannelConfigYAML(doc []byte) Option {
	return func(o *opts) error {
		o.configYAML = doc
		return nil
	}
}

// WithMaxConcurrentRequests bounds in-flight network fetches across every
// query sharing this Gateway.
func WithMaxConcurrentRequests(n int) Option {
	return func(o *opts) error {
		if n <= 0 {
			return fmt.Errorf("max concurrent requests must be positive, got %d", n)
		}
		o.maxConcurrent = int64(n)
		return nil
	}
}

// New constructs a Gateway. All configuration errors surface here.
func New(options ...Option) (*Gateway, error) {
	o := &opts{
		maxConcurrent: defaultMaxConcurrentRequests,
		lruSize:       100,
	}
	for _, opt := range options {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	configs := ChannelConfigs{Default: DefaultSourceConfig()}
	if o.configYAML != nil {
		parsed, err := ParseChannelConfigs(o.configYAML)
		if err != nil {
			return nil, err
		}
		configs = parsed
	}
	if o.defaultConfig != nil {
		configs.Default = *o.defaultConfig
	}
	if len(o.channelCfgs) > 0 && configs.Channels == nil {
		configs.Channels = map[string]SourceConfig{}
	}
	for name, cfg := range o.channelCfgs {
		configs.Channels[name] = cfg
	}

	if o.cacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("no cache dir available: %w", err)
		}
		o.cacheDir = filepath.Join(base, "condakit")
	}

	if o.client == nil {
		rc := retryablehttp.NewClient()
		rc.Logger = nil
		o.client = rc.StandardClient()
	}

	// This only fails for negative sizes.
	cache, _ := lru.New[subdirKey, func() (subdirData, error)](o.lruSize)

	return &Gateway{
		cacheDir: o.cacheDir,
		client:   o.client,
		configs:  configs,
		sem:      semaphore.NewWeighted(o.maxConcurrent),
		subdirs:  cache,
	}, nil
}

// getSubdir returns the fetched data for one (channel, subdir) pair,
// fetching at most once per key. Concurrent callers attach to the same
// future.
func (g *Gateway) getSubdir(ctx context.Context, channel types.Channel, platform types.Platform) (subdirData, error) {
	cfg := g.configs.For(channel.Name)
	if cfg.CacheAction == NoCache {
		// never reuse anything
		return g.fetchSubdir(ctx, channel, platform, cfg)
	}

	key := subdirKey{channel: channel.BaseURL, subdir: string(platform)}

	g.subdirsMux.Lock()
	entry, ok := g.subdirs.Get(key)
	if !ok {
		entry = sync.OnceValues(func() (subdirData, error) {
			data, err := g.fetchSubdir(ctx, channel, platform, cfg)
			if err != nil {
				// errors are not cached
				g.subdirsMux.Lock()
				g.subdirs.Remove(key)
				g.subdirsMux.Unlock()
			}
			return data, err
		})
		g.subdirs.Add(key, entry)
	}
	g.subdirsMux.Unlock()

	return entry()
}

// channelSource adapts a channel to the Source interface.
type channelSource struct {
	g       *Gateway
	channel types.Channel
	sel     repodata.FormatSelection
}

func (c *channelSource) PackageNames(platform types.Platform) ([]string, error) {
	// the Source interface keeps name listing synchronous
	ctx := context.Background()
	data, err := c.g.getSubdir(ctx, c.channel, platform)
	if err != nil {
		return nil, err
	}
	return data.PackageNames(ctx, c.sel)
}

func (c *channelSource) FetchPackageRecords(ctx context.Context, platform types.Platform, name string) ([]types.RepoDataRecord, error) {
	data, err := c.g.getSubdir(ctx, c.channel, platform)
	if err != nil {
		return nil, err
	}
	return data.LoadRecords(ctx, name, c.sel)
}

// QueryOptions describes one record query. Channels come before custom
// sources in the result ordering.
type QueryOptions struct {
	Channels  []types.Channel
	Sources   []Source
	Platforms []types.Platform
	Specs     []matchspec.MatchSpec
	// Recursive extends the query to the dependency closure of the specs,
	// discovered across all sources.
	Recursive bool
	// Formats selects the visible archive sections of channel documents.
	Formats repodata.FormatSelection
}

// SourceResult is one source's slot in a query response. A failing source
// carries its error here; it never aborts the other sources.
type SourceResult struct {
	Records []types.RepoDataRecord
	Err     error
}

// Query resolves the spec set against every source for every platform. The
// response has one slot per source in input order (channels first), each
// holding that source's records or its failure. A source with no matches
// yields an empty slot, not an error.
func (g *Gateway) Query(ctx context.Context, q QueryOptions) ([]SourceResult, error) {
	ctx, span := otel.Tracer("condakit").Start(ctx, "Gateway.Query")
	defer span.End()

	sources := make([]Source, 0, len(q.Channels)+len(q.Sources))
	for _, ch := range q.Channels {
		sources = append(sources, &channelSource{g: g, channel: ch, sel: q.Formats})
	}
	sources = append(sources, q.Sources...)

	results := make([]SourceResult, len(sources))
	if len(sources) == 0 || len(q.Platforms) == 0 {
		return results, nil
	}

	specsByName := map[string][]matchspec.MatchSpec{}
	for _, spec := range q.Specs {
		if !spec.IsNamed() {
			return nil, fmt.Errorf("query specs must name a package, got %q", spec.String())
		}
		specsByName[spec.Name] = append(specsByName[spec.Name], spec)
	}

	seen := make(map[string]bool, len(specsByName))
	frontier := make([]string, 0, len(specsByName))
	for name := range specsByName {
		seen[name] = true
		frontier = append(frontier, name)
	}

	// dedup per source by filename across platforms
	taken := make([]map[string]bool, len(sources))
	for i := range taken {
		taken[i] = map[string]bool{}
	}

	var mu sync.Mutex
	for len(frontier) > 0 {
		wave := frontier
		frontier = nil

		var next []string
		eg, egCtx := errgroup.WithContext(ctx)
		for i := range sources {
			if results[i].Err != nil {
				continue
			}
			i := i
			src := sources[i]
			for _, name := range wave {
				name := name
				for _, platform := range q.Platforms {
					platform := platform
					eg.Go(func() error {
						recs, err := src.FetchPackageRecords(egCtx, platform, name)

						mu.Lock()
						defer mu.Unlock()
						if err != nil {
							if results[i].Err == nil {
								clog.WarnContextf(egCtx, "source %d failed for %s/%s: %v", i, platform, name, err)
								results[i].Err = err
							}
							return nil
						}
						for _, rec := range recs {
							if specs := specsByName[name]; len(specs) > 0 && !matchesAny(specs, &rec) {
								continue
							}
							if taken[i][rec.FileName] {
								continue
							}
							taken[i][rec.FileName] = true
							results[i].Records = append(results[i].Records, rec)

							if q.Recursive {
								for _, dep := range rec.Depends {
									depName := strings.ToLower(types.DependencyName(dep))
									if depName != "" && !seen[depName] {
										seen[depName] = true
										next = append(next, depName)
									}
								}
							}
						}
						return nil
					})
				}
			}
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frontier = next
	}

	// drop partial records from failed sources
	for i := range results {
		if results[i].Err != nil {
			results[i].Records = nil
		}
	}
	return results, nil
}

func matchesAny(specs []matchspec.MatchSpec, rec *types.RepoDataRecord) bool {
	for _, spec := range specs {
		if spec.MatchesRecord(rec) {
			return true
		}
	}
	return false
}
