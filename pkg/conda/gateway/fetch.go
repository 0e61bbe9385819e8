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
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel"

	"github.com/condakit/condakit/pkg/conda/repodata"
	"github.com/condakit/condakit/pkg/conda/types"
)

const (
	repodataFile   = "repodata.json"
	shardIndexFile = "repodata_shards.json"
	patchSetFile   = "repodata_patches.json"
)

// errNotFound marks a 404, which during variant selection means "try the next
// supported variant".
var errNotFound = errors.New("not found")

// fetchSubdir produces the query surface for one (channel, subdir) pair,
// honoring the channel's cache action and variant toggles.
func (g *Gateway) fetchSubdir(ctx context.Context, channel types.Channel, platform types.Platform, cfg SourceConfig) (subdirData, error) {
	ctx, span := otel.Tracer("condakit").Start(ctx, fmt.Sprintf("fetchSubdir(%s/%s)", channel.Name, platform))
	defer span.End()

	log := clog.FromContext(ctx)
	subdir := string(platform)
	cachePath := g.cachePath(channel, subdir)

	switch cfg.CacheAction {
	case UseCacheOnly, ForceCacheOnly:
		doc, err := os.ReadFile(cachePath)
		if err != nil {
			return nil, fmt.Errorf("no cached repodata for %s/%s: %w", channel.Name, subdir, err)
		}
		return g.openDocument(channel, subdir, doc)

	case NoCache:
		if cfg.ShardedEnabled {
			sharded, err := g.openSharded(ctx, channel, platform, true)
			if err == nil {
				return sharded, nil
			}
			if !errors.Is(err, errNotFound) {
				return nil, err
			}
		}
		doc, err := g.fetchDocument(ctx, channel, platform, cfg)
		if err != nil {
			return nil, err
		}
		return g.openDocument(channel, subdir, doc)
	}

	// CacheOrFetch: incremental update of a cached copy when possible
	if cfg.PatchesEnabled {
		if cached, err := os.ReadFile(cachePath); err == nil {
			doc, err := g.patchDocument(ctx, channel, platform, cached)
			if err == nil {
				if !bytes.Equal(doc, cached) {
					if werr := writeFileAtomic(cachePath, doc); werr != nil {
						return nil, werr
					}
				}
				return g.openDocument(channel, subdir, doc)
			}
			log.Warnf("incremental update of %s/%s failed, refetching: %v", channel.Name, subdir, err)
		}
	}

	if cfg.ShardedEnabled {
		sharded, err := g.openSharded(ctx, channel, platform, false)
		if err == nil {
			return sharded, nil
		}
		if !errors.Is(err, errNotFound) {
			return nil, err
		}
	}

	doc, err := g.fetchDocument(ctx, channel, platform, cfg)
	if err != nil {
		return nil, err
	}
	if werr := writeFileAtomic(cachePath, doc); werr != nil {
		return nil, werr
	}
	return g.openDocument(channel, subdir, doc)
}

// openDocument indexes a fetched document and validates that it describes the
// requested subdir.
func (g *Gateway) openDocument(channel types.Channel, subdir string, doc []byte) (subdirData, error) {
	sp, err := repodata.New(channel, subdir, doc)
	if err != nil {
		return nil, err
	}
	if info := sp.InfoSubdir(); info != "" && info != subdir {
		return nil, fmt.Errorf("repodata for %s claims subdir %q, expected %q", channel.Name, info, subdir)
	}
	return wholeDoc{sp: sp}, nil
}

// wholeDoc adapts an indexed document to the subdirData interface. Reads need
// no backend I/O after indexing, so the context goes unused.
type wholeDoc struct {
	sp *repodata.SparseRepoData
}

func (w wholeDoc) PackageNames(_ context.Context, sel repodata.FormatSelection) ([]string, error) {
	return w.sp.PackageNames(sel)
}

func (w wholeDoc) LoadRecords(_ context.Context, name string, sel repodata.FormatSelection) ([]types.RepoDataRecord, error) {
	return w.sp.LoadRecords(name, sel)
}

// fetchDocument downloads the best mutually-supported document variant:
// zstd, then bzip2, then uncompressed, honoring the channel's disables.
func (g *Gateway) fetchDocument(ctx context.Context, channel types.Channel, platform types.Platform, cfg SourceConfig) ([]byte, error) {
	base := channel.SubdirURL(platform)

	type variant struct {
		suffix     string
		decompress func([]byte) ([]byte, error)
	}
	variants := []variant{}
	if cfg.ZstdEnabled {
		variants = append(variants, variant{".zst", decompressZstd})
	}
	if cfg.Bz2Enabled {
		variants = append(variants, variant{".bz2", decompressBz2})
	}
	variants = append(variants, variant{"", nil})

	for _, v := range variants {
		b, err := g.httpGet(ctx, base+"/"+repodataFile+v.suffix)
		if errors.Is(err, errNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if v.decompress != nil {
			if b, err = v.decompress(b); err != nil {
				return nil, fmt.Errorf("decompressing %s%s: %w", repodataFile, v.suffix, err)
			}
		}
		return b, nil
	}
	return nil, fmt.Errorf("no repodata found at %s: %w", base, errNotFound)
}

// patchDocument brings a cached document up to date through the channel's
// published patch chain. A chain that cannot reach the cached copy is an
// error; the caller reacts with a full refetch.
func (g *Gateway) patchDocument(ctx context.Context, channel types.Channel, platform types.Platform, cached []byte) ([]byte, error) {
	b, err := g.httpGet(ctx, channel.SubdirURL(platform)+"/"+patchSetFile)
	if err != nil {
		return nil, err
	}
	ps, err := repodata.ParsePatchSet(b)
	if err != nil {
		return nil, err
	}
	patches, ok := ps.After(repodata.DocumentHash(cached))
	if !ok {
		return nil, fmt.Errorf("patch chain does not reach cached document")
	}
	return repodata.Apply(cached, patches)
}

func decompressZstd(b []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func decompressBz2(b []byte) ([]byte, error) {
	return io.ReadAll(bzip2.NewReader(bytes.NewReader(b)))
}

// httpGet fetches one URL under the gateway's global concurrency bound.
func (g *Gateway) httpGet(ctx context.Context, u string) ([]byte, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, fmt.Errorf("%s: %w", u, errNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetching %s: unexpected status code %d", u, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// cachePath is the on-disk location of a cached document. The channel URL is
// query-escaped into a single directory name.
func (g *Gateway) cachePath(channel types.Channel, subdir string) string {
	return filepath.Join(g.cacheDir, url.QueryEscape(channel.BaseURL), subdir, repodataFile)
}

// writeFileAtomic streams content to a temporary file in the target
// directory and renames it into place.
func writeFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("unable to create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return fmt.Errorf("unable to create a temporary cache file: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("unable to write to cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("unable to populate cache: %w", err)
	}
	return nil
}
