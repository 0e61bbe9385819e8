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

// Package repodata reads channel-subdirectory metadata documents. A document
// is indexed once by package name; individual records are only decoded when a
// caller asks for that name, so loading a record for one package never pays
// for the rest of the document.
package repodata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/condakit/condakit/pkg/conda/matchspec"
	"github.com/condakit/condakit/pkg/conda/types"
)

// ErrClosed is returned by every operation on a closed SparseRepoData.
var ErrClosed = errors.New("sparse repodata is closed")

// FormatSelection chooses which archive-format sections of the document are
// visible. The zero value prefers modern archives.
type FormatSelection int

const (
	// PreferConda uses both sections but a modern entry shadows a legacy
	// entry with the same filename stem.
	PreferConda FormatSelection = iota
	// OnlyTarBz2 restricts to the legacy "packages" section.
	OnlyTarBz2
	// OnlyConda restricts to the modern "packages.conda" section.
	OnlyConda
	// OnlyWheels restricts to the "packages.whl" section.
	OnlyWheels
	// Union uses every entry from both archive sections.
	Union
)

func (f FormatSelection) String() string {
	switch f {
	case OnlyTarBz2:
		return "only-tar-bz2"
	case OnlyConda:
		return "only-conda"
	case OnlyWheels:
		return "only-wheels"
	case Union:
		return "union"
	}
	return "prefer-conda"
}

func (f FormatSelection) includes(s section) bool {
	switch s {
	case sectionTarBz2:
		return f == OnlyTarBz2 || f == PreferConda || f == Union
	case sectionConda:
		return f == OnlyConda || f == PreferConda || f == Union
	case sectionWheel:
		return f == OnlyWheels
	}
	return false
}

type section int

const (
	sectionTarBz2 section = iota
	sectionConda
	sectionWheel
)

// rawEntry is one filename-keyed document entry, undecoded.
type rawEntry struct {
	filename string
	section  section
	raw      json.RawMessage
}

type cacheKey struct {
	name string
	sel  FormatSelection
}

// SparseRepoData holds one subdirectory's metadata document, indexed by
// package name. Safe for concurrent reads; Close must not race with a read.
type SparseRepoData struct {
	channel  types.Channel
	subdir   string
	platform types.Platform

	mu      sync.RWMutex
	closed  bool
	entries map[string][]rawEntry
	cache   map[cacheKey][]types.RepoDataRecord

	infoSubdir      string
	repodataVersion int
}

// docInfo is the document's "info" block.
type docInfo struct {
	Subdir string `json:"subdir"`
}

// OpenSparse reads the document at path and indexes it for the given channel
// and subdir.
func OpenSparse(channel types.Channel, subdir string, path string) (*SparseRepoData, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading repodata %s: %w", path, err)
	}
	return New(channel, subdir, b)
}

// New indexes an in-memory document. The index is built in a single pass over
// the document's tokens; record values are retained raw and decoded lazily.
func New(channel types.Channel, subdir string, data []byte) (*SparseRepoData, error) {
	sp := &SparseRepoData{
		channel:         channel,
		subdir:          subdir,
		platform:        types.Platform(subdir),
		entries:         map[string][]rawEntry{},
		cache:           map[cacheKey][]types.RepoDataRecord{},
		repodataVersion: 1,
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("reading repodata for %s/%s: %w", channel.Name, subdir, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("repodata for %s/%s is not a JSON object", channel.Name, subdir)
	}

	var removed []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("reading repodata for %s/%s: %w", channel.Name, subdir, err)
		}
		key, _ := keyTok.(string)
		switch key {
		case "info":
			var info docInfo
			if err := dec.Decode(&info); err != nil {
				return nil, fmt.Errorf("decoding repodata info block: %w", err)
			}
			sp.infoSubdir = info.Subdir
		case "packages":
			err = sp.scanSection(dec, sectionTarBz2)
		case "packages.conda":
			err = sp.scanSection(dec, sectionConda)
		case "packages.whl":
			err = sp.scanSection(dec, sectionWheel)
		case "removed":
			err = dec.Decode(&removed)
		case "repodata_version":
			err = dec.Decode(&sp.repodataVersion)
		default:
			var skip json.RawMessage
			err = dec.Decode(&skip)
		}
		if err != nil {
			return nil, fmt.Errorf("decoding repodata section %q: %w", key, err)
		}
	}

	if sp.repodataVersion > 2 {
		return nil, fmt.Errorf("unsupported repodata_version %d", sp.repodataVersion)
	}
	sp.dropRemoved(removed)
	return sp, nil
}

func (sp *SparseRepoData) scanSection(dec *json.Decoder, s section) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("section is not a JSON object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		filename, _ := keyTok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("entry %q: %w", filename, err)
		}
		name, err := PackageNameFromFilename(filename)
		if err != nil {
			return err
		}
		sp.entries[name] = append(sp.entries[name], rawEntry{filename: filename, section: s, raw: raw})
	}
	// consume the closing brace
	_, err = dec.Token()
	return err
}

func (sp *SparseRepoData) dropRemoved(removed []string) {
	if len(removed) == 0 {
		return
	}
	gone := make(map[string]bool, len(removed))
	for _, fn := range removed {
		gone[fn] = true
	}
	for name, entries := range sp.entries {
		kept := entries[:0]
		for _, e := range entries {
			if !gone[e.filename] {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(sp.entries, name)
		} else {
			sp.entries[name] = kept
		}
	}
}

// PackageNameFromFilename derives the package name an artifact filename
// belongs to: "numpy-1.26.4-py312_0.conda" is a numpy artifact. Wheel names
// normalize underscores.
func PackageNameFromFilename(filename string) (string, error) {
	if stem, ok := strings.CutSuffix(filename, ".whl"); ok {
		name, _, found := strings.Cut(stem, "-")
		if !found || name == "" {
			return "", fmt.Errorf("malformed wheel filename %q", filename)
		}
		return strings.ToLower(strings.ReplaceAll(name, "_", "-")), nil
	}
	stem := filename
	for _, ext := range []string{".conda", ".tar.bz2"} {
		if s, ok := strings.CutSuffix(filename, ext); ok {
			stem = s
			break
		}
	}
	// name-version-build, where name itself may contain dashes
	i := strings.LastIndexByte(stem, '-')
	if i <= 0 {
		return "", fmt.Errorf("malformed artifact filename %q", filename)
	}
	j := strings.LastIndexByte(stem[:i], '-')
	if j <= 0 {
		return "", fmt.Errorf("malformed artifact filename %q", filename)
	}
	return strings.ToLower(stem[:j]), nil
}

// Channel returns the channel this document was indexed for.
func (sp *SparseRepoData) Channel() types.Channel { return sp.channel }

// Subdir returns the subdir this document was indexed for.
func (sp *SparseRepoData) Subdir() string { return sp.subdir }

// InfoSubdir returns the subdir the document claims in its info block, empty
// if absent.
func (sp *SparseRepoData) InfoSubdir() string { return sp.infoSubdir }

// Close releases the index. Every later operation returns ErrClosed.
func (sp *SparseRepoData) Close() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.closed = true
	sp.entries = nil
	sp.cache = nil
	return nil
}

// PackageNames returns the sorted, deduplicated package names visible under
// the given selection.
func (sp *SparseRepoData) PackageNames(sel FormatSelection) ([]string, error) {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	if sp.closed {
		return nil, ErrClosed
	}
	names := make([]string, 0, len(sp.entries))
	for name, entries := range sp.entries {
		for _, e := range entries {
			if sel.includes(e.section) {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// LoadRecords decodes and returns the records for one package name, sorted by
// version then build. Results are cached per (name, selection); a name is
// never decoded twice for the same selection.
func (sp *SparseRepoData) LoadRecords(name string, sel FormatSelection) ([]types.RepoDataRecord, error) {
	name = strings.ToLower(name)
	key := cacheKey{name: name, sel: sel}

	sp.mu.RLock()
	if sp.closed {
		sp.mu.RUnlock()
		return nil, ErrClosed
	}
	if recs, ok := sp.cache[key]; ok {
		sp.mu.RUnlock()
		return recs, nil
	}
	entries := sp.entries[name]
	sp.mu.RUnlock()

	recs, err := sp.materialize(entries, sel)
	if err != nil {
		return nil, err
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.closed {
		return nil, ErrClosed
	}
	if cached, ok := sp.cache[key]; ok {
		return cached, nil
	}
	sp.cache[key] = recs
	return recs, nil
}

func (sp *SparseRepoData) materialize(entries []rawEntry, sel FormatSelection) ([]types.RepoDataRecord, error) {
	// under prefer-conda, a modern artifact hides the legacy artifact with
	// the same stem
	var shadowed map[string]bool
	if sel == PreferConda {
		for _, e := range entries {
			if e.section == sectionConda {
				if shadowed == nil {
					shadowed = map[string]bool{}
				}
				shadowed[strings.TrimSuffix(e.filename, ".conda")] = true
			}
		}
	}

	recs := make([]types.RepoDataRecord, 0, len(entries))
	for _, e := range entries {
		if !sel.includes(e.section) {
			continue
		}
		if e.section == sectionTarBz2 && shadowed[strings.TrimSuffix(e.filename, ".tar.bz2")] {
			continue
		}
		var rec types.PackageRecord
		if err := json.Unmarshal(e.raw, &rec); err != nil {
			return nil, fmt.Errorf("decoding record %q: %w", e.filename, err)
		}
		if rec.Subdir == "" {
			rec.Subdir = sp.subdir
		}
		recs = append(recs, types.NewRepoDataRecord(rec, sp.channel, sp.platform, e.filename))
	}
	sort.Slice(recs, func(i, j int) bool {
		return types.CompareRecords(recs[i], recs[j]) < 0
	})
	return recs, nil
}

// LoadAllRecords decodes every package visible under the selection.
func (sp *SparseRepoData) LoadAllRecords(sel FormatSelection) ([]types.RepoDataRecord, error) {
	names, err := sp.PackageNames(sel)
	if err != nil {
		return nil, err
	}
	var out []types.RepoDataRecord
	for _, name := range names {
		recs, err := sp.LoadRecords(name, sel)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// LoadMatchingRecords decodes only the names the specs refer to and filters
// by full spec match. An unnamed spec scans every package.
func (sp *SparseRepoData) LoadMatchingRecords(specs []matchspec.MatchSpec, sel FormatSelection) ([]types.RepoDataRecord, error) {
	var out []types.RepoDataRecord
	seen := map[string]bool{}
	for _, spec := range specs {
		var candidates []types.RepoDataRecord
		if spec.IsNamed() {
			recs, err := sp.LoadRecords(spec.Name, sel)
			if err != nil {
				return nil, err
			}
			candidates = recs
		} else {
			recs, err := sp.LoadAllRecords(sel)
			if err != nil {
				return nil, err
			}
			candidates = recs
		}
		for i := range candidates {
			rec := candidates[i]
			if seen[rec.FileName] || !spec.MatchesRecord(&rec) {
				continue
			}
			seen[rec.FileName] = true
			out = append(out, rec)
		}
	}
	return out, nil
}

// LoadRecordsRecursive computes the dependency closure of names across all
// sources: any name referenced by a loaded record's depends is itself loaded,
// until no new names appear. One record list is returned per source, in input
// order. A name is visited at most once.
func LoadRecordsRecursive(ctx context.Context, sources []*SparseRepoData, names []string, sel FormatSelection) ([][]types.RepoDataRecord, error) {
	ctx, span := otel.Tracer("condakit").Start(ctx, "LoadRecordsRecursive")
	defer span.End()

	results := make([][]types.RepoDataRecord, len(sources))
	seen := make(map[string]bool, len(names))
	frontier := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(name)
		if !seen[name] {
			seen[name] = true
			frontier = append(frontier, name)
		}
	}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := frontier[0]
		frontier = frontier[1:]

		for i, src := range sources {
			recs, err := src.LoadRecords(name, sel)
			if err != nil {
				return nil, err
			}
			results[i] = append(results[i], recs...)
			for _, rec := range recs {
				for _, dep := range rec.Depends {
					depName := strings.ToLower(types.DependencyName(dep))
					if depName != "" && !seen[depName] {
						seen[depName] = true
						frontier = append(frontier, depName)
					}
				}
			}
		}
	}
	return results, nil
}
