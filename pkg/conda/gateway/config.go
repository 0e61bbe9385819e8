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
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// CacheAction controls whether a channel fetch touches the network and the
// local disk cache.
type CacheAction int

const (
	// CacheOrFetch uses the cached copy when one exists, revalidating it
	// through the patch protocol when enabled, and fetches otherwise.
	CacheOrFetch CacheAction = iota
	// UseCacheOnly uses the cached copy and assumes it needs no update.
	// Fails when nothing is cached.
	UseCacheOnly
	// ForceCacheOnly never contacts the network, even for a stale copy.
	ForceCacheOnly
	// NoCache always refetches, ignoring and never writing any local copy.
	NoCache
)

func (a CacheAction) String() string {
	switch a {
	case UseCacheOnly:
		return "use-cache-only"
	case ForceCacheOnly:
		return "force-cache-only"
	case NoCache:
		return "no-cache"
	}
	return "cache-or-fetch"
}

// ParseCacheAction parses the textual config form of a cache action.
func ParseCacheAction(s string) (CacheAction, error) {
	switch s {
	case "cache-or-fetch":
		return CacheOrFetch, nil
	case "use-cache-only":
		return UseCacheOnly, nil
	case "force-cache-only":
		return ForceCacheOnly, nil
	case "no-cache":
		return NoCache, nil
	}
	return 0, fmt.Errorf("unknown cache action %q", s)
}

func (a CacheAction) MarshalYAML() (interface{}, error) {
	return a.String(), nil
}

func (a *CacheAction) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("cache_action must be a string: %w", err)
	}
	parsed, err := ParseCacheAction(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// SourceConfig is the per-channel fetch policy.
type SourceConfig struct {
	// PatchesEnabled turns on incremental patch updates of a cached
	// document.
	PatchesEnabled bool `yaml:"patches_enabled"`
	// ZstdEnabled allows the zstd-compressed document variant.
	ZstdEnabled bool `yaml:"zstd_enabled"`
	// Bz2Enabled allows the bzip2-compressed document variant.
	Bz2Enabled bool `yaml:"bz2_enabled"`
	// ShardedEnabled allows the per-name sharded document variant.
	ShardedEnabled bool `yaml:"sharded_enabled"`
	CacheAction    CacheAction `yaml:"cache_action"`
}

// DefaultSourceConfig is the policy used for channels without their own
// entry.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		ZstdEnabled: true,
		Bz2Enabled:  true,
		CacheAction: CacheOrFetch,
	}
}

// sourceConfigOverlay is the YAML form of a config entry: absent keys inherit
// from the default.
type sourceConfigOverlay struct {
	PatchesEnabled *bool        `yaml:"patches_enabled"`
	ZstdEnabled    *bool        `yaml:"zstd_enabled"`
	Bz2Enabled     *bool        `yaml:"bz2_enabled"`
	ShardedEnabled *bool        `yaml:"sharded_enabled"`
	CacheAction    *CacheAction `yaml:"cache_action"`
}

func (o sourceConfigOverlay) apply(base SourceConfig) SourceConfig {
	if o.PatchesEnabled != nil {
		base.PatchesEnabled = *o.PatchesEnabled
	}
	if o.ZstdEnabled != nil {
		base.ZstdEnabled = *o.ZstdEnabled
	}
	if o.Bz2Enabled != nil {
		base.Bz2Enabled = *o.Bz2Enabled
	}
	if o.ShardedEnabled != nil {
		base.ShardedEnabled = *o.ShardedEnabled
	}
	if o.CacheAction != nil {
		base.CacheAction = *o.CacheAction
	}
	return base
}

type channelConfigsYAML struct {
	Default  sourceConfigOverlay            `yaml:"default"`
	Channels map[string]sourceConfigOverlay `yaml:"channels"`
}

// ChannelConfigs holds the default fetch policy plus per-channel overrides.
type ChannelConfigs struct {
	Default  SourceConfig
	Channels map[string]SourceConfig
}

// For returns the policy for a channel name.
func (c ChannelConfigs) For(channel string) SourceConfig {
	if cfg, ok := c.Channels[channel]; ok {
		return cfg
	}
	return c.Default
}

// ParseChannelConfigs decodes a policy document. Unknown keys and wrong-typed
// values are errors, so a bad config fails before the first query.
func ParseChannelConfigs(doc []byte) (ChannelConfigs, error) {
	dec := yaml.NewDecoder(bytes.NewReader(doc))
	dec.KnownFields(true)

	var raw channelConfigsYAML
	if err := dec.Decode(&raw); err != nil && err != io.EOF {
		return ChannelConfigs{}, fmt.Errorf("parsing channel configs: %w", err)
	}

	out := ChannelConfigs{
		Default:  raw.Default.apply(DefaultSourceConfig()),
		Channels: make(map[string]SourceConfig, len(raw.Channels)),
	}
	for name, overlay := range raw.Channels {
		out.Channels[name] = overlay.apply(out.Default)
	}
	return out, nil
}
