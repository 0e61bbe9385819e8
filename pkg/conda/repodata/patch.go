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

package repodata

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Patch is one step of an incremental repodata update. It applies to the
// document whose sha256 is FromHash and must produce a document whose
// canonical serialization hashes to ToHash.
type Patch struct {
	Serial   uint64 `json:"serial"`
	FromHash string `json:"from"`
	ToHash   string `json:"to"`
	// Update upserts filename-keyed entries per document section.
	Update map[string]map[string]json.RawMessage `json:"update,omitempty"`
	// Remove deletes filenames per document section.
	Remove map[string][]string `json:"remove,omitempty"`
}

// PatchSet is the channel-published chain of patches, newest last.
type PatchSet struct {
	// LatestHash is the hash of the document the full chain produces.
	LatestHash string  `json:"latest"`
	Patches    []Patch `json:"patches"`
}

// ParsePatchSet decodes a published patch chain.
func ParsePatchSet(data []byte) (*PatchSet, error) {
	var ps PatchSet
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("decoding patch set: %w", err)
	}
	return &ps, nil
}

// After returns the suffix of the chain starting at the document with the
// given hash. ok is false when the chain does not reach that document, which
// means the local copy is too old to patch.
func (ps *PatchSet) After(hash string) (patches []Patch, ok bool) {
	if hash == ps.LatestHash {
		return nil, true
	}
	for i, p := range ps.Patches {
		if p.FromHash == hash {
			return ps.Patches[i:], true
		}
	}
	return nil, false
}

// ChainMismatchError reports a patch whose hash expectations do not match the
// document it was applied to.
type ChainMismatchError struct {
	Serial uint64
	Want   string
	Got    string
}

func (e *ChainMismatchError) Error() string {
	return fmt.Sprintf("patch %d expects document %s, have %s", e.Serial, e.Want, e.Got)
}

// DocumentHash returns the hex sha256 of a document's bytes.
func DocumentHash(doc []byte) string {
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}

// Apply runs a patch chain over a document. The chain must start at the
// document's current hash and every intermediate result must hash to its
// patch's ToHash; any mismatch returns a ChainMismatchError and no partial
// result. The returned document is in canonical form (sorted object keys, no
// insignificant whitespace).
func Apply(doc []byte, patches []Patch) ([]byte, error) {
	cur := doc
	for _, p := range patches {
		if got := DocumentHash(cur); got != p.FromHash {
			return nil, &ChainMismatchError{Serial: p.Serial, Want: p.FromHash, Got: got}
		}
		next, err := applyOne(cur, p)
		if err != nil {
			return nil, fmt.Errorf("applying patch %d: %w", p.Serial, err)
		}
		if got := DocumentHash(next); got != p.ToHash {
			return nil, &ChainMismatchError{Serial: p.Serial, Want: p.ToHash, Got: got}
		}
		cur = next
	}
	return cur, nil
}

func applyOne(doc []byte, p Patch) ([]byte, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(doc, &top); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}

	for name, upserts := range p.Update {
		section := map[string]json.RawMessage{}
		if raw, ok := top[name]; ok {
			if err := json.Unmarshal(raw, &section); err != nil {
				return nil, fmt.Errorf("decoding section %q: %w", name, err)
			}
		}
		for fn, rec := range upserts {
			section[fn] = rec
		}
		b, err := json.Marshal(section)
		if err != nil {
			return nil, err
		}
		top[name] = b
	}

	for name, removals := range p.Remove {
		raw, ok := top[name]
		if !ok {
			continue
		}
		section := map[string]json.RawMessage{}
		if err := json.Unmarshal(raw, &section); err != nil {
			return nil, fmt.Errorf("decoding section %q: %w", name, err)
		}
		for _, fn := range removals {
			delete(section, fn)
		}
		b, err := json.Marshal(section)
		if err != nil {
			return nil, err
		}
		top[name] = b
	}

	return json.Marshal(top)
}
