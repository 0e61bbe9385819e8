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

// Package version implements parsing and ordering of conda-style package
// versions, and constraint expressions over them.
//
// A version consists of an optional epoch ("2!1.0"), a sequence of segments
// separated by ".", "-" or "_", and an optional local part introduced by "+"
// ("1.0+local.3"). Segments hold a single numeric or alphanumeric component;
// mixed tokens such as "1a2" are split at digit boundaries.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// segment is one comparable component of a version. A segment is either
// numeric or alphanumeric, never both.
type segment struct {
	num   uint64
	alpha string
	isNum bool
	// sep is the separator that introduced this segment in the source:
	// '.', '-', '_', or 0 for the first segment and for segments created
	// by splitting a mixed token at a digit boundary.
	sep byte
	// post is set for segments introduced by '-' or '_', including the
	// implicit zero appended for a trailing '-' or '_'.
	post bool
}

// Version is an immutable parsed version. The source string handed to Parse
// is retained verbatim and returned by String; all comparisons operate on
// the parsed representation only, so "1.0" and "1.00" are equal but
// stringify differently.
type Version struct {
	source   string
	epoch    uint64
	segments []segment
	local    []segment
	hasLocal bool
}

const (
	greater = 1
	equal   = 0
	less    = -1
)

// Parse parses a version string. Invalid text is always rejected at
// construction; a Version is never constructed from unparseable input.
func Parse(s string) (Version, error) {
	source := s
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Version{}, fmt.Errorf("empty version")
	}

	v := Version{source: source}

	if bang := strings.IndexByte(s, '!'); bang >= 0 {
		epoch, err := strconv.ParseUint(s[:bang], 10, 64)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version %q: epoch is not a number: %w", source, err)
		}
		v.epoch = epoch
		s = s[bang+1:]
	}

	if plus := strings.IndexByte(s, '+'); plus >= 0 {
		localPart := s[plus+1:]
		if strings.ContainsRune(localPart, '+') {
			return Version{}, fmt.Errorf("invalid version %q: more than one local separator", source)
		}
		v.hasLocal = true
		if localPart != "" {
			local, err := parseSegments(localPart)
			if err != nil {
				return Version{}, fmt.Errorf("invalid version %q: %w", source, err)
			}
			v.local = local
		}
		s = s[:plus]
	}

	segments, err := parseSegments(s)
	if err != nil {
		return Version{}, fmt.Errorf("invalid version %q: %w", source, err)
	}
	if len(segments) == 0 {
		return Version{}, fmt.Errorf("invalid version %q: no version segments", source)
	}
	v.segments = segments
	return v, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// synthetic fixtures.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func parseSegments(s string) ([]segment, error) {
	if s == "" {
		return nil, fmt.Errorf("empty segment list")
	}

	var segments []segment

	appendToken := func(token string, sep byte) error {
		if token == "" {
			return fmt.Errorf("empty version segment")
		}
		// split the token at digit/alpha boundaries: "1a2" -> "1","a","2"
		start := 0
		tokenSep := sep
		for start < len(token) {
			end := start
			if isDigit(token[start]) {
				for end < len(token) && isDigit(token[end]) {
					end++
				}
				num, err := strconv.ParseUint(token[start:end], 10, 64)
				if err != nil {
					return fmt.Errorf("numeric component %q: %w", token[start:end], err)
				}
				segments = append(segments, segment{
					num:   num,
					isNum: true,
					sep:   tokenSep,
					post:  tokenSep == '-' || tokenSep == '_',
				})
			} else {
				for end < len(token) && !isDigit(token[end]) {
					c := token[end]
					if !(c >= 'a' && c <= 'z') {
						return errBadChar(c)
					}
					end++
				}
				segments = append(segments, segment{
					alpha: token[start:end],
					sep:   tokenSep,
					post:  tokenSep == '-' || tokenSep == '_',
				})
			}
			start = end
			tokenSep = 0
		}
		return nil
	}

	tokenStart := 0
	var sep byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '-' || c == '_' {
			if i == tokenStart {
				if i == 0 {
					return nil, fmt.Errorf("leading separator %q", string(c))
				}
				return nil, fmt.Errorf("empty version segment at offset %d", i)
			}
			if err := appendToken(s[tokenStart:i], sep); err != nil {
				return nil, err
			}
			sep = c
			tokenStart = i + 1
		}
	}
	if tokenStart == len(s) {
		// trailing '-' or '_' normalizes to an implicit zero segment
		if sep == '-' || sep == '_' {
			segments = append(segments, segment{isNum: true, sep: '_', post: true})
			return segments, nil
		}
		return nil, fmt.Errorf("trailing separator %q", string(sep))
	}
	if err := appendToken(s[tokenStart:], sep); err != nil {
		return nil, err
	}
	return segments, nil
}

func errBadChar(c byte) error {
	return fmt.Errorf("invalid character %q in version", string(c))
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// String returns the source string the version was parsed from.
func (v Version) String() string { return v.source }

// Epoch returns the version epoch, 0 if none was given.
func (v Version) Epoch() uint64 { return v.epoch }

// SegmentCount returns the number of main (non-local) segments.
func (v Version) SegmentCount() int { return len(v.segments) }

// HasLocal reports whether a local part is present, even an empty one.
// "1.0" sorts below "1.0+": absence sorts below an empty-but-present local.
func (v Version) HasLocal() bool { return v.hasLocal }

// component ranks. A missing segment (shorter sequence padding) sorts below
// any explicit component; "dev" below other strings; numerics above strings;
// "post" above everything.
const (
	rankMissing = iota
	rankDev
	rankAlpha
	rankNum
	rankPost
)

func (s segment) rank() int {
	if s.isNum {
		return rankNum
	}
	switch s.alpha {
	case "dev":
		return rankDev
	case "post":
		return rankPost
	}
	return rankAlpha
}

func compareSegmentLists(a, b []segment) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ra, rb := rankMissing, rankMissing
		if i < len(a) {
			ra = a[i].rank()
		}
		if i < len(b) {
			rb = b[i].rank()
		}
		if ra != rb {
			if ra > rb {
				return greater
			}
			return less
		}
		if ra == rankMissing {
			continue
		}
		sa, sb := a[i], b[i]
		if sa.isNum {
			if sa.num != sb.num {
				if sa.num > sb.num {
					return greater
				}
				return less
			}
			continue
		}
		if c := strings.Compare(sa.alpha, sb.alpha); c != 0 {
			return c
		}
	}
	return equal
}

// Compare returns -1, 0 or 1 ordering a against b: epoch first, then main
// segments element-wise, then presence of a local part, then local segments.
func Compare(a, b Version) int {
	if a.epoch != b.epoch {
		if a.epoch > b.epoch {
			return greater
		}
		return less
	}
	if c := compareSegmentLists(a.segments, b.segments); c != equal {
		return c
	}
	if a.hasLocal != b.hasLocal {
		if a.hasLocal {
			return greater
		}
		return less
	}
	return compareSegmentLists(a.local, b.local)
}

// Compare orders v against other; see the package-level Compare.
func (v Version) Compare(other Version) int { return Compare(v, other) }

// Equal reports semantic equality: same ordering position, regardless of
// source formatting.
func (v Version) Equal(other Version) bool { return Compare(v, other) == equal }

// EqualsSource reports whether both versions were parsed from the same text.
func (v Version) EqualsSource(other Version) bool { return v.source == other.source }

// LessThan reports v < other.
func (v Version) LessThan(other Version) bool { return Compare(v, other) == less }

// GreaterThan reports v > other.
func (v Version) GreaterThan(other Version) bool { return Compare(v, other) == greater }

// StartsWith reports whether prefix is a truncated form of v, the matching
// rule behind fuzzy constraints such as "1.2.*". Epochs must agree. Missing
// segments on v are treated as zero, so "1.2" starts with "1.2.0".
func (v Version) StartsWith(prefix Version) bool {
	if v.epoch != prefix.epoch {
		return false
	}
	if !segmentsHavePrefix(v.segments, prefix.segments) {
		return false
	}
	if prefix.hasLocal {
		if !v.hasLocal {
			return false
		}
		return segmentsHavePrefix(v.local, prefix.local)
	}
	return true
}

func segmentsHavePrefix(segs, prefix []segment) bool {
	for i, p := range prefix {
		var s segment
		if i < len(segs) {
			s = segs[i]
		} else {
			s = segment{isNum: true}
		}
		if p.isNum != s.isNum {
			return false
		}
		if p.isNum {
			if p.num != s.num {
				return false
			}
		} else if p.alpha != s.alpha {
			return false
		}
	}
	return true
}

// Bump returns a version whose final numeric segment is incremented by one,
// with any trailing non-numeric suffix dropped: "1.2.3a" bumps to "1.2.4".
func (v Version) Bump() (Version, error) {
	last := -1
	for i, seg := range v.segments {
		if seg.isNum {
			last = i
		}
	}
	if last < 0 {
		return Version{}, fmt.Errorf("version %q has no numeric segment to bump", v.source)
	}
	segments := make([]segment, last+1)
	copy(segments, v.segments[:last+1])
	segments[last].num++

	out := Version{
		epoch:    v.epoch,
		segments: segments,
		local:    v.local,
		hasLocal: v.hasLocal,
	}
	out.source = out.render()
	return out, nil
}

// PopSegments returns the version with the last n main segments removed.
// ok is false when no main segment would remain; a version is never
// constructed without one.
func (v Version) PopSegments(n int) (Version, bool) {
	if n < 0 || n >= len(v.segments) {
		return Version{}, false
	}
	if n == 0 {
		return v, true
	}
	return v.sliced(0, len(v.segments)-n)
}

// WithSegments returns the version restricted to main segments [start, stop).
// ok is false when the range is invalid or empty.
func (v Version) WithSegments(start, stop int) (Version, bool) {
	if start < 0 || stop > len(v.segments) || start >= stop {
		return Version{}, false
	}
	return v.sliced(start, stop)
}

func (v Version) sliced(start, stop int) (Version, bool) {
	segments := make([]segment, stop-start)
	copy(segments, v.segments[start:stop])
	segments[0].sep = 0
	out := Version{
		epoch:    v.epoch,
		segments: segments,
		local:    v.local,
		hasLocal: v.hasLocal,
	}
	out.source = out.render()
	return out, true
}

// render reconstructs a canonical source string from parsed segments. Used
// for versions produced by Bump and the segment slicing helpers; parsed
// versions keep their original text.
func (v Version) render() string {
	var b strings.Builder
	if v.epoch > 0 {
		fmt.Fprintf(&b, "%d!", v.epoch)
	}
	renderSegments(&b, v.segments)
	if v.hasLocal {
		b.WriteByte('+')
		renderSegments(&b, v.local)
	}
	return b.String()
}

func renderSegments(b *strings.Builder, segs []segment) {
	for i, seg := range segs {
		if i > 0 && seg.sep != 0 {
			b.WriteByte(seg.sep)
		}
		if seg.isNum {
			b.WriteString(strconv.FormatUint(seg.num, 10))
		} else {
			b.WriteString(seg.alpha)
		}
	}
}
