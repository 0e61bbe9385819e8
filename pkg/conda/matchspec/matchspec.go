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

// Package matchspec parses textual package queries such as
// "conda-forge/linux-64::python >=3.9[build_number=0]" into structured
// filters over package records.
package matchspec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/condakit/condakit/pkg/conda/types"
	"github.com/condakit/condakit/pkg/conda/version"
)

// BuildNumberOp is the comparison applied to a build-number constraint.
type BuildNumberOp int

const (
	BuildNumberEqual BuildNumberOp = iota
	BuildNumberNotEqual
	BuildNumberGreater
	BuildNumberGreaterEqual
	BuildNumberLess
	BuildNumberLessEqual
)

func (op BuildNumberOp) String() string {
	switch op {
	case BuildNumberNotEqual:
		return "!="
	case BuildNumberGreater:
		return ">"
	case BuildNumberGreaterEqual:
		return ">="
	case BuildNumberLess:
		return "<"
	case BuildNumberLessEqual:
		return "<="
	}
	return ""
}

func (op BuildNumberOp) matches(actual, ref uint64) bool {
	switch op {
	case BuildNumberEqual:
		return actual == ref
	case BuildNumberNotEqual:
		return actual != ref
	case BuildNumberGreater:
		return actual > ref
	case BuildNumberGreaterEqual:
		return actual >= ref
	case BuildNumberLess:
		return actual < ref
	case BuildNumberLessEqual:
		return actual <= ref
	}
	return false
}

// BuildNumberSpec constrains a record's build number.
type BuildNumberSpec struct {
	Op    BuildNumberOp
	Value uint64
}

func (b BuildNumberSpec) String() string {
	return b.Op.String() + strconv.FormatUint(b.Value, 10)
}

// MatchSpec is an immutable package query. A record matches iff every
// populated field matches the corresponding record field; absent fields are
// wildcards.
type MatchSpec struct {
	Name        string
	Version     *version.Spec
	Build       string // glob over the build string, "" matches anything
	BuildNumber *BuildNumberSpec
	FileName    string
	Channel     string
	Subdir      string
	Namespace   string // reserved, parsed but never matched on
	MD5         string
	SHA256      string
	Extras      []string
	Condition   string
}

type parseOpts struct {
	strict     bool
	extras     bool
	conditions bool
}

// ParseOption adjusts parsing behavior.
type ParseOption func(*parseOpts)

// WithStrict rejects syntactically ambiguous legacy forms, such as a bare
// numeric build token that could be either a build number or build string.
func WithStrict() ParseOption { return func(o *parseOpts) { o.strict = true } }

// WithExtras permits the "extras" bracket key. Without it the key is an
// error, never silently ignored.
func WithExtras() ParseOption { return func(o *parseOpts) { o.extras = true } }

// WithConditions permits the "if" bracket key. Without it the key is an
// error, never silently ignored.
func WithConditions() ParseOption { return func(o *parseOpts) { o.conditions = true } }

// Parse parses a package query. The shape is
//
//	[channel[/subdir]::]name[ version[ build]][key=value,...]
//
// where a bare version ("pip 24") means exact equality and the fuzzy forms
// "1.2.*" and "=1.2" mean prefix matching. Bracket keys override values
// given outside the brackets. Unknown bracket keys are rejected.
func Parse(s string, options ...ParseOption) (MatchSpec, error) {
	var o parseOpts
	for _, opt := range options {
		opt(&o)
	}

	source := s
	var ms MatchSpec

	s = strings.TrimSpace(s)
	if s == "" {
		return MatchSpec{}, fmt.Errorf("empty match spec")
	}

	// 1. channel(/subdir):: prefix, only when "::" precedes any bracket or
	// space.
	if sep := strings.Index(s, "::"); sep >= 0 {
		head := s[:sep]
		if !strings.ContainsAny(head, "[ \t") {
			if err := ms.setChannelPrefix(head); err != nil {
				return MatchSpec{}, fmt.Errorf("invalid match spec %q: %w", source, err)
			}
			s = s[sep+2:]
		}
	}

	// 2. trailing bracket section
	if strings.HasSuffix(s, "]") {
		open := strings.IndexByte(s, '[')
		if open < 0 {
			return MatchSpec{}, fmt.Errorf("invalid match spec %q: unbalanced brackets", source)
		}
		bracket := s[open+1 : len(s)-1]
		s = strings.TrimSpace(s[:open])
		if err := ms.applyBracket(bracket, o); err != nil {
			return MatchSpec{}, fmt.Errorf("invalid match spec %q: %w", source, err)
		}
	} else if strings.ContainsRune(s, '[') {
		return MatchSpec{}, fmt.Errorf("invalid match spec %q: unbalanced brackets", source)
	}

	// 3. remainder is name(version)(build); bracket values win, so only
	// fill fields the brackets left empty.
	name, rest := splitName(s)
	if name == "" {
		return MatchSpec{}, fmt.Errorf("invalid match spec %q: missing package name", source)
	}
	if ms.Name == "" {
		ms.Name = strings.ToLower(name)
	}
	if rest != "" {
		vspec, build, err := parseVersionBuild(rest, o)
		if err != nil {
			return MatchSpec{}, fmt.Errorf("invalid match spec %q: %w", source, err)
		}
		if ms.Version == nil {
			ms.Version = vspec
		}
		if ms.Build == "" {
			ms.Build = build
		}
	}
	return ms, nil
}

// MustParse is like Parse but panics on error. Intended for tests.
func MustParse(s string, options ...ParseOption) MatchSpec {
	ms, err := Parse(s, options...)
	if err != nil {
		panic(err)
	}
	return ms
}

func (ms *MatchSpec) setChannelPrefix(head string) error {
	if head == "" || head == "*" {
		return nil
	}
	channel, subdir := head, ""
	// a URL channel keeps its scheme; only the final path element can be a
	// subdir name
	if i := strings.LastIndexByte(head, '/'); i >= 0 && !strings.HasSuffix(head, "//") {
		if _, err := types.ParsePlatform(head[i+1:]); err == nil {
			channel, subdir = head[:i], head[i+1:]
		}
	}
	if channel == "" {
		return fmt.Errorf("empty channel before %q", subdir)
	}
	ms.Channel = channel
	ms.Subdir = subdir
	return nil
}

// splitBracketPairs splits "a=1,b=[x,y]" on commas at depth zero.
func splitBracketPairs(s string) []string {
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func (ms *MatchSpec) applyBracket(section string, o parseOpts) error {
	for _, pair := range splitBracketPairs(section) {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return fmt.Errorf("bracket entry %q is not key=value", pair)
		}
		key = strings.TrimSpace(key)
		value = unquote(value)

		switch key {
		case "name":
			ms.Name = strings.ToLower(value)
		case "version":
			spec, err := parseVersionToken(value)
			if err != nil {
				return err
			}
			ms.Version = spec
		case "build":
			ms.Build = value
		case "build_number":
			bn, err := parseBuildNumber(value)
			if err != nil {
				return err
			}
			ms.BuildNumber = bn
		case "fn":
			ms.FileName = value
		case "channel":
			ms.Channel = value
		case "subdir":
			ms.Subdir = value
		case "namespace":
			ms.Namespace = value
		case "md5":
			ms.MD5 = strings.ToLower(value)
		case "sha256":
			ms.SHA256 = strings.ToLower(value)
		case "extras":
			if !o.extras {
				return fmt.Errorf("bracket key %q requires opting in to extras", key)
			}
			ms.Extras = parseExtras(value)
		case "if":
			if !o.conditions {
				return fmt.Errorf("bracket key %q requires opting in to conditional dependencies", key)
			}
			if value == "" {
				return fmt.Errorf("empty condition")
			}
			ms.Condition = value
		default:
			return fmt.Errorf("unknown bracket key %q", key)
		}
	}
	return nil
}

func parseExtras(value string) []string {
	value = strings.TrimPrefix(value, "[")
	value = strings.TrimSuffix(value, "]")
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = unquote(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBuildNumber(value string) (*BuildNumberSpec, error) {
	op := BuildNumberEqual
	switch {
	case strings.HasPrefix(value, "!="):
		op, value = BuildNumberNotEqual, value[2:]
	case strings.HasPrefix(value, ">="):
		op, value = BuildNumberGreaterEqual, value[2:]
	case strings.HasPrefix(value, "<="):
		op, value = BuildNumberLessEqual, value[2:]
	case strings.HasPrefix(value, ">"):
		op, value = BuildNumberGreater, value[1:]
	case strings.HasPrefix(value, "<"):
		op, value = BuildNumberLess, value[1:]
	case strings.HasPrefix(value, "=="):
		value = value[2:]
	case strings.HasPrefix(value, "="):
		value = value[1:]
	}
	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid build number %q: %w", value, err)
	}
	return &BuildNumberSpec{Op: op, Value: n}, nil
}

// splitName cuts the package name off the front of the bracket-free
// remainder. The name ends at the first space or comparison character.
func splitName(s string) (name, rest string) {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '=', '<', '>', '!', '~':
			return s[:i], strings.TrimSpace(s[i:])
		}
	}
	return s, ""
}

// parseVersionBuild interprets the text after the name. Supported layouts:
//
//	">=1.2"            operator expression
//	"1.2" / "1.2.*"    bare exact / fuzzy shorthand
//	"1.2 py27_0"       version plus build string
//	"=1.2=py27_0"      legacy '='-separated version and build
func parseVersionBuild(rest string, o parseOpts) (*version.Spec, string, error) {
	// legacy name=version=build: rest starts with a single '='
	if strings.HasPrefix(rest, "=") && !strings.HasPrefix(rest, "==") {
		trimmed := rest[1:]
		if ver, build, found := strings.Cut(trimmed, "="); found {
			tok := "==" + ver
			if strings.ContainsRune(ver, '*') {
				tok = ver
			}
			spec, err := parseVersionToken(tok)
			if err != nil {
				return nil, "", err
			}
			return spec, build, nil
		}
		// "=1.2" alone is the fuzzy prefix shorthand
		spec, err := parseVersionToken("=" + trimmed)
		if err != nil {
			return nil, "", err
		}
		return spec, "", nil
	}

	fields := strings.Fields(rest)
	// rejoin constraints split by incidental whitespace, ">= 24.0" and
	// ">=1.2, <2" are accepted forms
	for i := 1; i < len(fields); {
		tail := fields[i-1][len(fields[i-1])-1]
		if strings.IndexByte("=<>!|,(", tail) >= 0 {
			fields[i-1] += fields[i]
			fields = append(fields[:i], fields[i+1:]...)
			continue
		}
		i++
	}
	switch len(fields) {
	case 1:
		spec, err := parseVersionToken(fields[0])
		return spec, "", err
	case 2:
		spec, err := parseVersionToken(fields[0])
		if err != nil {
			return nil, "", err
		}
		build := fields[1]
		if o.strict && isBareNumber(build) {
			return nil, "", fmt.Errorf("ambiguous bare build number %q, use [build_number=%s] or [build=%s]", build, build, build)
		}
		return spec, build, nil
	default:
		return nil, "", fmt.Errorf("too many version/build tokens in %q", rest)
	}
}

func isBareNumber(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseVersionToken applies the outside-bracket shorthand: a bare version
// becomes exact equality, "x*" forms become prefix matches, anything with an
// operator is a full constraint expression.
func parseVersionToken(token string) (*version.Spec, error) {
	token = strings.TrimSpace(token)
	if token == "" || token == "*" {
		return nil, nil
	}
	if !strings.ContainsAny(token[:1], "=<>!(") && !strings.HasSuffix(token, "*") {
		token = "==" + token
	}
	spec, err := version.ParseSpec(token)
	if err != nil {
		return nil, err
	}
	return &spec, nil
}

// Matches reports whether a package record satisfies every populated field.
// Channel, subdir and file name are provenance fields; use MatchesRecord to
// check them too.
func (ms MatchSpec) Matches(rec *types.PackageRecord) bool {
	if ms.Name != "" && ms.Name != "*" && ms.Name != strings.ToLower(rec.Name) {
		return false
	}
	if ms.Version != nil && !ms.Version.Matches(rec.Version) {
		return false
	}
	if ms.Build != "" && !globMatch(ms.Build, rec.Build) {
		return false
	}
	if ms.BuildNumber != nil && !ms.BuildNumber.Op.matches(rec.BuildNumber, ms.BuildNumber.Value) {
		return false
	}
	if ms.MD5 != "" && !strings.EqualFold(ms.MD5, rec.MD5) {
		return false
	}
	if ms.SHA256 != "" && !strings.EqualFold(ms.SHA256, rec.SHA256) {
		return false
	}
	if ms.Subdir != "" && rec.Subdir != "" && ms.Subdir != rec.Subdir {
		return false
	}
	return true
}

// MatchesRecord additionally checks provenance: channel, subdir, file name.
func (ms MatchSpec) MatchesRecord(rec *types.RepoDataRecord) bool {
	if !ms.Matches(&rec.PackageRecord) {
		return false
	}
	if ms.FileName != "" && ms.FileName != rec.FileName {
		return false
	}
	if ms.Channel != "" && !channelMatches(ms.Channel, rec) {
		return false
	}
	return true
}

func channelMatches(want string, rec *types.RepoDataRecord) bool {
	if want == rec.Channel {
		return true
	}
	// URL-form channels match the record's download location
	return strings.Contains(want, "://") && strings.HasPrefix(rec.URL, strings.TrimRight(want, "/")+"/")
}

// globMatch matches s against pattern where '*' spans any run of characters.
func globMatch(pattern, s string) bool {
	if !strings.ContainsRune(pattern, '*') {
		return pattern == s
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		i := strings.Index(s, part)
		if i < 0 {
			return false
		}
		s = s[i+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

// IsNamed reports whether the query constrains the package name.
func (ms MatchSpec) IsNamed() bool { return ms.Name != "" && ms.Name != "*" }

// String renders the canonical form: channel/subdir prefix, then
// "name version build", then the remaining fields as ordered bracket keys.
func (ms MatchSpec) String() string {
	var b strings.Builder
	if ms.Channel != "" {
		b.WriteString(ms.Channel)
		if ms.Subdir != "" {
			b.WriteByte('/')
			b.WriteString(ms.Subdir)
		}
		b.WriteString("::")
	}
	if ms.Name == "" {
		b.WriteByte('*')
	} else {
		b.WriteString(ms.Name)
	}
	if ms.Version != nil {
		b.WriteByte(' ')
		b.WriteString(ms.Version.String())
		if ms.Build != "" {
			b.WriteByte(' ')
			b.WriteString(ms.Build)
		}
	}

	var keys []string
	if ms.Version == nil && ms.Build != "" {
		keys = append(keys, "build="+ms.Build)
	}
	if ms.BuildNumber != nil {
		keys = append(keys, "build_number="+ms.BuildNumber.String())
	}
	if ms.Channel == "" && ms.Subdir != "" {
		keys = append(keys, "subdir="+ms.Subdir)
	}
	if ms.FileName != "" {
		keys = append(keys, "fn="+quoteIfNeeded(ms.FileName))
	}
	if ms.Namespace != "" {
		keys = append(keys, "namespace="+ms.Namespace)
	}
	if ms.MD5 != "" {
		keys = append(keys, "md5="+ms.MD5)
	}
	if ms.SHA256 != "" {
		keys = append(keys, "sha256="+ms.SHA256)
	}
	if len(ms.Extras) > 0 {
		keys = append(keys, "extras=["+strings.Join(ms.Extras, ",")+"]")
	}
	if ms.Condition != "" {
		keys = append(keys, "if="+quoteIfNeeded(ms.Condition))
	}
	if len(keys) > 0 {
		b.WriteByte('[')
		b.WriteString(strings.Join(keys, ","))
		b.WriteByte(']')
	}
	return b.String()
}

func quoteIfNeeded(s string) string {
	if strings.ContainsAny(s, " ,[]") {
		return strconv.Quote(s)
	}
	return s
}
