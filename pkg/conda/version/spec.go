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

package version

import (
	"fmt"
	"strings"
)

// Operator is a single version comparison.
type Operator int

const (
	OpAny Operator = iota
	OpEqual
	OpNotEqual
	OpGreater
	OpGreaterEqual
	OpLess
	OpLessEqual
	OpStartsWith
	OpNotStartsWith
)

func (op Operator) String() string {
	switch op {
	case OpAny:
		return "*"
	case OpEqual:
		return "=="
	case OpNotEqual:
		return "!="
	case OpGreater:
		return ">"
	case OpGreaterEqual:
		return ">="
	case OpLess:
		return "<"
	case OpLessEqual:
		return "<="
	case OpStartsWith:
		return "="
	case OpNotStartsWith:
		return "!=startswith"
	}
	return "invalid"
}

func (op Operator) compare(v, ref Version) bool {
	switch op {
	case OpAny:
		return true
	case OpEqual:
		return Compare(v, ref) == equal
	case OpNotEqual:
		return Compare(v, ref) != equal
	case OpGreater:
		return Compare(v, ref) == greater
	case OpGreaterEqual:
		return Compare(v, ref) != less
	case OpLess:
		return Compare(v, ref) == less
	case OpLessEqual:
		return Compare(v, ref) != greater
	case OpStartsWith:
		return v.StartsWith(ref)
	case OpNotStartsWith:
		return !v.StartsWith(ref)
	}
	return false
}

// specNode is one node of an immutable constraint tree: a group of AND or OR
// terms, or a leaf comparison.
type specNode struct {
	// exactly one of the following is used
	and        []specNode
	or         []specNode
	op         Operator
	ref        Version
	paren bool // rendered inside explicit parentheses
}

func (n specNode) matches(v Version) bool {
	switch {
	case n.and != nil:
		for _, term := range n.and {
			if !term.matches(v) {
				return false
			}
		}
		return true
	case n.or != nil:
		for _, term := range n.or {
			if term.matches(v) {
				return true
			}
		}
		return false
	default:
		return n.op.compare(v, n.ref)
	}
}

func (n specNode) render(b *strings.Builder) {
	switch {
	case n.and != nil:
		if n.paren {
			b.WriteByte('(')
		}
		for i, term := range n.and {
			if i > 0 {
				b.WriteByte(',')
			}
			term.render(b)
		}
		if n.paren {
			b.WriteByte(')')
		}
	case n.or != nil:
		if n.paren {
			b.WriteByte('(')
		}
		for i, term := range n.or {
			if i > 0 {
				b.WriteByte('|')
			}
			term.render(b)
		}
		if n.paren {
			b.WriteByte(')')
		}
	default:
		switch n.op {
		case OpAny:
			b.WriteByte('*')
		case OpStartsWith:
			b.WriteString(n.ref.String())
			b.WriteString(".*")
		case OpNotStartsWith:
			b.WriteString("!=")
			b.WriteString(n.ref.String())
			b.WriteString(".*")
		default:
			b.WriteString(n.op.String())
			b.WriteString(n.ref.String())
		}
	}
}

// Spec is an immutable constraint expression over versions, such as
// ">=1.2.3,<2.0.0" or "1.7.*|1.8.*". Matches is a pure predicate.
type Spec struct {
	node specNode
}

// Matches evaluates the constraint against v. AND groups short-circuit on
// the first failing term, OR groups on the first succeeding one.
func (s Spec) Matches(v Version) bool { return s.node.matches(v) }

// String renders the canonical form of the constraint.
func (s Spec) String() string {
	var b strings.Builder
	s.node.render(&b)
	return b.String()
}

// ParseSpec parses a constraint expression. The grammar supports the
// comparison operators ==, !=, >, >=, <, <=, fuzzy prefix forms "1.2.*" and
// "=1.2", "*" for anything, "," for AND (binding tighter than "|", as conda
// does), "|" for OR and parenthesized groups.
func ParseSpec(s string) (Spec, error) {
	source := s
	// conda version constraints are insensitive to whitespace
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return Spec{}, fmt.Errorf("empty version constraint")
	}
	p := &specParser{input: s}
	node, err := p.parseOr()
	if err != nil {
		return Spec{}, fmt.Errorf("invalid version constraint %q: %w", source, err)
	}
	if p.pos != len(p.input) {
		return Spec{}, fmt.Errorf("invalid version constraint %q: unexpected %q at offset %d", source, string(p.input[p.pos]), p.pos)
	}
	return Spec{node: node}, nil
}

// MustParseSpec is like ParseSpec but panics on error.
func MustParseSpec(s string) Spec {
	spec, err := ParseSpec(s)
	if err != nil {
		panic(err)
	}
	return spec
}

type specParser struct {
	input string
	pos   int
}

func (p *specParser) parseOr() (specNode, error) {
	terms := []specNode{}
	for {
		term, err := p.parseAnd()
		if err != nil {
			return specNode{}, err
		}
		terms = append(terms, term)
		if p.pos < len(p.input) && p.input[p.pos] == '|' {
			p.pos++
			continue
		}
		break
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return specNode{or: terms}, nil
}

func (p *specParser) parseAnd() (specNode, error) {
	terms := []specNode{}
	for {
		term, err := p.parsePrimary()
		if err != nil {
			return specNode{}, err
		}
		terms = append(terms, term)
		if p.pos < len(p.input) && p.input[p.pos] == ',' {
			p.pos++
			continue
		}
		break
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return specNode{and: terms}, nil
}

func (p *specParser) parsePrimary() (specNode, error) {
	if p.pos >= len(p.input) {
		return specNode{}, fmt.Errorf("unexpected end of constraint")
	}
	if p.input[p.pos] == '(' {
		p.pos++
		node, err := p.parseOr()
		if err != nil {
			return specNode{}, err
		}
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return specNode{}, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		node.paren = true
		return node, nil
	}

	start := p.pos
	for p.pos < len(p.input) && !isSpecDelimiter(p.input[p.pos]) {
		p.pos++
	}
	token := p.input[start:p.pos]
	if token == "" {
		return specNode{}, fmt.Errorf("empty constraint term at offset %d", start)
	}
	return parseConstraint(token)
}

func isSpecDelimiter(c byte) bool {
	return c == ',' || c == '|' || c == '(' || c == ')'
}

func parseConstraint(token string) (specNode, error) {
	if token == "*" {
		return specNode{op: OpAny}, nil
	}

	op := OpEqual
	switch {
	case strings.HasPrefix(token, "=="):
		op = OpEqual
		token = token[2:]
	case strings.HasPrefix(token, "!="):
		op = OpNotEqual
		token = token[2:]
	case strings.HasPrefix(token, ">="):
		op = OpGreaterEqual
		token = token[2:]
	case strings.HasPrefix(token, "<="):
		op = OpLessEqual
		token = token[2:]
	case strings.HasPrefix(token, ">"):
		op = OpGreater
		token = token[1:]
	case strings.HasPrefix(token, "<"):
		op = OpLess
		token = token[1:]
	case strings.HasPrefix(token, "="):
		op = OpStartsWith
		token = token[1:]
	}

	// fuzzy suffix: "1.2.*" or "1.2*"
	fuzzy := false
	switch {
	case strings.HasSuffix(token, ".*"):
		fuzzy = true
		token = token[:len(token)-2]
	case strings.HasSuffix(token, "*"):
		fuzzy = true
		token = token[:len(token)-1]
	}
	if fuzzy {
		switch op {
		case OpEqual, OpStartsWith:
			op = OpStartsWith
		case OpNotEqual:
			op = OpNotStartsWith
		default:
			return specNode{}, fmt.Errorf("operator %q cannot be combined with a fuzzy version", op)
		}
	}

	ref, err := Parse(token)
	if err != nil {
		return specNode{}, err
	}
	return specNode{op: op, ref: ref}, nil
}
