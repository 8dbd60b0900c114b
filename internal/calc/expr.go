// Package calc compiles derived-attribute formulas into a small expression
// tree evaluated by an explicit interpreter. A formula combines numeric
// literals and bracketed attribute paths with the four arithmetic operators,
// e.g. "[temperature.raw] / 10 - 40".
package calc

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is a compiled expression.
type Expr struct {
	root node
	refs []string
}

// Rule is one forward derivation: lvalue = rvalue.
type Rule struct {
	LValue string
	RValue *Expr
}

// Compile parses a formula into an Expr.
func Compile(src string) (*Expr, error) {
	p := &parser{src: src}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("calc: unexpected %q at offset %d", p.src[p.pos:], p.pos)
	}
	e := &Expr{root: root}
	collectRefs(root, &e.refs)
	return e, nil
}

// CompileRule compiles the rvalue of a lvalue/rvalue pair.
func CompileRule(lvalue, rvalue string) (Rule, error) {
	lv := strings.TrimSpace(lvalue)
	if strings.HasPrefix(lv, "[") && strings.HasSuffix(lv, "]") {
		lv = lv[1 : len(lv)-1]
	}
	if lv == "" {
		return Rule{}, fmt.Errorf("calc: empty lvalue")
	}
	expr, err := Compile(rvalue)
	if err != nil {
		return Rule{}, fmt.Errorf("calc: rvalue for %q: %w", lv, err)
	}
	return Rule{LValue: lv, RValue: expr}, nil
}

// Refs returns the attribute paths the expression reads.
func (e *Expr) Refs() []string {
	return e.refs
}

// References reports whether the expression reads any of the given paths.
func (e *Expr) References(paths map[string]struct{}) bool {
	for _, r := range e.refs {
		if _, ok := paths[r]; ok {
			return true
		}
	}
	return false
}

// Eval computes the expression. lookup resolves an attribute path to a
// numeric value; a failed lookup makes the evaluation return ok=false.
func (e *Expr) Eval(lookup func(path string) (float64, bool)) (float64, bool) {
	return e.root.eval(lookup)
}

type node interface {
	eval(lookup func(string) (float64, bool)) (float64, bool)
}

type literal float64

func (l literal) eval(func(string) (float64, bool)) (float64, bool) {
	return float64(l), true
}

type ref string

func (r ref) eval(lookup func(string) (float64, bool)) (float64, bool) {
	return lookup(string(r))
}

type binary struct {
	op          byte
	left, right node
}

func (b binary) eval(lookup func(string) (float64, bool)) (float64, bool) {
	l, ok := b.left.eval(lookup)
	if !ok {
		return 0, false
	}
	r, ok := b.right.eval(lookup)
	if !ok {
		return 0, false
	}
	switch b.op {
	case '+':
		return l + r, true
	case '-':
		return l - r, true
	case '*':
		return l * r, true
	case '/':
		if r == 0 {
			return 0, false
		}
		return l / r, true
	}
	return 0, false
}

type negate struct{ inner node }

func (n negate) eval(lookup func(string) (float64, bool)) (float64, bool) {
	v, ok := n.inner.eval(lookup)
	return -v, ok
}

func collectRefs(n node, out *[]string) {
	switch v := n.(type) {
	case ref:
		*out = append(*out, string(v))
	case binary:
		collectRefs(v.left, out)
		collectRefs(v.right, out)
	case negate:
		collectRefs(v.inner, out)
	}
}

type parser struct {
	src string
	pos int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) parseExpr() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, left: left, right: right}
	}
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, left: left, right: right}
	}
}

func (p *parser) parseFactor() (node, error) {
	switch c := p.peek(); {
	case c == '-':
		p.pos++
		inner, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return negate{inner: inner}, nil

	case c == '(':
		p.pos++
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ')' {
			return nil, fmt.Errorf("calc: missing ')' at offset %d", p.pos)
		}
		p.pos++
		return inner, nil

	case c == '[':
		p.pos++
		end := strings.IndexByte(p.src[p.pos:], ']')
		if end < 0 {
			return nil, fmt.Errorf("calc: unterminated path at offset %d", p.pos)
		}
		path := strings.TrimSpace(p.src[p.pos : p.pos+end])
		if path == "" {
			return nil, fmt.Errorf("calc: empty path at offset %d", p.pos)
		}
		p.pos += end + 1
		return ref(path), nil

	case c >= '0' && c <= '9' || c == '.':
		start := p.pos
		for p.pos < len(p.src) {
			c := p.src[p.pos]
			if (c < '0' || c > '9') && c != '.' {
				break
			}
			p.pos++
		}
		v, err := strconv.ParseFloat(p.src[start:p.pos], 64)
		if err != nil {
			return nil, fmt.Errorf("calc: bad number %q: %w", p.src[start:p.pos], err)
		}
		return literal(v), nil

	case c == 0:
		return nil, fmt.Errorf("calc: unexpected end of expression")

	default:
		return nil, fmt.Errorf("calc: unexpected %q at offset %d", c, p.pos)
	}
}
