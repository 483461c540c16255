// Package expression provides the in-tree reference implementation of the
// evaluator capability. The engine only depends on ports.Evaluator, so a
// richer language can be dropped in without touching execution logic.
//
// Grammar:
//
//	expr       := comparison [ "?" primary ":" primary ]
//	comparison := primary [ ("==" | "!=" | ">" | ">=" | "<" | "<=") primary ]
//	primary    := number | "'" chars "'" | "true" | "false" | identifier
//
// Identifiers resolve against the bindings map; dotted names traverse
// nested maps. JSON numbers compare as float64.
package expression

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type Basic struct{}

func NewBasic() *Basic { return &Basic{} }

func (b *Basic) Evaluate(expr string, bindings map[string]any) (any, error) {
	p := &parser{input: expr, bindings: bindings}
	p.tokenize()
	if p.err != nil {
		return nil, p.err
	}
	v, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected token %q in %q", p.tokens[p.pos], expr)
	}
	return v, nil
}

type parser struct {
	input    string
	bindings map[string]any
	tokens   []string
	pos      int
	err      error
}

func (p *parser) tokenize() {
	s := p.input
	for i := 0; i < len(s); {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case strings.HasPrefix(s[i:], "=="), strings.HasPrefix(s[i:], "!="),
			strings.HasPrefix(s[i:], ">="), strings.HasPrefix(s[i:], "<="):
			p.tokens = append(p.tokens, s[i:i+2])
			i += 2
		case c == '>' || c == '<' || c == '?' || c == ':':
			p.tokens = append(p.tokens, string(c))
			i++
		case c == '\'':
			end := strings.IndexByte(s[i+1:], '\'')
			if end < 0 {
				p.err = fmt.Errorf("unterminated string in %q", p.input)
				return
			}
			p.tokens = append(p.tokens, s[i:i+end+2])
			i += end + 2
		case unicode.IsDigit(c) || c == '-' || c == '.':
			j := i + 1
			for j < len(s) && (unicode.IsDigit(rune(s[j])) || s[j] == '.') {
				j++
			}
			p.tokens = append(p.tokens, s[i:j])
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i + 1
			for j < len(s) && (unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j])) || s[j] == '_' || s[j] == '.') {
				j++
			}
			p.tokens = append(p.tokens, s[i:j])
			i = j
		default:
			p.err = fmt.Errorf("unexpected character %q in %q", c, p.input)
			return
		}
	}
}

func (p *parser) parseExpr() (any, error) {
	cond, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	if !p.accept("?") {
		return cond, nil
	}
	thenVal, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if !p.accept(":") {
		return nil, fmt.Errorf("expected ':' in conditional %q", p.input)
	}
	elseVal, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	truthy, ok := cond.(bool)
	if !ok {
		return nil, fmt.Errorf("conditional guard is not boolean in %q", p.input)
	}
	if truthy {
		return thenVal, nil
	}
	return elseVal, nil
}

func (p *parser) parseComparison() (any, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if p.accept(op) {
			right, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			return compare(op, left, right, p.input)
		}
	}
	return left, nil
}

func (p *parser) parsePrimary() (any, error) {
	if p.pos >= len(p.tokens) {
		return nil, fmt.Errorf("unexpected end of expression %q", p.input)
	}
	tok := p.tokens[p.pos]
	p.pos++
	switch {
	case tok == "true":
		return true, nil
	case tok == "false":
		return false, nil
	case strings.HasPrefix(tok, "'"):
		return strings.Trim(tok, "'"), nil
	case unicode.IsDigit(rune(tok[0])) || tok[0] == '-' || tok[0] == '.':
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q in %q", tok, p.input)
		}
		return f, nil
	default:
		return lookup(tok, p.bindings)
	}
}

func (p *parser) accept(tok string) bool {
	if p.pos < len(p.tokens) && p.tokens[p.pos] == tok {
		p.pos++
		return true
	}
	return false
}

func lookup(name string, bindings map[string]any) (any, error) {
	parts := strings.Split(name, ".")
	var cur any = bindings
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unknown variable %q", name)
		}
		cur, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("unknown variable %q", name)
		}
	}
	return cur, nil
}

func compare(op string, left, right any, expr string) (any, error) {
	switch op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	}
	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if !lok || !rok {
		return nil, fmt.Errorf("non-numeric operand for %q in %q", op, expr)
	}
	switch op {
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

func equal(left, right any) bool {
	if lf, ok := asFloat(left); ok {
		if rf, ok := asFloat(right); ok {
			return lf == rf
		}
	}
	return left == right
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
