package pep508

import (
	"fmt"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"
)

// Environment is the set of platform attributes a marker is evaluated
// against.
type Environment map[string]string

// PyodideEnvironment returns the marker environment of the target sandbox:
// CPython 3.12 running under Emscripten on wasm32.
func PyodideEnvironment() Environment {
	return Environment{
		"os_name":                "posix",
		"sys_platform":           "emscripten",
		"platform_system":        "Emscripten",
		"platform_machine":       "wasm32",
		"platform_release":       "",
		"implementation_name":    "cpython",
		"implementation_version": "3.12.1",
		"python_version":         "3.12",
		"python_full_version":    "3.12.1",
		"extra":                  "",
	}
}

type tokenKind int

const (
	tokString tokenKind = iota
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	val  string
}

func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(s[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, token{tokString, s[i+1 : i+1+end]})
			i += end + 2
		case strings.ContainsRune("<>=!~", rune(c)):
			j := i
			for j < len(s) && strings.ContainsRune("<>=!~", rune(s[j])) {
				j++
			}
			toks = append(toks, token{tokOp, s[i:j]})
			i = j
		case isIdentByte(c):
			j := i
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, s[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	return toks, nil
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

type markerParser struct {
	toks []token
	pos  int
	env  Environment
}

// EvaluateMarker evaluates a marker expression against env. Unknown
// variables and malformed expressions return an error so callers can apply
// the lenient-vs-strict policy.
func EvaluateMarker(expr string, env Environment) (bool, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return false, err
	}
	if len(toks) == 0 {
		return false, fmt.Errorf("empty marker expression")
	}
	p := &markerParser{toks: toks, env: env}
	result, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.pos != len(p.toks) {
		return false, fmt.Errorf("trailing tokens in marker %q", expr)
	}
	return result, nil
}

func (p *markerParser) parseOr() (bool, error) {
	result, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for p.peekIdent("or") {
		p.pos++
		rhs, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		result = result || rhs
	}
	return result, nil
}

func (p *markerParser) parseAnd() (bool, error) {
	result, err := p.parseAtom()
	if err != nil {
		return false, err
	}
	for p.peekIdent("and") {
		p.pos++
		rhs, err := p.parseAtom()
		if err != nil {
			return false, err
		}
		result = result && rhs
	}
	return result, nil
}

func (p *markerParser) parseAtom() (bool, error) {
	if p.pos < len(p.toks) && p.toks[p.pos].kind == tokLParen {
		p.pos++
		result, err := p.parseOr()
		if err != nil {
			return false, err
		}
		if p.pos >= len(p.toks) || p.toks[p.pos].kind != tokRParen {
			return false, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return result, nil
	}
	return p.parseComparison()
}

func (p *markerParser) parseComparison() (bool, error) {
	lhs, err := p.parseValue()
	if err != nil {
		return false, err
	}
	op, err := p.parseOperator()
	if err != nil {
		return false, err
	}
	rhs, err := p.parseValue()
	if err != nil {
		return false, err
	}
	return compare(lhs, op, rhs)
}

func (p *markerParser) parseValue() (string, error) {
	if p.pos >= len(p.toks) {
		return "", fmt.Errorf("unexpected end of marker")
	}
	t := p.toks[p.pos]
	switch t.kind {
	case tokString:
		p.pos++
		return t.val, nil
	case tokIdent:
		val, ok := p.env[t.val]
		if !ok {
			return "", fmt.Errorf("unknown marker variable %q", t.val)
		}
		p.pos++
		return val, nil
	default:
		return "", fmt.Errorf("unexpected token %q", t.val)
	}
}

func (p *markerParser) parseOperator() (string, error) {
	if p.pos >= len(p.toks) {
		return "", fmt.Errorf("missing operator")
	}
	t := p.toks[p.pos]
	if t.kind == tokOp {
		p.pos++
		return t.val, nil
	}
	if t.kind == tokIdent && t.val == "in" {
		p.pos++
		return "in", nil
	}
	if t.kind == tokIdent && t.val == "not" {
		p.pos++
		if p.pos >= len(p.toks) || p.toks[p.pos].val != "in" {
			return "", fmt.Errorf("expected 'in' after 'not'")
		}
		p.pos++
		return "not in", nil
	}
	return "", fmt.Errorf("expected operator, got %q", t.val)
}

func (p *markerParser) peekIdent(word string) bool {
	return p.pos < len(p.toks) &&
		p.toks[p.pos].kind == tokIdent && p.toks[p.pos].val == word
}

// compare applies one marker comparison. Operands that both parse as
// versions are compared by version ordering, everything else by string.
func compare(lhs, op, rhs string) (bool, error) {
	switch op {
	case "in":
		return strings.Contains(rhs, lhs), nil
	case "not in":
		return !strings.Contains(rhs, lhs), nil
	case "===":
		return lhs == rhs, nil
	}

	if v, err := pep440.Parse(lhs); err == nil {
		if spec, err := pep440.NewSpecifiers(op + rhs); err == nil {
			return spec.Check(v), nil
		}
	}

	switch op {
	case "==":
		return lhs == rhs, nil
	case "!=":
		return lhs != rhs, nil
	case "<":
		return lhs < rhs, nil
	case "<=":
		return lhs <= rhs, nil
	case ">":
		return lhs > rhs, nil
	case ">=":
		return lhs >= rhs, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}
