package verifier

import (
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
)

var ErrDivisionByZero = errors.New("division by zero")

// arith evaluates a $((...)) expression. Parameter references inside the
// expression are expanded first; bare names read variables. Assignments
// inside the expression reach s only when all of it evaluates.
func (m *Machine) arith(s *State, expr string, io streams) (int64, error) {
	text, err := m.expandText(s, expr, io)
	if err != nil {
		return 0, err
	}
	scratch := *s
	scratch.Env = maps.Clone(s.Env)
	if scratch.Env == nil {
		scratch.Env = map[string]string{}
	}
	a := &arithParser{src: text, s: &scratch, m: m}
	a.next()
	v, err := a.assign()
	if err != nil {
		return 0, fmt.Errorf("arithmetic expression %q: %w", expr, err)
	}
	if a.tok != "" {
		return 0, fmt.Errorf("arithmetic expression %q: unexpected %q", expr, a.tok)
	}
	if s.Env == nil {
		s.Env = scratch.Env
	} else {
		maps.Copy(s.Env, scratch.Env)
	}
	return v.n, nil
}

type arithValue struct {
	n    int64
	name string
}

// arithParser is a precedence-climbing evaluator. skip counts enclosing
// operands that short-circuiting discards; they are parsed but have no
// effect and raise no errors.
type arithParser struct {
	src  string
	pos  int
	tok  string
	s    *State
	m    *Machine
	skip int
}

var arithOps = []string{
	"<<=", ">>=", "&&", "||", "==", "!=", "<=", ">=", "<<", ">>",
	"+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=",
	"+", "-", "*", "/", "%", "<", ">", "!", "~", "&", "|", "^", "?", ":", "(", ")", "=",
}

func (a *arithParser) next() {
	for a.pos < len(a.src) && strings.IndexByte(" \t\n", a.src[a.pos]) >= 0 {
		a.pos++
	}
	if a.pos >= len(a.src) {
		a.tok = ""
		return
	}
	rest := a.src[a.pos:]
	c := rest[0]
	if isAlnum(c) {
		end := 0
		for end < len(rest) && isAlnum(rest[end]) {
			end++
		}
		a.tok = rest[:end]
		a.pos += end
		return
	}
	for _, op := range arithOps {
		if strings.HasPrefix(rest, op) {
			a.tok = op
			a.pos += len(op)
			return
		}
	}
	a.tok = rest[:1]
	a.pos++
}

func isAlnum(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (a *arithParser) assign() (arithValue, error) {
	lhs, err := a.ternary()
	if err != nil {
		return lhs, err
	}
	op := a.tok
	if op != "=" && !(len(op) >= 2 && strings.HasSuffix(op, "=") && op != "==" && op != "!=" && op != "<=" && op != ">=") {
		return lhs, nil
	}
	if lhs.name == "" {
		return lhs, fmt.Errorf("assignment to non-variable")
	}
	a.next()
	rhs, err := a.assign()
	if err != nil {
		return rhs, err
	}
	v := rhs.n
	if op != "=" {
		if v, err = a.apply(strings.TrimSuffix(op, "="), lhs.n, rhs.n); err != nil {
			return rhs, err
		}
	}
	if a.skip == 0 {
		a.s.Env[lhs.name] = strconv.FormatInt(v, 10)
	}
	return arithValue{n: v}, nil
}

func (a *arithParser) ternary() (arithValue, error) {
	cond, err := a.binary(0)
	if err != nil || a.tok != "?" {
		return cond, err
	}
	a.next()
	if cond.n == 0 {
		a.skip++
	}
	yes, err := a.assign()
	if cond.n == 0 {
		a.skip--
	}
	if err != nil {
		return yes, err
	}
	if a.tok != ":" {
		return yes, fmt.Errorf("expected ':'")
	}
	a.next()
	if cond.n != 0 {
		a.skip++
	}
	no, err := a.assign()
	if cond.n != 0 {
		a.skip--
	}
	if err != nil {
		return no, err
	}
	if cond.n != 0 {
		return arithValue{n: yes.n}, nil
	}
	return arithValue{n: no.n}, nil
}

// binaryLevels lists operators from loosest to tightest binding.
var binaryLevels = [][]string{
	{"||"},
	{"&&"},
	{"|"},
	{"^"},
	{"&"},
	{"==", "!="},
	{"<", "<=", ">", ">="},
	{"<<", ">>"},
	{"+", "-"},
	{"*", "/", "%"},
}

func (a *arithParser) binary(level int) (arithValue, error) {
	if level == len(binaryLevels) {
		return a.unary()
	}
	lhs, err := a.binary(level + 1)
	if err != nil {
		return lhs, err
	}
	for contains(binaryLevels[level], a.tok) {
		op := a.tok
		a.next()
		short := (op == "&&" && lhs.n == 0) || (op == "||" && lhs.n != 0)
		if short {
			a.skip++
		}
		rhs, err := a.binary(level + 1)
		if short {
			a.skip--
		}
		if err != nil {
			return rhs, err
		}
		v, err := a.apply(op, lhs.n, rhs.n)
		if err != nil {
			return rhs, err
		}
		lhs = arithValue{n: v}
	}
	return lhs, nil
}

func contains(ops []string, tok string) bool {
	for _, op := range ops {
		if op == tok {
			return true
		}
	}
	return false
}

func (a *arithParser) apply(op string, x, y int64) (int64, error) {
	b := func(ok bool) int64 {
		if ok {
			return 1
		}
		return 0
	}
	switch op {
	case "||":
		return b(x != 0 || y != 0), nil
	case "&&":
		return b(x != 0 && y != 0), nil
	case "|":
		return x | y, nil
	case "^":
		return x ^ y, nil
	case "&":
		return x & y, nil
	case "==":
		return b(x == y), nil
	case "!=":
		return b(x != y), nil
	case "<":
		return b(x < y), nil
	case "<=":
		return b(x <= y), nil
	case ">":
		return b(x > y), nil
	case ">=":
		return b(x >= y), nil
	case "<<":
		return x << uint64(y&63), nil
	case ">>":
		return x >> uint64(y&63), nil
	case "+":
		return x + y, nil
	case "-":
		return x - y, nil
	case "*":
		return x * y, nil
	case "/", "%":
		if y == 0 {
			if a.skip > 0 {
				return 0, nil
			}
			return 0, ErrDivisionByZero
		}
		if op == "/" {
			return x / y, nil
		}
		return x % y, nil
	}
	return 0, fmt.Errorf("unknown operator %q", op)
}

func (a *arithParser) unary() (arithValue, error) {
	switch a.tok {
	case "-", "+", "!", "~":
		op := a.tok
		a.next()
		v, err := a.unary()
		if err != nil {
			return v, err
		}
		switch op {
		case "-":
			return arithValue{n: -v.n}, nil
		case "!":
			if v.n == 0 {
				return arithValue{n: 1}, nil
			}
			return arithValue{}, nil
		case "~":
			return arithValue{n: ^v.n}, nil
		}
		return arithValue{n: v.n}, nil
	}
	return a.primary()
}

func (a *arithParser) primary() (arithValue, error) {
	tok := a.tok
	switch {
	case tok == "":
		return arithValue{}, fmt.Errorf("unexpected end of expression")
	case tok == "(":
		a.next()
		v, err := a.assign()
		if err != nil {
			return v, err
		}
		if a.tok != ")" {
			return v, fmt.Errorf("missing ')'")
		}
		a.next()
		return arithValue{n: v.n}, nil
	case tok[0] >= '0' && tok[0] <= '9':
		a.next()
		n, err := parseArithInt(tok)
		if err != nil {
			return arithValue{}, err
		}
		return arithValue{n: n}, nil
	case isAlnum(tok[0]):
		a.next()
		v, _ := a.m.lookup(a.s, tok)
		n, _ := parseArithInt(strings.TrimSpace(v))
		return arithValue{n: n, name: tok}, nil
	}
	return arithValue{}, fmt.Errorf("unexpected %q", tok)
}

// parseArithInt accepts decimal, 0x hexadecimal and leading-zero octal.
func parseArithInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	base := 10
	switch {
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		base, s = 16, s[2:]
	case len(s) > 1 && s[0] == '0':
		base, s = 8, s[1:]
	}
	n, err := strconv.ParseInt(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return n, nil
}
