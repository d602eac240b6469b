package purifier

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jonchun/shellpure/ast"
)

var unaryTests = map[string]string{
	"-a": "-e", "-b": "-b", "-c": "-c", "-d": "-d", "-e": "-e", "-f": "-f",
	"-g": "-g", "-h": "-h", "-L": "-L", "-n": "-n", "-p": "-p", "-r": "-r",
	"-S": "-S", "-s": "-s", "-t": "-t", "-u": "-u", "-w": "-w", "-x": "-x",
	"-z": "-z",
}

var binaryTests = map[string]string{
	"=": "=", "==": "=", "!=": "!=",
	"-eq": "-eq", "-ne": "-ne", "-lt": "-lt", "-le": "-le", "-gt": "-gt", "-ge": "-ge",
}

// doubleBracket rewrites [[ ... ]] as one [ ] test or an && / || chain of
// them. Pattern and regex matching, grouping and mixed operators have no
// [ ] form.
func (p *pass) doubleBracket(c *ast.Command) ast.Stmt {
	keep := func(err error) ast.Stmt {
		p.unsafe(ErrUnsupportedConstruct, RuleDoubleBracket, c.Span, err.Error())
		out := ast.CloneStmt(c).(*ast.Command)
		out.Redirects = p.redirects(c.Redirects)
		return out
	}

	args := c.Args
	if n := len(args); n == 0 {
		return keep(errors.New("[[ without closing ]]"))
	} else if v, _ := args[n-1].Lit(); v != "]]" {
		return keep(errors.New("[[ without closing ]]"))
	}

	var groups [][]*ast.Word
	var cur []*ast.Word
	op := ""
	for _, w := range args[:len(args)-1] {
		if v, ok := w.Lit(); ok && (v == "&&" || v == "||") {
			if op != "" && op != v {
				return keep(errors.New("[[ mixing && and || has no [ ] form"))
			}
			op = v
			groups = append(groups, cur)
			cur = nil
			continue
		}
		cur = append(cur, w)
	}
	groups = append(groups, cur)

	tests := make([]*ast.Command, 0, len(groups))
	for _, g := range groups {
		words, err := convertTest(g)
		if err != nil {
			return keep(err)
		}
		t := &ast.Command{Span: c.Span, Name: litWord("[")}
		for _, w := range words {
			t.Args = append(t.Args, p.word(w, ctxArg))
		}
		t.Args = append(t.Args, litWord("]"))
		tests = append(tests, t)
	}
	if len(tests) > 1 && (len(c.Env) > 0 || len(c.Redirects) > 0) {
		return keep(errors.New("[[ chain with redirections has no [ ] form"))
	}
	for _, a := range c.Env {
		tests[0].Env = append(tests[0].Env, p.assign(a))
	}
	tests[0].Redirects = p.redirects(c.Redirects)

	p.report.fix(RuleDoubleBracket, c.Span, fmt.Sprintf("[[ ]] rewritten as %d [ ] test(s)", len(tests)))
	var out ast.Stmt = tests[0]
	for _, t := range tests[1:] {
		out = &ast.AndOr{Span: c.Span, Op: op, Left: out, Right: t}
	}
	return out
}

// convertTest maps one [[ ]] primary to [ ] arguments.
func convertTest(words []*ast.Word) ([]*ast.Word, error) {
	var prefix []*ast.Word
	if len(words) > 0 {
		if v, ok := words[0].Lit(); ok && v == "!" {
			prefix = append(prefix, words[0])
			words = words[1:]
		}
	}
	for _, w := range words {
		if v, ok := w.Lit(); ok && (v == "(" || v == ")" || v == "!") {
			return nil, errors.New("[[ grouping has no [ ] form")
		}
	}

	switch len(words) {
	case 0:
		return nil, errors.New("empty [[ ]] test")
	case 1:
		return append(prefix, litWord("-n"), words[0]), nil
	case 2:
		v, ok := words[0].Lit()
		mapped, known := unaryTests[v]
		if !ok || !known {
			return nil, fmt.Errorf("[[ %s ]] has no [ ] form", wordsText(words))
		}
		return append(prefix, litWord(mapped), words[1]), nil
	case 3:
		v, ok := words[1].Lit()
		if ok && v == "=~" {
			return nil, errors.New("[[ =~ ]] regex matching has no [ ] form")
		}
		mapped, known := binaryTests[v]
		if !ok || !known {
			return nil, fmt.Errorf("[[ %s ]] has no [ ] form", wordsText(words))
		}
		if mapped == "=" || mapped == "!=" {
			if hasGlob(words[2]) {
				return nil, errors.New("[[ ]] pattern matching has no [ ] form")
			}
		}
		return append(prefix, words[0], litWord(mapped), words[2]), nil
	}
	return nil, fmt.Errorf("[[ %s ]] has no [ ] form", wordsText(words))
}

// hasGlob reports whether w has an unquoted pattern character.
func hasGlob(w *ast.Word) bool {
	for _, part := range w.Parts {
		l, ok := part.(*ast.Lit)
		if !ok {
			continue
		}
		for i := 0; i < len(l.Value); i++ {
			switch l.Value[i] {
			case '\\':
				i++
			case '*', '?', '[':
				return true
			}
		}
	}
	return false
}

func wordsText(words []*ast.Word) string {
	parts := make([]string, len(words))
	for i, w := range words {
		if v, ok := w.Static(); ok {
			parts[i] = v
		} else {
			parts[i] = "..."
		}
	}
	return strings.Join(parts, " ")
}
