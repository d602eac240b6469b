package parser

import (
	"strconv"
	"strings"

	"github.com/jonchun/shellpure/ast"
	"github.com/jonchun/shellpure/lexer"
)

var redirectOps = map[string]bool{
	"<": true, ">": true, ">>": true, ">&": true, "<&": true, ">|": true, "<>": true,
	"<<": true, "<<-": true, "&>": true, "&>>": true,
}

func isRedirectStart(t lexer.Token) bool {
	return t.Kind == lexer.IONumber || (t.Kind == lexer.Operator && redirectOps[t.Value])
}

// assignmentName returns NAME when t starts a NAME=value word.
func assignmentName(t lexer.Token) (string, bool) {
	if t.Kind != lexer.Lit {
		return "", false
	}
	eq := strings.IndexByte(t.Value, '=')
	if eq <= 0 || !ast.IsName(t.Value[:eq]) {
		return "", false
	}
	return t.Value[:eq], true
}

func (p *parser) simpleCommand() (ast.Stmt, error) {
	start := p.cur()
	cmd := &ast.Command{}
	end := start
	for {
		t := p.cur()
		switch {
		case isRedirectStart(t):
			r, err := p.redirect()
			if err != nil {
				return nil, err
			}
			cmd.Redirects = append(cmd.Redirects, r)
			end = lexer.Token{End: r.End}
			continue
		case !t.IsWordPart():
		case cmd.Name == nil:
			if name, ok := assignmentName(t); ok {
				a, err := p.assignment(name)
				if err != nil {
					return nil, err
				}
				cmd.Env = append(cmd.Env, a)
				end = lexer.Token{End: a.End}
				continue
			}
			w, err := p.word()
			if err != nil {
				return nil, err
			}
			cmd.Name = w
			end = lexer.Token{End: w.End}
			if lit, _ := w.Lit(); lit == "[[" {
				args, err := p.doubleBracket(t)
				if err != nil {
					return nil, err
				}
				cmd.Args = args
				end = lexer.Token{End: args[len(args)-1].End}
			}
			continue
		default:
			w, err := p.word()
			if err != nil {
				return nil, err
			}
			cmd.Args = append(cmd.Args, w)
			end = lexer.Token{End: w.End}
			continue
		}
		break
	}
	if cmd.Name == nil && len(cmd.Env) == 0 && len(cmd.Redirects) == 0 {
		t := p.cur()
		return nil, p.errAt(t, "expected command, found %s", describe(t))
	}
	cmd.Span = ast.Span{Start: start.Pos, End: end.End}
	if cmd.Name == nil && len(cmd.Env) == 1 && len(cmd.Redirects) == 0 {
		return cmd.Env[0], nil
	}
	return cmd, nil
}

func (p *parser) assignment(name string) (*ast.Assignment, error) {
	first := p.next()
	rest := first.Value[len(name)+1:]
	value := &ast.Word{Span: ast.Span{Start: first.Pos, End: first.End}}
	if rest != "" {
		value.Parts = append(value.Parts, &ast.Lit{Span: value.Span, Value: rest})
	}
	if n := p.cur(); n.Is("(") && adjacent(first, n) {
		return nil, p.errAt(n, "array assignment to %q is not supported", name)
	}
	for glued(p.cur()) {
		part, err := p.wordPart()
		if err != nil {
			return nil, err
		}
		value.Parts = append(value.Parts, part)
		value.End = part.Range().End
	}
	return &ast.Assignment{
		Span:  ast.Span{Start: first.Pos, End: value.End},
		Name:  name,
		Value: value,
	}, nil
}

// doubleBracket collects the raw words of a [[ ... ]] test up to and
// including the closing ]].
func (p *parser) doubleBracket(open lexer.Token) ([]*ast.Word, error) {
	var args []*ast.Word
	for {
		t := p.cur()
		switch {
		case t.Kind == lexer.EOF || t.Kind == lexer.Newline:
			return nil, p.errAt(t, "expected \"]]\" to close \"[[\" opened at %s, found %s", open.Pos, describe(t))
		case t.Kind == lexer.Operator:
			p.next()
			args = append(args, &ast.Word{
				Span:  ast.Span{Start: t.Pos, End: t.End},
				Parts: []ast.WordPart{&ast.Lit{Span: ast.Span{Start: t.Pos, End: t.End}, Value: t.Value}},
			})
		case t.IsWordPart():
			w, err := p.word()
			if err != nil {
				return nil, err
			}
			args = append(args, w)
			if lit, _ := w.Lit(); lit == "]]" {
				return args, nil
			}
		default:
			return nil, p.errAt(t, "unexpected %s inside \"[[\"", describe(t))
		}
	}
}

func (p *parser) redirect() (*ast.Redirect, error) {
	start := p.cur()
	r := &ast.Redirect{Fd: -1}
	if start.Kind == lexer.IONumber {
		fd, err := strconv.Atoi(start.Value)
		if err != nil {
			return nil, p.errAt(start, "invalid file descriptor %q", start.Value)
		}
		r.Fd = fd
		p.next()
	}
	op := p.next()
	if op.Kind != lexer.Operator || !redirectOps[op.Value] {
		return nil, p.errAt(op, "expected redirection operator, found %s", describe(op))
	}
	r.Op = op.Value
	if op.Value == "<<" || op.Value == "<<-" {
		d := p.next()
		if d.Kind != lexer.HeredocDelim {
			return nil, p.errAt(d, "expected here-document delimiter, found %s", describe(d))
		}
		r.HereDoc = &ast.HereDoc{
			Span:      ast.Span{Start: d.Pos, End: d.End},
			Delimiter: d.Value,
			Quoted:    d.Quoted,
			StripTabs: op.Value == "<<-",
		}
		p.pending = append(p.pending, r.HereDoc)
		r.Span = ast.Span{Start: start.Pos, End: d.End}
		return r, nil
	}
	t := p.cur()
	if !t.IsWordPart() {
		return nil, p.errAt(t, "expected word after %q, found %s", op.Value, describe(t))
	}
	w, err := p.word()
	if err != nil {
		return nil, err
	}
	r.Target = w
	r.Span = ast.Span{Start: start.Pos, End: w.End}
	return r, nil
}

// word consumes one word made of the current token and every token glued to
// it.
func (p *parser) word() (*ast.Word, error) {
	first, err := p.wordPart()
	if err != nil {
		return nil, err
	}
	w := &ast.Word{Span: first.Range(), Parts: []ast.WordPart{first}}
	for glued(p.cur()) {
		part, err := p.wordPart()
		if err != nil {
			return nil, err
		}
		w.Parts = append(w.Parts, part)
		w.End = part.Range().End
	}
	return w, nil
}

func (p *parser) wordPart() (ast.WordPart, error) {
	t := p.next()
	span := ast.Span{Start: t.Pos, End: t.End}
	switch t.Kind {
	case lexer.Lit, lexer.Keyword:
		return &ast.Lit{Span: span, Value: t.Value}, nil
	case lexer.SglQuoted:
		return &ast.SglQuoted{Span: span, Value: t.Value}, nil
	case lexer.DollarSglQuoted:
		return &ast.SglQuoted{Span: span, Value: t.Value, Dollar: true}, nil
	case lexer.DblQuoteOpen:
		dq := &ast.DblQuoted{Span: span}
		for {
			inner := p.cur()
			if inner.Kind == lexer.DblQuoteClose {
				p.next()
				dq.End = inner.End
				return dq, nil
			}
			if inner.Kind == lexer.EOF {
				return nil, p.errAt(t, "unterminated double-quoted string")
			}
			part, err := p.wordPart()
			if err != nil {
				return nil, err
			}
			dq.Parts = append(dq.Parts, part)
		}
	case lexer.Param:
		return &ast.ParamExp{Span: span, Name: t.Value}, nil
	case lexer.SpecialParam:
		return &ast.ParamExp{Span: span, Name: t.Value, Special: true}, nil
	case lexer.ParamBraced:
		return p.bracedParam(t)
	case lexer.CmdSubst, lexer.Backquote:
		stmts, err := p.sub(t)
		if err != nil {
			return nil, err
		}
		return &ast.CmdSubst{Span: span, Stmts: stmts, Backquote: t.Kind == lexer.Backquote}, nil
	case lexer.Arith:
		return &ast.ArithExp{Span: span, Expr: t.Value}, nil
	case lexer.ProcSubst:
		stmts, err := p.sub(t)
		if err != nil {
			return nil, err
		}
		return &ast.ProcSubst{Span: span, Op: t.Value, Stmts: stmts}, nil
	}
	return nil, p.errAt(t, "unexpected %s", describe(t))
}

// sub parses the body of a substitution with a child parser that shares the
// nesting budget.
func (p *parser) sub(t lexer.Token) ([]ast.Stmt, error) {
	if p.depth >= MaxNestingDepth {
		return nil, p.errAt(t, "nesting deeper than %d levels", MaxNestingDepth)
	}
	child := &parser{toks: t.Inner, depth: p.depth + 1}
	script, err := child.script()
	if err != nil {
		return nil, err
	}
	return script.Stmts, nil
}

// bracedParam decodes the body of ${...}.
func (p *parser) bracedParam(t lexer.Token) (ast.WordPart, error) {
	body := t.Value
	n := &ast.ParamExp{Span: ast.Span{Start: t.Pos, End: t.End}, Braced: true}
	if len(body) > 1 && body[0] == '#' {
		n.Length = true
		body = body[1:]
	}
	name := paramName(body)
	if name == "" {
		return nil, p.errAt(t, "bad substitution ${%s}", t.Value)
	}
	n.Name = name
	n.Modifier = body[len(name):]
	n.Special = ast.IsSpecialName(name)
	if n.Length && n.Modifier != "" {
		return nil, p.errAt(t, "bad substitution ${%s}", t.Value)
	}
	if strings.HasPrefix(n.Modifier, "[") {
		return nil, p.errAt(t, "array subscript in ${%s} is not supported", t.Value)
	}
	return n, nil
}

func paramName(s string) string {
	if s == "" {
		return ""
	}
	c := s[0]
	switch {
	case c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
		i := 1
		for i < len(s) && (s[i] == '_' || (s[i] >= 'a' && s[i] <= 'z') || (s[i] >= 'A' && s[i] <= 'Z') || (s[i] >= '0' && s[i] <= '9')) {
			i++
		}
		return s[:i]
	case c >= '0' && c <= '9':
		i := 1
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		return s[:i]
	case strings.IndexByte("?#@*!-$", c) >= 0:
		return s[:1]
	}
	return ""
}
