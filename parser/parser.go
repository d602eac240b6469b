// Package parser turns shell source into an ast.Script.
//
// It is a recursive-descent parser with one production per construct. Block
// closers (fi, done, esac, }, ) are tracked on an explicit stack so that a
// mismatch reports both the opener and the token that was found instead.
package parser

import (
	"fmt"
	"strings"

	"github.com/jonchun/shellpure/ast"
	"github.com/jonchun/shellpure/lexer"
)

// MaxNestingDepth bounds how deeply compound commands and substitutions may
// nest.
const MaxNestingDepth = 256

// ErrorKind classifies parse failures.
type ErrorKind int

const (
	InvalidSyntax ErrorKind = iota
)

type ParseError struct {
	Kind    ErrorKind
	Message string
	Span    ast.Span
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Span.Start, e.Message)
}

// Caret renders the source line holding the error with a caret under the
// offending column.
func (e *ParseError) Caret(src string) string {
	return caret(src, e.Span.Start)
}

func caret(src string, pos ast.Pos) string {
	lines := strings.Split(src, "\n")
	if pos.Line < 1 || pos.Line > len(lines) {
		return ""
	}
	line := strings.TrimSuffix(lines[pos.Line-1], "\r")
	var pad strings.Builder
	col := 1
	for _, r := range line {
		if col >= pos.Col {
			break
		}
		if r == '\t' {
			pad.WriteByte('\t')
		} else {
			pad.WriteByte(' ')
		}
		col++
	}
	return line + "\n" + pad.String() + "^"
}

// Parse lexes and parses src. Lexer errors are returned unchanged.
func Parse(src string) (*ast.Script, error) {
	toks, err := lexer.Tokenize(src)
	if err != nil {
		return nil, err
	}
	return ParseTokens(toks)
}

// ParseTokens parses an already lexed token stream ending in EOF.
func ParseTokens(toks []lexer.Token) (*ast.Script, error) {
	p := &parser{toks: toks}
	return p.script()
}

type closer struct {
	want string
	open lexer.Token
}

type parser struct {
	toks    []lexer.Token
	i       int
	closers []closer
	depth   int
	pending []*ast.HereDoc
}

func (p *parser) script() (*ast.Script, error) {
	start := p.cur().Pos
	stmts, err := p.stmtList(func(t lexer.Token) bool { return t.Kind == lexer.EOF })
	if err != nil {
		return nil, err
	}
	end := p.cur()
	if len(p.pending) > 0 {
		return nil, p.errAt(end, "here-document delimited by %q has no body", p.pending[0].Delimiter)
	}
	return &ast.Script{Span: ast.Span{Start: start, End: end.End}, Stmts: stmts}, nil
}

// cur returns the current token. Here-document bodies are consumed on the way
// and handed to the redirections waiting for them.
func (p *parser) cur() lexer.Token {
	for p.i < len(p.toks) && p.toks[p.i].Kind == lexer.Heredoc {
		if len(p.pending) > 0 {
			p.pending[0].Content = p.toks[p.i].Value
			p.pending = p.pending[1:]
		}
		p.i++
	}
	if p.i >= len(p.toks) {
		var end ast.Pos
		if n := len(p.toks); n > 0 {
			end = p.toks[n-1].End
		}
		return lexer.Token{Kind: lexer.EOF, Pos: end, End: end}
	}
	return p.toks[p.i]
}

func (p *parser) peekAt(k int) lexer.Token {
	p.cur()
	j := p.i
	for n := 0; j < len(p.toks); j++ {
		if p.toks[j].Kind == lexer.Heredoc {
			continue
		}
		if n == k {
			return p.toks[j]
		}
		n++
	}
	return lexer.Token{Kind: lexer.EOF}
}

func (p *parser) next() lexer.Token {
	t := p.cur()
	if p.i < len(p.toks) {
		p.i++
	}
	return t
}

func (p *parser) skipNewlines() {
	for p.cur().Kind == lexer.Newline {
		p.next()
	}
}

// glued reports whether t continues the word before it.
func glued(t lexer.Token) bool {
	return t.Joined && t.IsWordPart()
}

// adjacent reports whether b starts exactly where a ends. Unlike Joined it
// holds after operators too.
func adjacent(a, b lexer.Token) bool {
	return a.End.Offset == b.Pos.Offset
}

func describe(t lexer.Token) string {
	switch t.Kind {
	case lexer.EOF:
		return "end of input"
	case lexer.Newline:
		return "newline"
	default:
		return fmt.Sprintf("%q", t.Value)
	}
}

func (p *parser) errAt(t lexer.Token, format string, args ...any) *ParseError {
	return &ParseError{
		Kind:    InvalidSyntax,
		Message: fmt.Sprintf(format, args...),
		Span:    ast.Span{Start: t.Pos, End: t.End},
	}
}

func (p *parser) push(want string, open lexer.Token) error {
	if p.depth >= MaxNestingDepth {
		return p.errAt(open, "nesting deeper than %d levels", MaxNestingDepth)
	}
	p.depth++
	p.closers = append(p.closers, closer{want: want, open: open})
	return nil
}

// expect consumes the keyword or operator want, which closes the innermost
// open block when close is set.
func (p *parser) expect(want string, close bool) (lexer.Token, error) {
	t := p.cur()
	if t.Is(want) {
		p.next()
		if close && len(p.closers) > 0 {
			p.closers = p.closers[:len(p.closers)-1]
			p.depth--
		}
		return t, nil
	}
	if len(p.closers) > 0 {
		c := p.closers[len(p.closers)-1]
		return t, p.errAt(t, "expected %q to close %q opened at %s, found %s", want, c.open.Value, c.open.Pos, describe(t))
	}
	return t, p.errAt(t, "expected %q, found %s", want, describe(t))
}

func isKeyword(t lexer.Token, values ...string) bool {
	if t.Kind != lexer.Keyword {
		return false
	}
	for _, v := range values {
		if t.Value == v {
			return true
		}
	}
	return false
}

func stopAt(values ...string) func(lexer.Token) bool {
	return func(t lexer.Token) bool {
		return isKeyword(t, values...)
	}
}

// stmtList parses statements separated by ;, & or newlines until stop matches
// the current token.
func (p *parser) stmtList(stop func(lexer.Token) bool) ([]ast.Stmt, error) {
	var stmts []ast.Stmt
	for {
		p.skipNewlines()
		t := p.cur()
		if stop(t) {
			return stmts, nil
		}
		if t.Kind == lexer.EOF {
			if len(p.closers) > 0 {
				c := p.closers[len(p.closers)-1]
				return nil, p.errAt(t, "expected %q to close %q opened at %s, found end of input", c.want, c.open.Value, c.open.Pos)
			}
			return stmts, nil
		}
		stmt, err := p.andOr()
		if err != nil {
			return nil, err
		}
		sep := p.cur()
		switch {
		case sep.Is("&"):
			p.next()
			stmt = &ast.Background{Span: ast.Span{Start: stmt.Range().Start, End: sep.End}, Body: stmt}
		case sep.Is(";"), sep.Kind == lexer.Newline:
			p.next()
		case stop(sep), sep.Kind == lexer.EOF:
		default:
			return nil, p.errAt(sep, "unexpected %s", describe(sep))
		}
		stmts = append(stmts, stmt)
	}
}

// body parses a statement list that must hold at least one statement.
func (p *parser) body(what string, opener lexer.Token, stop func(lexer.Token) bool) ([]ast.Stmt, error) {
	stmts, err := p.stmtList(stop)
	if err != nil {
		return nil, err
	}
	if len(stmts) == 0 {
		t := p.cur()
		return nil, p.errAt(t, "empty %s in %q opened at %s, found %s", what, opener.Value, opener.Pos, describe(t))
	}
	return stmts, nil
}

func (p *parser) andOr() (ast.Stmt, error) {
	left, err := p.pipeline()
	if err != nil {
		return nil, err
	}
	for {
		op := p.cur()
		if !op.Is("&&") && !op.Is("||") {
			return left, nil
		}
		p.next()
		p.skipNewlines()
		right, err := p.pipeline()
		if err != nil {
			return nil, err
		}
		left = &ast.AndOr{
			Span:  ast.Span{Start: left.Range().Start, End: right.Range().End},
			Op:    op.Value,
			Left:  left,
			Right: right,
		}
	}
}

func (p *parser) pipeline() (ast.Stmt, error) {
	start := p.cur()
	negated := false
	if isKeyword(start, "!") {
		negated = true
		p.next()
	}
	first, err := p.command()
	if err != nil {
		return nil, err
	}
	stages := []ast.Stmt{first}
	for {
		op := p.cur()
		if op.Is("|&") {
			return nil, p.errAt(op, "'|&' is not supported, use '2>&1 |'")
		}
		if !op.Is("|") {
			break
		}
		p.next()
		p.skipNewlines()
		stage, err := p.command()
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage)
	}
	if len(stages) == 1 && !negated {
		return first, nil
	}
	return &ast.Pipeline{
		Span:    ast.Span{Start: start.Pos, End: stages[len(stages)-1].Range().End},
		Negated: negated,
		Stages:  stages,
	}, nil
}

func (p *parser) command() (ast.Stmt, error) {
	t := p.cur()
	switch {
	case t.Kind == lexer.Keyword:
		switch t.Value {
		case "if":
			return p.ifClause()
		case "for":
			return p.forClause()
		case "while", "until":
			return p.whileClause()
		case "case":
			return p.caseClause()
		case "function":
			return p.function()
		case "{":
			return p.braceGroup()
		case "!":
			return nil, p.errAt(t, "unexpected %s", describe(t))
		}
		if len(p.closers) == 0 {
			return nil, p.errAt(t, "unexpected %s with no matching opener", describe(t))
		}
		c := p.closers[len(p.closers)-1]
		return nil, p.errAt(t, "expected %q to close %q opened at %s, found %s", c.want, c.open.Value, c.open.Pos, describe(t))
	case t.Is("("):
		if n := p.peekAt(1); n.Is("(") && adjacent(t, n) {
			return nil, p.errAt(t, "arithmetic command ((...)) is not supported, use [ ] or $((...))")
		}
		return p.subshell()
	case t.Kind == lexer.Lit:
		n := p.peekAt(1)
		if n.Is("(") && !strings.HasSuffix(t.Value, "=") {
			return p.funcDef()
		}
		if !glued(n) && (t.Value == "select" || t.Value == "coproc") {
			return nil, p.errAt(t, "%q is not supported", t.Value)
		}
	}
	return p.simpleCommand()
}

// redirects parses the redirections trailing a compound command.
func (p *parser) redirects() ([]*ast.Redirect, error) {
	var out []*ast.Redirect
	for isRedirectStart(p.cur()) {
		r, err := p.redirect()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func spanEnd(end lexer.Token, redirects []*ast.Redirect) ast.Pos {
	if n := len(redirects); n > 0 {
		return redirects[n-1].End
	}
	return end.End
}

func (p *parser) ifClause() (ast.Stmt, error) {
	open := p.next()
	if err := p.push("fi", open); err != nil {
		return nil, err
	}
	n := &ast.If{}
	cond, err := p.body("condition", open, stopAt("then"))
	if err != nil {
		return nil, err
	}
	if _, err := p.expect("then", false); err != nil {
		return nil, err
	}
	then, err := p.body("then branch", open, stopAt("elif", "else", "fi"))
	if err != nil {
		return nil, err
	}
	n.Cond, n.Then = cond, then
	for isKeyword(p.cur(), "elif") {
		elifTok := p.next()
		cond, err := p.body("condition", elifTok, stopAt("then"))
		if err != nil {
			return nil, err
		}
		if _, err := p.expect("then", false); err != nil {
			return nil, err
		}
		then, err := p.body("then branch", elifTok, stopAt("elif", "else", "fi"))
		if err != nil {
			return nil, err
		}
		n.Elifs = append(n.Elifs, &ast.Elif{
			Span: ast.Span{Start: elifTok.Pos, End: then[len(then)-1].Range().End},
			Cond: cond,
			Then: then,
		})
	}
	if isKeyword(p.cur(), "else") {
		elseTok := p.next()
		els, err := p.body("else branch", elseTok, stopAt("fi"))
		if err != nil {
			return nil, err
		}
		n.Else = els
	}
	end, err := p.expect("fi", true)
	if err != nil {
		return nil, err
	}
	if n.Redirects, err = p.redirects(); err != nil {
		return nil, err
	}
	n.Span = ast.Span{Start: open.Pos, End: spanEnd(end, n.Redirects)}
	return n, nil
}

func (p *parser) forClause() (ast.Stmt, error) {
	open := p.next()
	name := p.cur()
	if name.Is("(") {
		return nil, p.errAt(name, "arithmetic for loops are not supported")
	}
	if name.Kind != lexer.Lit || !ast.IsName(name.Value) || glued(p.peekAt(1)) {
		return nil, p.errAt(name, "expected loop variable name after \"for\", found %s", describe(name))
	}
	p.next()
	if err := p.push("done", open); err != nil {
		return nil, err
	}
	n := &ast.For{Var: name.Value}
	p.skipNewlines()
	if t := p.cur(); isKeyword(t, "in") {
		p.next()
		n.HasIn = true
		for {
			t := p.cur()
			if t.Is(";") || t.Kind == lexer.Newline || t.Kind == lexer.EOF {
				break
			}
			if !t.IsWordPart() {
				return nil, p.errAt(t, "unexpected %s in for list", describe(t))
			}
			w, err := p.word()
			if err != nil {
				return nil, err
			}
			n.Items = append(n.Items, w)
		}
	}
	if p.cur().Is(";") {
		p.next()
	}
	p.skipNewlines()
	if _, err := p.expect("do", false); err != nil {
		return nil, err
	}
	body, err := p.body("loop body", open, stopAt("done"))
	if err != nil {
		return nil, err
	}
	n.Body = body
	end, err := p.expect("done", true)
	if err != nil {
		return nil, err
	}
	if n.Redirects, err = p.redirects(); err != nil {
		return nil, err
	}
	n.Span = ast.Span{Start: open.Pos, End: spanEnd(end, n.Redirects)}
	return n, nil
}

func (p *parser) whileClause() (ast.Stmt, error) {
	open := p.next()
	if err := p.push("done", open); err != nil {
		return nil, err
	}
	n := &ast.While{Until: open.Value == "until"}
	cond, err := p.body("condition", open, stopAt("do"))
	if err != nil {
		return nil, err
	}
	if _, err := p.expect("do", false); err != nil {
		return nil, err
	}
	body, err := p.body("loop body", open, stopAt("done"))
	if err != nil {
		return nil, err
	}
	n.Cond, n.Body = cond, body
	end, err := p.expect("done", true)
	if err != nil {
		return nil, err
	}
	if n.Redirects, err = p.redirects(); err != nil {
		return nil, err
	}
	n.Span = ast.Span{Start: open.Pos, End: spanEnd(end, n.Redirects)}
	return n, nil
}

func (p *parser) caseClause() (ast.Stmt, error) {
	open := p.next()
	if !p.cur().IsWordPart() {
		t := p.cur()
		return nil, p.errAt(t, "expected word after \"case\", found %s", describe(t))
	}
	subject, err := p.word()
	if err != nil {
		return nil, err
	}
	if err := p.push("esac", open); err != nil {
		return nil, err
	}
	p.skipNewlines()
	if t := p.cur(); !isKeyword(t, "in") {
		return nil, p.errAt(t, "expected \"in\" after case subject, found %s", describe(t))
	}
	p.next()
	n := &ast.Case{Word: subject}
	for {
		p.skipNewlines()
		t := p.cur()
		if isKeyword(t, "esac") {
			break
		}
		if t.Kind == lexer.EOF {
			return nil, p.errAt(t, "expected \"esac\" to close \"case\" opened at %s, found end of input", open.Pos)
		}
		item, err := p.caseItem()
		if err != nil {
			return nil, err
		}
		n.Items = append(n.Items, item)
	}
	end, err := p.expect("esac", true)
	if err != nil {
		return nil, err
	}
	if n.Redirects, err = p.redirects(); err != nil {
		return nil, err
	}
	n.Span = ast.Span{Start: open.Pos, End: spanEnd(end, n.Redirects)}
	return n, nil
}

func (p *parser) caseItem() (*ast.CaseItem, error) {
	start := p.cur()
	if start.Is("(") {
		p.next()
	}
	item := &ast.CaseItem{}
	for {
		t := p.cur()
		if !t.IsWordPart() {
			return nil, p.errAt(t, "expected case pattern, found %s", describe(t))
		}
		w, err := p.word()
		if err != nil {
			return nil, err
		}
		item.Patterns = append(item.Patterns, w)
		if !p.cur().Is("|") {
			break
		}
		p.next()
	}
	if _, err := p.expect(")", false); err != nil {
		return nil, err
	}
	body, err := p.stmtList(func(t lexer.Token) bool {
		return t.Is(";;") || isKeyword(t, "esac")
	})
	if err != nil {
		return nil, err
	}
	item.Body = body
	end := p.cur()
	if end.Is(";;") {
		p.next()
	}
	item.Span = ast.Span{Start: start.Pos, End: end.End}
	return item, nil
}

func (p *parser) braceGroup() (ast.Stmt, error) {
	open := p.next()
	if err := p.push("}", open); err != nil {
		return nil, err
	}
	body, err := p.body("group", open, stopAt("}"))
	if err != nil {
		return nil, err
	}
	end, err := p.expect("}", true)
	if err != nil {
		return nil, err
	}
	n := &ast.BraceGroup{Body: body}
	if n.Redirects, err = p.redirects(); err != nil {
		return nil, err
	}
	n.Span = ast.Span{Start: open.Pos, End: spanEnd(end, n.Redirects)}
	return n, nil
}

func (p *parser) subshell() (ast.Stmt, error) {
	open := p.next()
	if err := p.push(")", open); err != nil {
		return nil, err
	}
	body, err := p.body("subshell", open, func(t lexer.Token) bool { return t.Is(")") })
	if err != nil {
		return nil, err
	}
	end, err := p.expect(")", true)
	if err != nil {
		return nil, err
	}
	n := &ast.Subshell{Body: body}
	if n.Redirects, err = p.redirects(); err != nil {
		return nil, err
	}
	n.Span = ast.Span{Start: open.Pos, End: spanEnd(end, n.Redirects)}
	return n, nil
}

// function parses the bash `function name [()] body` form.
func (p *parser) function() (ast.Stmt, error) {
	open := p.next()
	name := p.cur()
	if name.Kind != lexer.Lit || glued(p.peekAt(1)) {
		return nil, p.errAt(name, "expected function name, found %s", describe(name))
	}
	p.next()
	if p.cur().Is("(") {
		p.next()
		if _, err := p.expect(")", false); err != nil {
			return nil, err
		}
	}
	return p.funcBody(open, name.Value, true)
}

// funcDef parses the POSIX `name() body` form.
func (p *parser) funcDef() (ast.Stmt, error) {
	name := p.next()
	p.next()
	if _, err := p.expect(")", false); err != nil {
		return nil, err
	}
	return p.funcBody(name, name.Value, false)
}

func (p *parser) funcBody(open lexer.Token, name string, keyword bool) (ast.Stmt, error) {
	if !validFuncName(name) {
		return nil, p.errAt(open, "invalid function name %q", name)
	}
	p.skipNewlines()
	t := p.cur()
	body, err := p.command()
	if err != nil {
		return nil, err
	}
	switch body.(type) {
	case *ast.BraceGroup, *ast.Subshell, *ast.If, *ast.For, *ast.While, *ast.Case:
	default:
		return nil, p.errAt(t, "function %q body must be a compound command, found %s", name, describe(t))
	}
	return &ast.Function{
		Span:    ast.Span{Start: open.Pos, End: body.Range().End},
		Name:    name,
		Keyword: keyword,
		Body:    body,
	}, nil
}

func validFuncName(name string) bool {
	if name == "" || lexer.IsKeyword(name) {
		return false
	}
	for _, r := range name {
		if !(r == '_' || r == '-' || r == '.' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}
