package purifier

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/jonchun/shellpure/ast"
	"github.com/jonchun/shellpure/manifest"
)

// command purifies a simple command. guarded is set when the command is
// already the right-hand side of its registry probe.
func (p *pass) command(c *ast.Command, guarded bool) ast.Stmt {
	if name, ok := c.Name.Lit(); ok && name == "[[" {
		return p.doubleBracket(c)
	}

	out := &ast.Command{Span: c.Span}
	for _, a := range c.Env {
		out.Env = append(out.Env, p.assign(a))
	}
	if c.Name == nil {
		out.Redirects = p.redirects(c.Redirects)
		return out
	}

	name, static := c.Name.Static()
	if static {
		p.checkHomoglyph(name, c.Name.Span)
		if m, _ := p.reg.Lookup(name, nil); m != nil && m.Rewrite == manifest.RewriteTime {
			if st, ok := p.dateCommand(c); ok {
				return st
			}
		}
	} else if c.Name.HasExpansion() {
		p.report.warn(RuleDynamicCommand, c.Name.Span, "command name comes from an expansion; its arguments cannot be checked")
	}

	out.Name = p.word(c.Name, ctxName)
	for _, a := range c.Args {
		out.Args = append(out.Args, p.word(a, ctxArg))
	}
	out.Redirects = p.redirects(c.Redirects)
	if !static {
		return out
	}

	switch name {
	case "source":
		p.report.fix(RuleSource, c.Name.Span, "source replaced with .")
		out.Name = litWord(".")
	case "[", "test":
		for i, a := range out.Args {
			if v, ok := a.Lit(); ok && v == "==" {
				p.report.fix(RuleTestEquality, a.Span, "== replaced with =")
				out.Args[i] = &ast.Word{Span: a.Span, Parts: []ast.WordPart{&ast.Lit{Span: a.Span, Value: "="}}}
			}
		}
	}

	view, off := p.unwrap(name, out)
	args := staticArgs(view.Args)
	inner, _ := view.Name.Static()
	m, key := p.reg.Lookup(inner, args)
	if m == nil {
		return out
	}
	switch m.Rewrite {
	case manifest.RewriteFlag:
		if p.addIdempotentFlag(view, m, inner, args) {
			out.Args = append(slices.Clone(out.Args[:off]), view.Args...)
		}
	case manifest.RewriteGuard:
		if guarded {
			return out
		}
		probe, ok := p.guardProbe(m, view)
		if !ok {
			p.unsafe(ErrNonIdempotentSideEffect, RuleGuarded, c.Span,
				fmt.Sprintf("%s: cannot tell what the command creates, so it cannot be guarded", key))
			return out
		}
		p.report.fix(RuleGuarded, c.Span, fmt.Sprintf("%s guarded by %s", key, strings.Join(m.Guard.Probe, " ")))
		return &ast.AndOr{Span: c.Span, Op: "||", Left: probe, Right: out}
	case manifest.RewriteReject:
		p.unsafe(ErrNonIdempotentSideEffect, RuleNonIdempotent, c.Span, fmt.Sprintf("%s: %s", key, m.Reason))
	}
	return out
}

// unwrap returns the command a wrapper such as sudo or env runs, as a view
// sharing c's argument words, and the offset of its arguments in c.Args.
func (p *pass) unwrap(name string, c *ast.Command) (*ast.Command, int) {
	inner, off := p.reg.Unwrap(name, staticArgs(c.Args))
	if off == 0 || inner == name {
		return c, 0
	}
	return &ast.Command{Span: c.Span, Name: c.Args[off-1], Args: slices.Clone(c.Args[off:])}, off
}

// addIdempotentFlag reports whether it changed c.Args.
func (p *pass) addIdempotentFlag(c *ast.Command, m *manifest.Manifest, name string, args []string) bool {
	if m.HasIdempotentFlag(args) {
		return false
	}
	rule, ok := flagRules[name]
	if !ok {
		rule = RuleIdempotentFlag
	}
	letters := strings.TrimPrefix(m.IdempotentFlag, "-")
	for i, a := range args {
		if !slices.Contains(m.MergeFlags, a) || len(letters) != 1 {
			continue
		}
		if _, isLit := c.Args[i].Lit(); !isLit {
			continue
		}
		merged := a + letters
		p.report.fix(rule, c.Span, fmt.Sprintf("%s: %s merged into %s", name, m.IdempotentFlag, merged))
		c.Args[i] = &ast.Word{Span: c.Args[i].Span, Parts: []ast.WordPart{&ast.Lit{Span: c.Args[i].Span, Value: merged}}}
		return true
	}
	p.report.fix(rule, c.Span, fmt.Sprintf("%s: added %s", name, m.IdempotentFlag))
	c.Args = slices.Insert(c.Args, 0, litWord(m.IdempotentFlag))
	return true
}

// guardProbe builds `probe >/dev/null 2>&1` for a guarded command.
func (p *pass) guardProbe(m *manifest.Manifest, c *ast.Command) (*ast.Command, bool) {
	args := staticArgs(c.Args)
	var target *ast.Word
	targetValue, static := "", false
	if i := m.GuardArg(args); i >= 0 {
		target = c.Args[i]
		targetValue, static = c.Args[i].Static()
	} else {
		v, ok := m.GuardTarget(args)
		if !ok {
			return nil, false
		}
		target, targetValue, static = ast.NewWord(v), v, true
	}

	words := make([]*ast.Word, 0, len(m.Guard.Probe))
	for _, arg := range m.Guard.Probe {
		switch {
		case arg == "{target}":
			words = append(words, ast.CloneWord(target))
		case strings.Contains(arg, "{target}"):
			if !static {
				return nil, false
			}
			words = append(words, ast.NewWord(strings.ReplaceAll(arg, "{target}", targetValue)))
		default:
			words = append(words, ast.NewWord(arg))
		}
	}
	return &ast.Command{
		Name: words[0],
		Args: words[1:],
		Redirects: []*ast.Redirect{
			{Fd: -1, Op: ">", Target: litWord("/dev/null")},
			{Fd: 2, Op: ">&", Target: litWord("1")},
		},
	}, true
}

// alreadyGuarded reports whether left is the registry probe for c, either
// alone or as the last link of an || chain.
func (p *pass) alreadyGuarded(left ast.Stmt, c *ast.Command) bool {
	name, ok := c.Name.Static()
	if !ok {
		return false
	}
	view, _ := p.unwrap(name, c)
	inner, _ := view.Name.Static()
	m, _ := p.reg.Lookup(inner, staticArgs(view.Args))
	if m == nil || m.Rewrite != manifest.RewriteGuard {
		return false
	}
	probe, ok := p.guardProbe(m, view)
	if !ok {
		return false
	}
	if ast.Equal(left, ast.Stmt(probe)) {
		return true
	}
	if chain, ok := left.(*ast.AndOr); ok && chain.Op == "||" {
		return ast.Equal(chain.Right, ast.Stmt(probe))
	}
	return false
}

// guardWrites appends a writability guard for every static-target mutation
// in n that does not already have one in out. Commands run through sudo are
// left alone since the guard would test the invoking user.
func (p *pass) guardWrites(out []ast.Stmt, n ast.Stmt) []ast.Stmt {
	c, ok := n.(*ast.Command)
	if chain, isChain := n.(*ast.AndOr); isChain && chain.Op == "||" {
		c, ok = chain.Right.(*ast.Command)
	}
	if !ok || c.Name == nil {
		return out
	}
	name, static := c.Name.Static()
	if !static || p.reg.Escalates(name, staticArgs(c.Args)) {
		return out
	}
	view, _ := p.unwrap(name, c)
	inner, _ := view.Name.Static()
	args := staticArgs(view.Args)
	m, _ := p.reg.Lookup(inner, args)
	if m == nil || !m.Mutates {
		return out
	}
	for _, i := range m.TargetIndexes(args) {
		g := permissionGuard(view.Args[i])
		if slices.ContainsFunc(out, func(s ast.Stmt) bool { return ast.Equal(s, g) }) {
			continue
		}
		desc := "dynamic path"
		if v, ok := view.Args[i].Static(); ok {
			desc = v
		}
		p.report.fix(RulePermissionGuard, c.Span, fmt.Sprintf("%s: check the parent of %s is writable", inner, desc))
		out = append(out, g)
	}
	return out
}

// permissionGuard builds
//
//	[ ! -e "$(dirname T)" ] || [ -w "$(dirname T)" ] || { echo "shellpure: cannot write to $(dirname T)" >&2; exit 1; }
//
// A missing parent passes: mkdir -p creates it, and any other command fails
// on its own as it would have unguarded.
func permissionGuard(target *ast.Word) ast.Stmt {
	dirname := func() *ast.CmdSubst {
		return &ast.CmdSubst{Stmts: []ast.Stmt{&ast.Command{
			Name: litWord("dirname"),
			Args: []*ast.Word{ast.CloneWord(target)},
		}}}
	}
	test := func(op ...string) *ast.Command {
		var args []*ast.Word
		for _, o := range op {
			args = append(args, litWord(o))
		}
		args = append(args,
			&ast.Word{Parts: []ast.WordPart{&ast.DblQuoted{Parts: []ast.WordPart{dirname()}}}},
			litWord("]"))
		return &ast.Command{Name: litWord("["), Args: args}
	}
	missing := test("!", "-e")
	writable := test("-w")
	fail := &ast.BraceGroup{Body: []ast.Stmt{
		&ast.Command{
			Name: litWord("echo"),
			Args: []*ast.Word{{Parts: []ast.WordPart{&ast.DblQuoted{Parts: []ast.WordPart{
				&ast.Lit{Value: "shellpure: cannot write to "},
				dirname(),
			}}}}},
			Redirects: []*ast.Redirect{{Fd: -1, Op: ">&", Target: litWord("2")}},
		},
		&ast.Command{Name: litWord("exit"), Args: []*ast.Word{litWord("1")}},
	}}
	return &ast.AndOr{Op: "||", Left: &ast.AndOr{Op: "||", Left: missing, Right: writable}, Right: fail}
}

// confusables maps Cyrillic and Greek letters that render like ASCII and
// survive NFKC.
var confusables = map[rune]rune{
	'а': 'a', 'е': 'e', 'і': 'i', 'о': 'o', 'р': 'p', 'с': 'c', 'у': 'y', 'х': 'x',
	'А': 'A', 'В': 'B', 'Е': 'E', 'К': 'K', 'М': 'M', 'Н': 'H', 'О': 'O', 'Р': 'P',
	'С': 'C', 'Т': 'T', 'Х': 'X',
	'α': 'a', 'ο': 'o', 'ρ': 'p', 'ν': 'v', 'Α': 'A', 'Β': 'B', 'Ε': 'E', 'Ο': 'O',
}

func (p *pass) checkHomoglyph(name string, span ast.Span) {
	normalized := strings.Map(func(r rune) rune {
		if ascii, ok := confusables[r]; ok {
			return ascii
		}
		return r
	}, norm.NFKC.String(name))
	switch {
	case normalized != name:
		p.report.warn(RuleHomoglyph, span, fmt.Sprintf("command %q looks like %q", name, normalized))
	case strings.IndexFunc(name, func(r rune) bool { return r > unicode.MaxASCII }) >= 0:
		p.report.warn(RuleHomoglyph, span, fmt.Sprintf("command %q contains non-ASCII characters", name))
	}
}
