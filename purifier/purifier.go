// Package purifier rewrites a parsed shell script into a deterministic,
// idempotent, safely quoted POSIX program.
//
// Purification is a single pre-order traversal. Every rule only fires on forms
// it never produces itself, so purifying the output again makes no fixes.
package purifier

import (
	"fmt"

	"github.com/jonchun/shellpure/ast"
	"github.com/jonchun/shellpure/ir"
	"github.com/jonchun/shellpure/manifest"
)

// Purify builds a purified program from script. script is not modified.
//
// When a rule fails under OnUnsafe=Abort the returned error is a
// *PurifyError and the report holds the fixes made before it.
func Purify(script *ast.Script, opts Options) (*ir.Program, *Report, error) {
	reg := opts.Registry
	if reg == nil {
		def, err := manifest.Default()
		if err != nil {
			return nil, nil, fmt.Errorf("load command registry: %w", err)
		}
		reg = def
	}

	p := &pass{opts: opts, reg: reg, report: &Report{}}
	out := &ast.Script{}
	if script != nil {
		out.Span = script.Span
		out.Stmts = p.list(script.Stmts)
	}
	if p.err != nil {
		return nil, p.report, p.err
	}

	prog := ir.New(out)
	prog.Provenance = ir.Provenance{
		Seed:      opts.Seed,
		ProcessID: opts.ProcessID,
		Epoch:     opts.Epoch,
		Fixes:     len(p.report.Fixes),
	}
	prog.Unsafe = p.unsafeNotes
	prog.BestEffort = len(p.unsafeNotes) > 0
	return prog, p.report, nil
}

// PurifyProgram purifies an already-purified program again. On purified input
// the report has no fixes.
func PurifyProgram(prog *ir.Program, opts Options) (*ir.Program, *Report, error) {
	if prog == nil {
		return Purify(nil, opts)
	}
	return Purify(prog.Script, opts)
}

type pass struct {
	opts   Options
	reg    manifest.Registry
	report *Report

	err         error
	unsafeNotes []ir.Note
}

// unsafe handles a construct no rule can make safe. Under Abort the first
// such construct becomes the pass error; under Warn it is noted and left.
func (p *pass) unsafe(kind ErrorKind, rule RuleID, span ast.Span, msg string) {
	if p.opts.OnUnsafe == Warn {
		p.report.warn(rule, span, msg)
		p.unsafeNotes = append(p.unsafeNotes, ir.Note{Rule: rule.String(), Message: msg, Span: span})
		return
	}
	if p.err == nil {
		p.err = &PurifyError{Kind: kind, Rule: rule, Message: msg, Span: span}
	}
}

// substitute reports whether a non-deterministic construct may be replaced.
func (p *pass) substitute(rule RuleID, span ast.Span, what string) bool {
	if p.opts.DeterminismPolicy == Substitute {
		return true
	}
	p.unsafe(ErrUnresolvableNonDeterminism, rule, span, what)
	return false
}

// list purifies a statement list, inserting permission guards when enabled.
func (p *pass) list(stmts []ast.Stmt) []ast.Stmt {
	if stmts == nil {
		return nil
	}
	out := make([]ast.Stmt, 0, len(stmts))
	for _, s := range stmts {
		if p.err != nil {
			break
		}
		n := p.stmt(s)
		if p.opts.InjectPermissionChecks {
			out = p.guardWrites(out, n)
		}
		out = append(out, n)
	}
	return out
}

// conds purifies a condition list. Guards are never inserted there because
// the list's exit status is the condition.
func (p *pass) conds(stmts []ast.Stmt) []ast.Stmt {
	if stmts == nil {
		return nil
	}
	out := make([]ast.Stmt, 0, len(stmts))
	for _, s := range stmts {
		out = append(out, p.stmt(s))
	}
	return out
}

func (p *pass) stmt(s ast.Stmt) ast.Stmt {
	switch n := s.(type) {
	case *ast.Command:
		return p.command(n, false)
	case *ast.Assignment:
		return p.assign(n)
	case *ast.Pipeline:
		out := &ast.Pipeline{Span: n.Span, Negated: n.Negated}
		for _, st := range n.Stages {
			out.Stages = append(out.Stages, p.stmt(st))
		}
		return out
	case *ast.AndOr:
		return p.andOr(n)
	case *ast.If:
		out := &ast.If{
			Span:      n.Span,
			Cond:      p.conds(n.Cond),
			Then:      p.list(n.Then),
			Else:      p.list(n.Else),
			Redirects: p.redirects(n.Redirects),
		}
		for _, e := range n.Elifs {
			out.Elifs = append(out.Elifs, &ast.Elif{Span: e.Span, Cond: p.conds(e.Cond), Then: p.list(e.Then)})
		}
		return out
	case *ast.For:
		out := &ast.For{Span: n.Span, Var: n.Var, HasIn: n.HasIn}
		for _, item := range n.Items {
			w := p.word(item, ctxLoop)
			if e := bareExpansion(w); e != nil {
				p.report.warn(RuleUnquotedLoop, e.Range(), fmt.Sprintf("%s in the for list is split and globbed", describePart(e)))
			}
			out.Items = append(out.Items, w)
		}
		out.Body = p.list(n.Body)
		out.Redirects = p.redirects(n.Redirects)
		return out
	case *ast.While:
		return &ast.While{
			Span:      n.Span,
			Until:     n.Until,
			Cond:      p.conds(n.Cond),
			Body:      p.list(n.Body),
			Redirects: p.redirects(n.Redirects),
		}
	case *ast.Case:
		out := &ast.Case{Span: n.Span, Word: p.word(n.Word, ctxCaseSubject)}
		for _, item := range n.Items {
			ci := &ast.CaseItem{Span: item.Span, Body: p.list(item.Body)}
			for _, pat := range item.Patterns {
				ci.Patterns = append(ci.Patterns, p.word(pat, ctxPattern))
			}
			out.Items = append(out.Items, ci)
		}
		out.Redirects = p.redirects(n.Redirects)
		return out
	case *ast.Function:
		if n.Keyword {
			p.report.fix(RuleFunctionKeyword, n.Span, fmt.Sprintf("function %s rewritten as %s()", n.Name, n.Name))
		}
		return &ast.Function{Span: n.Span, Name: n.Name, Body: p.stmt(n.Body)}
	case *ast.Subshell:
		return &ast.Subshell{Span: n.Span, Body: p.list(n.Body), Redirects: p.redirects(n.Redirects)}
	case *ast.BraceGroup:
		return &ast.BraceGroup{Span: n.Span, Body: p.list(n.Body), Redirects: p.redirects(n.Redirects)}
	case *ast.Background:
		return &ast.Background{Span: n.Span, Body: p.stmt(n.Body)}
	}
	return ast.CloneStmt(s)
}

func (p *pass) andOr(n *ast.AndOr) ast.Stmt {
	if c, ok := n.Right.(*ast.Command); ok && n.Op == "||" && p.alreadyGuarded(n.Left, c) {
		return &ast.AndOr{Span: n.Span, Op: n.Op, Left: p.stmt(n.Left), Right: p.command(c, true)}
	}
	left := p.stmt(n.Left)
	right := p.stmt(n.Right)
	// a OP (b OP c) runs exactly like (a OP b) OP c; keep chains left-nested
	// the way the parser builds them.
	if r, ok := right.(*ast.AndOr); ok && r.Op == n.Op {
		return &ast.AndOr{
			Span:  n.Span,
			Op:    n.Op,
			Left:  &ast.AndOr{Span: n.Span, Op: n.Op, Left: left, Right: r.Left},
			Right: r.Right,
		}
	}
	return &ast.AndOr{Span: n.Span, Op: n.Op, Left: left, Right: right}
}

func (p *pass) assign(a *ast.Assignment) *ast.Assignment {
	if a == nil {
		return nil
	}
	out := &ast.Assignment{Span: a.Span, Name: a.Name}
	if a.Value != nil {
		out.Value = p.word(a.Value, ctxAssign)
	}
	return out
}

func (p *pass) redirects(rs []*ast.Redirect) []*ast.Redirect {
	if rs == nil {
		return nil
	}
	out := make([]*ast.Redirect, 0, len(rs))
	for _, r := range rs {
		if r.HereDoc != nil {
			hd := *r.HereDoc
			if !hd.Quoted {
				hd.Content = p.entropyText(hd.Content, hd.Span, false)
			}
			out = append(out, &ast.Redirect{Span: r.Span, Fd: r.Fd, Op: r.Op, HereDoc: &hd})
			continue
		}

		target := p.word(r.Target, ctxRedirect)
		op := r.Op
		if op == ">&" && (r.Fd == -1 || r.Fd == 1) && isFileTarget(r.Target) {
			op = "&>"
		}
		switch op {
		case "&>", "&>>":
			single := ">"
			if op == "&>>" {
				single = ">>"
				p.report.warn(RuleAppend, r.Span, "append redirection grows the file on every run")
			}
			p.report.fix(RuleBothRedirect, r.Span, fmt.Sprintf("%s rewritten as %s file 2>&1", r.Op, single))
			out = append(out,
				&ast.Redirect{Span: r.Span, Fd: -1, Op: single, Target: target},
				&ast.Redirect{Span: r.Span, Fd: 2, Op: ">&", Target: litWord("1")},
			)
			continue
		case ">>":
			p.report.warn(RuleAppend, r.Span, "append redirection grows the file on every run")
		}
		out = append(out, &ast.Redirect{Span: r.Span, Fd: r.Fd, Op: r.Op, Target: target})
	}
	return out
}

// isFileTarget reports whether the word after >& names a file rather than a
// descriptor.
func isFileTarget(w *ast.Word) bool {
	s, ok := w.Static()
	if !ok || s == "" || s == "-" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return true
		}
	}
	return false
}

func litWord(s string) *ast.Word {
	return &ast.Word{Parts: []ast.WordPart{&ast.Lit{Value: s}}}
}

// staticArgs returns the static value of each word, with "" for words that
// expand at run time.
func staticArgs(words []*ast.Word) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i], _ = w.Static()
	}
	return out
}
