package emitter

import (
	"strings"

	"github.com/jonchun/shellpure/ast"
)

const indentUnit = "  "

// printer writes statements in canonical layout. Here-document bodies are
// queued by their redirection and written after the next newline.
type printer struct {
	strings.Builder
	pending []*ast.HereDoc
}

func (pr *printer) indent(level int) {
	for range level {
		pr.WriteString(indentUnit)
	}
}

// newline ends the current line and flushes queued here-document bodies.
func (pr *printer) newline() {
	pr.WriteByte('\n')
	for _, hd := range pr.pending {
		pr.WriteString(hd.Content)
		pr.WriteString(hd.Delimiter)
		pr.WriteByte('\n')
	}
	pr.pending = pr.pending[:0]
}

func (pr *printer) list(stmts []ast.Stmt, level int) {
	for _, s := range stmts {
		pr.indent(level)
		pr.stmt(s, level)
		pr.newline()
	}
}

// inline writes a list on the current line, as in an if condition.
func (pr *printer) inline(stmts []ast.Stmt, level int) {
	for i, s := range stmts {
		if i > 0 {
			pr.sep(stmts[i-1])
		}
		pr.stmt(s, level)
	}
}

// sep writes the separator after s inside an inline list.
func (pr *printer) sep(s ast.Stmt) {
	if _, ok := s.(*ast.Background); ok {
		pr.WriteByte(' ')
		return
	}
	pr.WriteString("; ")
}

// terminate ends an inline list before a reserved word such as then or do.
func (pr *printer) terminate(stmts []ast.Stmt) {
	if len(stmts) > 0 {
		pr.sep(stmts[len(stmts)-1])
		return
	}
	pr.WriteString("; ")
}

func (pr *printer) stmt(s ast.Stmt, level int) {
	switch n := s.(type) {
	case *ast.Command:
		pr.command(n)
	case *ast.Assignment:
		pr.assignment(n)
	case *ast.Pipeline:
		if n.Negated {
			pr.WriteString("! ")
		}
		for i, st := range n.Stages {
			if i > 0 {
				pr.WriteString(" | ")
			}
			if _, chain := st.(*ast.AndOr); chain {
				pr.WriteString("{ ")
				pr.stmt(st, level)
				pr.WriteString("; }")
				continue
			}
			pr.operand(st, level)
		}
	case *ast.AndOr:
		pr.operand(n.Left, level)
		pr.WriteByte(' ')
		pr.WriteString(n.Op)
		pr.WriteByte(' ')
		if _, nested := n.Right.(*ast.AndOr); nested {
			pr.WriteString("{ ")
			pr.stmt(n.Right, level)
			pr.WriteString("; }")
			return
		}
		pr.operand(n.Right, level)
	case *ast.If:
		pr.WriteString("if ")
		pr.inline(n.Cond, level)
		pr.terminate(n.Cond)
		pr.WriteString("then")
		pr.newline()
		pr.list(n.Then, level+1)
		for _, e := range n.Elifs {
			pr.indent(level)
			pr.WriteString("elif ")
			pr.inline(e.Cond, level)
			pr.terminate(e.Cond)
			pr.WriteString("then")
			pr.newline()
			pr.list(e.Then, level+1)
		}
		if len(n.Else) > 0 {
			pr.indent(level)
			pr.WriteString("else")
			pr.newline()
			pr.list(n.Else, level+1)
		}
		pr.indent(level)
		pr.WriteString("fi")
		pr.redirects(n.Redirects)
	case *ast.For:
		pr.WriteString("for ")
		pr.WriteString(n.Var)
		if n.HasIn {
			pr.WriteString(" in")
			for _, w := range n.Items {
				pr.WriteByte(' ')
				pr.word(w)
			}
		}
		pr.WriteString("; do")
		pr.newline()
		pr.list(n.Body, level+1)
		pr.indent(level)
		pr.WriteString("done")
		pr.redirects(n.Redirects)
	case *ast.While:
		if n.Until {
			pr.WriteString("until ")
		} else {
			pr.WriteString("while ")
		}
		pr.inline(n.Cond, level)
		pr.terminate(n.Cond)
		pr.WriteString("do")
		pr.newline()
		pr.list(n.Body, level+1)
		pr.indent(level)
		pr.WriteString("done")
		pr.redirects(n.Redirects)
	case *ast.Case:
		pr.WriteString("case ")
		pr.word(n.Word)
		pr.WriteString(" in")
		pr.newline()
		for _, item := range n.Items {
			pr.indent(level + 1)
			for i, pat := range item.Patterns {
				if i > 0 {
					pr.WriteString(" | ")
				}
				pr.word(pat)
			}
			pr.WriteByte(')')
			pr.newline()
			pr.list(item.Body, level+2)
			pr.indent(level + 2)
			pr.WriteString(";;")
			pr.newline()
		}
		pr.indent(level)
		pr.WriteString("esac")
		pr.redirects(n.Redirects)
	case *ast.Function:
		pr.WriteString(n.Name)
		pr.WriteString("() ")
		pr.stmt(n.Body, level)
	case *ast.BraceGroup:
		pr.WriteByte('{')
		pr.newline()
		pr.list(n.Body, level+1)
		pr.indent(level)
		pr.WriteByte('}')
		pr.redirects(n.Redirects)
	case *ast.Subshell:
		pr.WriteByte('(')
		pr.newline()
		pr.list(n.Body, level+1)
		pr.indent(level)
		pr.WriteByte(')')
		pr.redirects(n.Redirects)
	case *ast.Background:
		pr.stmt(n.Body, level)
		pr.WriteString(" &")
	}
}

// operand writes a pipeline stage or an && / || operand. Groups of simple
// statements stay on the line; anything larger uses the block layout.
func (pr *printer) operand(s ast.Stmt, level int) {
	switch n := s.(type) {
	case *ast.BraceGroup:
		if simple(n.Body) {
			pr.WriteString("{ ")
			pr.inline(n.Body, level)
			pr.terminate(n.Body)
			pr.WriteByte('}')
			pr.redirects(n.Redirects)
			return
		}
	case *ast.Subshell:
		if simple(n.Body) {
			pr.WriteByte('(')
			pr.inline(n.Body, level)
			pr.WriteByte(')')
			pr.redirects(n.Redirects)
			return
		}
	}
	pr.stmt(s, level)
}

// simple reports whether every statement is a plain command or assignment
// without here-documents.
func simple(stmts []ast.Stmt) bool {
	for _, s := range stmts {
		switch n := s.(type) {
		case *ast.Command:
			for _, r := range n.Redirects {
				if r.HereDoc != nil {
					return false
				}
			}
		case *ast.Assignment:
		default:
			return false
		}
	}
	return len(stmts) > 0
}

func (pr *printer) command(c *ast.Command) {
	first := true
	space := func() {
		if !first {
			pr.WriteByte(' ')
		}
		first = false
	}
	for _, a := range c.Env {
		space()
		pr.assignment(a)
	}
	if c.Name != nil {
		space()
		pr.word(c.Name)
		for _, w := range c.Args {
			pr.WriteByte(' ')
			pr.word(w)
		}
	}
	for _, r := range c.Redirects {
		space()
		pr.redirect(r)
	}
}

func (pr *printer) assignment(a *ast.Assignment) {
	pr.WriteString(a.Name)
	pr.WriteByte('=')
	if a.Value != nil {
		pr.word(a.Value)
	}
}

func (pr *printer) redirects(rs []*ast.Redirect) {
	for _, r := range rs {
		pr.WriteByte(' ')
		pr.redirect(r)
	}
}

func (pr *printer) redirect(r *ast.Redirect) {
	if r.Fd >= 0 {
		pr.WriteString(itoa(r.Fd))
	}
	pr.WriteString(r.Op)
	if r.HereDoc != nil {
		if r.HereDoc.Quoted {
			pr.WriteString("'" + r.HereDoc.Delimiter + "'")
		} else {
			pr.WriteString(r.HereDoc.Delimiter)
		}
		pr.pending = append(pr.pending, r.HereDoc)
		return
	}
	pr.word(r.Target)
}

func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	return itoa(n/10) + string(rune('0'+n%10))
}
